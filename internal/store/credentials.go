package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

var credentialOrderColumns = map[string]string{
	"":            "key",
	"key":         "key",
	"add_time":    "add_time",
	"balance":     "balance",
	"usage_count": "usage_count",
}

// GetCredential reads one credential directly (read paths bypass the
// write-behind cache per the store's documented contract).
func (s *Store) GetCredential(ctx context.Context, key string) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := time.Now()
	row := s.db.QueryRowContext(ctx,
		`SELECT key, add_time, balance, usage_count, enabled, is_invalid FROM credentials WHERE key = ?`, key)

	var c Credential
	var addTime int64
	var enabled, invalid int
	err := row.Scan(&c.Key, &addTime, &c.Balance, &c.UsageCount, &enabled, &invalid)
	if err == sql.ErrNoRows {
		s.metrics.OperationsTotal.WithLabelValues("get_credential", "not_found").Inc()
		return nil, &ErrNotFound{Key: key}
	}
	if err != nil {
		s.metrics.OperationsTotal.WithLabelValues("get_credential", "error").Inc()
		return nil, &ErrUnavailable{Op: "get_credential", Cause: err}
	}

	c.AddTime = time.Unix(addTime, 0).UTC()
	c.Enabled = enabled != 0
	c.IsInvalid = invalid != 0

	s.metrics.OperationDuration.WithLabelValues("get_credential").Observe(time.Since(start).Seconds())
	s.metrics.OperationsTotal.WithLabelValues("get_credential", "success").Inc()
	return &c, nil
}

// ListCredentials returns credentials ordered per filter. Used by the
// selector (typically EnabledOnly) and by admin listings (all rows, any sort).
func (s *Store) ListCredentials(ctx context.Context, filter CredentialFilter) ([]Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := time.Now()

	orderCol, ok := credentialOrderColumns[filter.OrderBy]
	if !ok {
		orderCol = "key"
	}
	dir := "ASC"
	if filter.Descending {
		dir = "DESC"
	}

	query := `SELECT key, add_time, balance, usage_count, enabled, is_invalid FROM credentials`
	if filter.EnabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += fmt.Sprintf(` ORDER BY %s %s, key ASC`, orderCol, dir)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		s.metrics.OperationsTotal.WithLabelValues("list_credentials", "error").Inc()
		return nil, &ErrUnavailable{Op: "list_credentials", Cause: err}
	}
	defer rows.Close()

	var result []Credential
	for rows.Next() {
		var c Credential
		var addTime int64
		var enabled, invalid int
		if err := rows.Scan(&c.Key, &addTime, &c.Balance, &c.UsageCount, &enabled, &invalid); err != nil {
			s.metrics.OperationsTotal.WithLabelValues("list_credentials", "error").Inc()
			return nil, &ErrUnavailable{Op: "list_credentials", Cause: err}
		}
		c.AddTime = time.Unix(addTime, 0).UTC()
		c.Enabled = enabled != 0
		c.IsInvalid = invalid != 0
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, &ErrUnavailable{Op: "list_credentials", Cause: err}
	}

	s.metrics.OperationDuration.WithLabelValues("list_credentials").Observe(time.Since(start).Seconds())
	s.metrics.OperationsTotal.WithLabelValues("list_credentials", "success").Inc()
	return result, nil
}
