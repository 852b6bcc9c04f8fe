package store

import (
	"context"
	"time"
)

// ListCallRecords queries the call log directly for admin stats/reporting.
// Filters are conjunctive; zero-value fields are ignored.
func (s *Store) ListCallRecords(ctx context.Context, filter CallLogFilter) ([]CallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, credential_key, model, endpoint, call_time, input_tokens, output_tokens, total_tokens FROM call_log WHERE 1=1`
	var args []any

	if filter.TodayOnly {
		startOfDay := time.Now().UTC().Truncate(24 * time.Hour).Unix()
		query += ` AND call_time >= ?`
		args = append(args, startOfDay)
	}
	if filter.Model != "" {
		query += ` AND model = ?`
		args = append(args, filter.Model)
	}
	if filter.Endpoint != "" {
		query += ` AND endpoint = ?`
		args = append(args, filter.Endpoint)
	}
	query += ` ORDER BY id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.metrics.OperationsTotal.WithLabelValues("list_call_records", "error").Inc()
		return nil, &ErrUnavailable{Op: "list_call_records", Cause: err}
	}
	defer rows.Close()

	var result []CallRecord
	for rows.Next() {
		var r CallRecord
		var callTime int64
		if err := rows.Scan(&r.ID, &r.CredentialKey, &r.Model, &r.Endpoint, &callTime,
			&r.InputTokens, &r.OutputTokens, &r.TotalTokens); err != nil {
			return nil, &ErrUnavailable{Op: "list_call_records", Cause: err}
		}
		r.CallTime = time.Unix(callTime, 0).UTC()
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, &ErrUnavailable{Op: "list_call_records", Cause: err}
	}

	s.metrics.OperationsTotal.WithLabelValues("list_call_records", "success").Inc()
	return result, nil
}

// TruncateCallLog deletes every row in the call log. Unlike every other
// mutation, this bypasses the write-behind cache: it is a coarse,
// infrequent admin operation and the spec requires immediate effect.
func (s *Store) TruncateCallLog(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM call_log`); err != nil {
		s.metrics.OperationsTotal.WithLabelValues("truncate_call_log", "error").Inc()
		return &ErrUnavailable{Op: "truncate_call_log", Cause: err}
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		s.logger.Warn("vacuum after truncate failed", "error", err)
	}

	s.metrics.OperationsTotal.WithLabelValues("truncate_call_log", "success").Inc()
	return nil
}
