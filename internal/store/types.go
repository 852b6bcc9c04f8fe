package store

import "time"

// Credential is the persistent record of one upstream API key.
type Credential struct {
	Key        string
	AddTime    time.Time
	Balance    float64
	UsageCount int64
	Enabled    bool
	IsInvalid  bool
}

// CallRecord is one append-only log entry written after a completed upstream call.
type CallRecord struct {
	ID            int64
	CredentialKey string
	Model         string
	Endpoint      string
	CallTime      time.Time
	InputTokens   int64
	OutputTokens  int64
	TotalTokens   int64
}

// Table names used with ApplyBatch. ApplyBatch does not check a name
// against this set; an unknown table fails at SQL time and rolls back the
// whole batch.
const (
	TableCredentials = "credentials"
	TableCallLog     = "call_log"
)

// Row is a generic insert payload: column name to value.
type Row map[string]any

// Update describes a single-row, single-predicate update.
type Update struct {
	Set        map[string]any
	WhereField string
	WhereVal   any
}

// Incr marks a Set value as a relative column increment (`col = col + By`)
// rather than an absolute assignment. Used for usage_count bumps where the
// cache only ever buffers the delta, never a read-modify-write snapshot.
type Incr struct {
	By int64
}

// Delete describes a single-row delete by primary key.
type Delete struct {
	PKField string
	PKVal   any
}

// TableOps groups the pending operations for one logical table within a batch.
type TableOps struct {
	Inserts []Row
	Updates []Update
	Deletes []Delete
}

// CredentialFilter selects and orders the credential listing.
type CredentialFilter struct {
	EnabledOnly bool
	OrderBy     string // "key", "add_time", "balance", "usage_count"; empty = "key"
	Descending  bool
}

// CallLogFilter narrows a call-log listing for the admin surface.
type CallLogFilter struct {
	TodayOnly bool
	Model     string
	Endpoint  string
}
