package logger

// Standard structured field names. Use these instead of raw strings.
const (
	FieldUserID      = "user_id"
	FieldNoteID      = "note_id"
	FieldComponent   = "component"
	FieldOperation   = "operation"
	FieldState       = "state"
	FieldFromState   = "from_state"
	FieldSyncState   = "sync_state"
	FieldError       = "error"
	FieldCount       = "count"
	FieldPushed      = "pushed"
	FieldInserted    = "inserted"
	FieldDeleted     = "deleted"
	FieldConflicts   = "conflicts"
	FieldDuration    = "duration_ms"
	FieldAttempt     = "attempt"
	FieldDelay       = "delay"
	FieldDSN         = "dsn"
	FieldAddress     = "address"
	FieldEventOp     = "event_op"
	FieldGrantee     = "grantee_id"
	FieldLevel       = "level"
	FieldCorrelation = "correlation_id"
)
