package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID = "request_id"
	FieldChannelID = "channel_id"
	FieldChannel   = "channel"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldReason    = "reason"

	// Upstream fields
	FieldUpstreamStatus = "upstream_status"
	FieldUpstreamURL    = "upstream_url"
	FieldOperation      = "op"

	// HTTP fields
	FieldMethod   = "method"
	FieldPath     = "path"
	FieldStatus   = "status"
	FieldDuration = "duration_ms"
	FieldRemote   = "remote_addr"
)
