package app

// StopReason records why the engine is shutting down; it shows up in the
// final log lines and nowhere else.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)
