package sniffer

// Code classifies a sniffer error for callers that want to branch on it
// without string-matching Error().
type Code string

const (
	// CodeCaptureOpenFailed means the capture driver could not open the
	// interface or install its BPF filter.
	CodeCaptureOpenFailed Code = "CAPTURE_OPEN_FAILED"
	// CodeUnrecoverable covers both documented fatal cases: Start called
	// while already running, and a mid-run capture loop failure that
	// leaves is_running false.
	CodeUnrecoverable Code = "UNRECOVERABLE"
)

// Error is the typed error value every sniffer failure is reported as.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

func newError(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}
