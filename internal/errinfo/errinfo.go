package errinfo

// ErrorInfo is the structured error payload returned across the RPC
// boundary. The orchestrating agent receives it as a normal failure result
// instead of a crash.
type ErrorInfo struct {
	ErrorCode string   `json:"error_code"`
	Phase     string   `json:"phase,omitempty"`
	Retryable bool     `json:"retryable"`
	Actions   []string `json:"actions,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
	Path      string   `json:"path,omitempty"`
	Detail    string   `json:"detail,omitempty"`
}

const (
	CodeValidationFailed     = "VALIDATION_FAILED"
	CodeSessionNotFound      = "SESSION_NOT_FOUND"
	CodeSessionTerminated    = "SESSION_TERMINATED"
	CodeViewOpenTimeout      = "VIEW_OPEN_TIMEOUT"
	CodeFileReadFailed       = "FILE_READ_FAILED"
	CodeFileWriteFailed      = "FILE_WRITE_FAILED"
	CodeDecodeFailed         = "DECODE_FAILED"
	CodeUserCanceled         = "USER_CANCELED"
	CodeConverterUnavailable = "CONVERTER_UNAVAILABLE"
)

const (
	ActionRetry = "retry"
)

const (
	PhaseOpen     = "open"
	PhaseStream   = "stream"
	PhaseFinalize = "finalize"
	PhaseSave     = "save"
	PhaseRevert   = "revert"
)

func ValidationFailed(phase, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeValidationFailed,
		Phase:     phase,
		Retryable: false,
		Detail:    detail,
	}
}

func SessionNotFound(phase, sessionID string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeSessionNotFound,
		Phase:     phase,
		Retryable: false,
		SessionID: sessionID,
	}
}

func SessionTerminated(phase, sessionID string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeSessionTerminated,
		Phase:     phase,
		Retryable: false,
		SessionID: sessionID,
	}
}

func ViewOpenTimeout(sessionID, path string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeViewOpenTimeout,
		Phase:     PhaseOpen,
		Retryable: true,
		Actions:   []string{ActionRetry},
		SessionID: sessionID,
		Path:      path,
	}
}

func FileReadFailed(phase, path, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeFileReadFailed,
		Phase:     phase,
		Retryable: false,
		Path:      path,
		Detail:    detail,
	}
}

func FileWriteFailed(phase, path, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeFileWriteFailed,
		Phase:     phase,
		Retryable: false,
		Path:      path,
		Detail:    detail,
	}
}

func DecodeFailed(phase, sessionID, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeDecodeFailed,
		Phase:     phase,
		Retryable: false,
		SessionID: sessionID,
		Detail:    detail,
	}
}

func UserCanceled(phase, sessionID string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeUserCanceled,
		Phase:     phase,
		Retryable: false,
		SessionID: sessionID,
	}
}

func ConverterUnavailable(phase, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeConverterUnavailable,
		Phase:     phase,
		Retryable: true,
		Actions:   []string{ActionRetry},
		Detail:    detail,
	}
}
