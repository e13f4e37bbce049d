package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonEnvironmentUnsupported ReasonCode = "environment_unsupported"
	ReasonAlreadyActive          ReasonCode = "already_active"

	ReasonCaptureAcquire ReasonCode = "capture_acquire"
	ReasonCaptureStream  ReasonCode = "capture_stream"

	ReasonTransportConnect ReasonCode = "transport_connect"
	ReasonTransportSend    ReasonCode = "transport_send"
	ReasonTransportRead    ReasonCode = "transport_read"

	ReasonProtocol ReasonCode = "protocol"
	ReasonDecode   ReasonCode = "decode"
	ReasonTeardown ReasonCode = "teardown"
)

// Code is the numeric error code surfaced to session observers. Server-side
// protocol errors keep the code returned by the recognition service.
type Code int

const (
	CodeEnvironmentUnsupported Code = 10001
	CodeAlreadyActive          Code = 10002
	CodeStartFailed            Code = 10003
	CodeStopFailed             Code = 10004
	CodeDecodeFailed           Code = 10005
	CodeTransportFailed        Code = 10006
)

var defaultMessages = map[Code]string{
	CodeEnvironmentUnsupported: "audio capture or transport is not available",
	CodeAlreadyActive:          "session already active",
	CodeStartFailed:            "failed to start recognition",
	CodeStopFailed:             "failed to stop recognition",
	CodeDecodeFailed:           "failed to decode message",
	CodeTransportFailed:        "transport connection error",
}

// DefaultMessage returns the canonical message for a client-side code.
func DefaultMessage(code Code) string {
	if msg, ok := defaultMessages[code]; ok {
		return msg
	}
	return "recognition error"
}

// IsFatal reports whether an error with the given reason ends the session.
// Decode failures are reported but leave the session running.
func IsFatal(reason ReasonCode) bool {
	switch reason {
	case ReasonDecode, ReasonTeardown:
		return false
	default:
		return true
	}
}
