package wire

import "fmt"

// ProtocolError reports a peer that broke the signaling protocol: a malformed
// envelope, an unexpected first message, a wrong id, or an unsupported frame.
// It terminates only the offending connection.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return "protocol error: " + e.Reason + ": " + e.Err.Error()
	}
	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Protocolf builds a ProtocolError with a formatted reason.
func Protocolf(format string, args ...any) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

func protocolErr(reason string, err error) *ProtocolError {
	return &ProtocolError{Reason: reason, Err: err}
}
