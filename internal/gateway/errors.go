package gateway

import "fmt"

// ProtocolError is a client violation of the stream contract. Unlike media
// corruption, which the session rides out, a protocol error ends the
// connection.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }
