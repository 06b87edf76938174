package oepl

import "fmt"

// ErrorKind classifies upload failures.
type ErrorKind int

const (
	// ErrDiscovery: the retry budget ran out and the device was never
	// seen in any scan. Recoverable by retrying the whole upload.
	ErrDiscovery ErrorKind = iota + 1

	// ErrConnection: the retry budget ran out; the device was seen but
	// never connected. Recoverable by retrying the whole upload.
	ErrConnection

	// ErrSessionSetup: MTU exchange, service/characteristic resolution or
	// notification subscription failed on an open connection.
	ErrSessionSetup

	// ErrProtocolViolation: the device sent a malformed or out-of-range
	// payload (short BLOCK_REQUEST, nonexistent block id).
	ErrProtocolViolation

	// ErrProtocol: the device signaled RSP_ERROR (0xFFFF).
	ErrProtocol

	// ErrNotificationTimeout: no response within the per-operation
	// window.
	ErrNotificationTimeout

	// ErrPartRetryExhausted: a part kept failing with PART_ERROR past the
	// configured resend cap.
	ErrPartRetryExhausted
)

func (k ErrorKind) String() string {
	switch k {
	case ErrDiscovery:
		return "discovery timeout"
	case ErrConnection:
		return "connection failure"
	case ErrSessionSetup:
		return "session setup failure"
	case ErrProtocolViolation:
		return "protocol violation"
	case ErrProtocol:
		return "device protocol error"
	case ErrNotificationTimeout:
		return "notification timeout"
	case ErrPartRetryExhausted:
		return "part retry exhausted"
	}
	return "unknown error"
}

// UploadError is the failure surface of an upload attempt. BlockID and
// PartID are -1 when the failure is not tied to a block exchange;
// LastResponse is the response id being handled when the transfer died, or
// zero.
type UploadError struct {
	Kind         ErrorKind
	BlockID      int
	PartID       int
	LastResponse uint16
	Err          error
}

func (e *UploadError) Error() string {
	msg := e.Kind.String()
	if e.BlockID >= 0 {
		msg = fmt.Sprintf("%s (block %d", msg, e.BlockID)
		if e.PartID >= 0 {
			msg = fmt.Sprintf("%s, part %d", msg, e.PartID)
		}
		msg += ")"
	}
	if e.LastResponse != 0 {
		msg = fmt.Sprintf("%s [rsp 0x%04X]", msg, e.LastResponse)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *UploadError) Unwrap() error { return e.Err }

// uploadErr builds an UploadError without block context.
func uploadErr(kind ErrorKind, err error) *UploadError {
	return &UploadError{Kind: kind, BlockID: -1, PartID: -1, Err: err}
}
