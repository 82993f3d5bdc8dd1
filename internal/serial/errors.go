package serial

import (
	"errors"
	"fmt"
)

// Codec errors.
var (
	ErrNotScalar         = errors.New("serial: value is not a scalar")
	ErrMalformedToken    = errors.New("serial: malformed token")
	ErrUnknownCustomType = errors.New("serial: unknown custom type")
	ErrNotSerializable   = errors.New("serial: value is not serializable")
)

// Grammar errors.
var (
	ErrMalformedMessage = errors.New("serial: malformed message")
)

// Construction errors. They reflect a type table mismatch between peers and
// reoccur identically on retry.
var (
	ErrUnknownType   = errors.New("serial: unknown type")
	ErrNoConstructor = errors.New("serial: type has no constructor")
	ErrUnknownField  = errors.New("serial: unknown field")
	ErrFieldType     = errors.New("serial: field type mismatch")
)

// Registry errors.
var (
	ErrDuplicateTag   = errors.New("serial: custom tag already registered")
	ErrDuplicateType  = errors.New("serial: type already registered")
	ErrInvalidName    = errors.New("serial: invalid name")
	ErrRegistrySealed = errors.New("serial: registry is sealed")
)

// LineError locates a parse failure inside a message.
type LineError struct {
	Line int
	Text string
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d %q: %v", e.Line, e.Text, e.Err)
}

func (e *LineError) Unwrap() error {
	return e.Err
}

// RemoteError is the value a server sends back in place of a response when
// it could not produce one. Conn.Request turns it back into an error.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "remote: " + e.Message
}

// RemoteErrorType is the wire type name of RemoteError.
const RemoteErrorType = "serial.RemoteError"
