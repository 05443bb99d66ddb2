package dlt

import (
	"errors"
	"fmt"
)

// Decode failure categories. DecodeError wraps one of these so callers
// can branch with errors.Is while still seeing offsets in the text.
var (
	ErrTruncatedFrame    = errors.New("dlt: truncated frame")
	ErrUnknownVersion    = errors.New("dlt: unknown protocol version")
	ErrMalformedArgument = errors.New("dlt: malformed argument")
)

// DecodeError reports why a frame could not be decoded and where in the
// buffer decoding stopped.
type DecodeError struct {
	Kind   error // one of ErrTruncatedFrame, ErrUnknownVersion, ErrMalformedArgument
	Offset int
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%v at offset %d", e.Kind, e.Offset)
	}
	return fmt.Sprintf("%v at offset %d: %s", e.Kind, e.Offset, e.Detail)
}

func (e *DecodeError) Unwrap() error { return e.Kind }

func truncated(offset int, detail string) *DecodeError {
	return &DecodeError{Kind: ErrTruncatedFrame, Offset: offset, Detail: detail}
}

func malformed(offset int, detail string) *DecodeError {
	return &DecodeError{Kind: ErrMalformedArgument, Offset: offset, Detail: detail}
}
