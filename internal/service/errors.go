package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/scene-tiles/server/internal/metadata"
	"github.com/scene-tiles/server/internal/raster"
	"github.com/scene-tiles/server/pkg/colorops"
)

// Kind classifies request failures.
type Kind int

const (
	KindUnknown Kind = iota
	MetadataUnavailable
	ZoomOutOfRange
	CoordinateOutOfRange
	UnsupportedOperation
	RescaleError
	SourceReadError
	InvalidRequest
)

func (k Kind) String() string {
	switch k {
	case MetadataUnavailable:
		return "MetadataUnavailable"
	case ZoomOutOfRange:
		return "ZoomOutOfRange"
	case CoordinateOutOfRange:
		return "CoordinateOutOfRange"
	case UnsupportedOperation:
		return "UnsupportedOperation"
	case RescaleError:
		return "RescaleError"
	case SourceReadError:
		return "SourceReadError"
	case InvalidRequest:
		return "InvalidRequest"
	default:
		return "Unknown"
	}
}

// Error is a failed request. Message is meant for the client.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of err, or KindUnknown if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// classify wraps an error from the render pipeline in an *Error. Errors
// matching no known sentinel get the fallback kind.
func classify(err error, fallback Kind, message string) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}

	kind := fallback
	switch {
	case errors.Is(err, colorops.ErrUnsupportedOperation):
		kind = UnsupportedOperation
	case errors.Is(err, metadata.ErrUnavailable), errors.Is(err, metadata.ErrInvalid):
		kind = MetadataUnavailable
	case errors.Is(err, raster.ErrRescale):
		kind = RescaleError
	case errors.Is(err, raster.ErrRead), errors.Is(err, context.DeadlineExceeded):
		kind = SourceReadError
	}
	return &Error{Kind: kind, Message: message, Err: err}
}
