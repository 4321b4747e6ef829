// Package averr defines the typed error taxonomy exported by the transcoding
// engine. Each Code identifies one failure class; errors are plain values so
// callers can branch with errors.Is. Transient conditions (decoder wants more
// input, end of stream) are not part of the taxonomy and are never logged.
package averr

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
)

// Code identifies a failure class across the engine's external surface.
type Code int

// Exported error codes.
const (
	// CodeInputPixfmt: hardware input was not 4:2:0.
	CodeInputPixfmt Code = iota + 1
	// CodeInputCodec: hardware input was not H.264.
	CodeInputCodec
	// CodeInputNoKeyframe: no keyframe was found to seed the flush protocol.
	CodeInputNoKeyframe
	// CodeFilters: filter graph construction or feeding failed.
	CodeFilters
	// CodePacketOnly: a packet was demuxed but no decoded frame is available
	// yet. Control flow, surfaced so copy-mode outputs can still mux.
	CodePacketOnly
	// CodeFilterFlushed: a flush marker frame left the filter graph. Control
	// flow, never an error.
	CodeFilterFlushed
	// CodeOutputs: output configuration mismatch across segments.
	CodeOutputs
	// CodeInputs: input description missing or unusable.
	CodeInputs
	// CodeUnrecoverable: the session cannot continue (e.g. hardware loss).
	CodeUnrecoverable
)

// String returns the canonical code name.
func (c Code) String() string {
	switch c {
	case CodeInputPixfmt:
		return "INPUT_PIXFMT"
	case CodeInputCodec:
		return "INPUT_CODEC"
	case CodeInputNoKeyframe:
		return "INPUT_NOKF"
	case CodeFilters:
		return "FILTERS"
	case CodePacketOnly:
		return "PACKET_ONLY"
	case CodeFilterFlushed:
		return "FILTER_FLUSHED"
	case CodeOutputs:
		return "OUTPUTS"
	case CodeInputs:
		return "INPUTS"
	case CodeUnrecoverable:
		return "UNRECOVERABLE"
	}
	return fmt.Sprintf("CODE(%d)", int(c))
}

// Error carries a code plus wrapped cause and context message.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Cause != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	case e.Cause != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Cause)
	}
	return e.Code.String()
}

// Unwrap exposes the cause to errors.Is/As.
func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error with the same code, so sentinel values below work
// with errors.Is regardless of message or cause.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

// Sentinel values for errors.Is comparisons.
var (
	ErrInputPixfmt   = &Error{Code: CodeInputPixfmt}
	ErrInputCodec    = &Error{Code: CodeInputCodec}
	ErrInputNoKF     = &Error{Code: CodeInputNoKeyframe}
	ErrFilters       = &Error{Code: CodeFilters}
	ErrPacketOnly    = &Error{Code: CodePacketOnly}
	ErrFilterFlushed = &Error{Code: CodeFilterFlushed}
	ErrOutputs       = &Error{Code: CodeOutputs}
	ErrInputs        = &Error{Code: CodeInputs}
	ErrUnrecoverable = &Error{Code: CodeUnrecoverable}
)

// New builds an Error with a message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds an Error around a cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Log records err at Error level with the caller's file and line. Control
// flow codes (PACKET_ONLY, FILTER_FLUSHED) are skipped; logging them would
// turn routine draining into noise.
func Log(logger *slog.Logger, err error) {
	var e *Error
	if errors.As(err, &e) {
		if e.Code == CodePacketOnly || e.Code == CodeFilterFlushed {
			return
		}
	}
	_, file, line, ok := runtime.Caller(1)
	if !ok {
		logger.Error(err.Error())
		return
	}
	logger.Error(err.Error(), slog.String("source", fmt.Sprintf("%s:%d", file, line)))
}
