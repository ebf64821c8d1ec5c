// Package monerr defines the typed error kinds shared by the parser, layout,
// registry, index, and playback packages. Those packages return *monerr.Error
// values (apart from the index scan's cancellation error) so callers can
// inspect Kind and Location with errors.As instead of parsing message text;
// config, ctype and the store packages also return plain errors.
package monerr

import "fmt"

// Kind classifies an error into one of the categories enumerated in the
// error handling design: lex, parse, layout, registry, index, playback, and
// serialize failures each get their own sentinel-comparable kind.
type Kind string

const (
	KindLex       Kind = "lex"
	KindParse     Kind = "parse"
	KindLayout    Kind = "layout"
	KindRegistry  Kind = "registry"
	KindIndex     Kind = "index"
	KindPlayback  Kind = "playback"
	KindSerialize Kind = "serialize"
)

// Location pinpoints a source-text error by 1-based line and column, plus
// the originating filename when known (empty for in-memory sources).
type Location struct {
	File   string
	Line   int
	Column int
}

func (l Location) String() string {
	if l.File == "" {
		return fmt.Sprintf("%d:%d", l.Line, l.Column)
	}
	return fmt.Sprintf("%s:%d:%d", l.File, l.Line, l.Column)
}

// Error is the structured error type of this module. At most one of
// Location or ByteOffset is meaningful for a given error: text-level errors
// (parse/pragma) set Location; playback packet-read errors set ByteOffset
// with HasByteOffset true; other errors set neither.
type Error struct {
	Kind    Kind
	Message string

	Location Location
	HasLoc   bool

	ByteOffset    int64
	HasByteOffset bool

	Err error // wrapped cause, if any
}

func (e *Error) Error() string {
	switch {
	case e.HasLoc:
		return fmt.Sprintf("%s: %s (at %s)", e.Kind, e.Message, e.Location)
	case e.HasByteOffset:
		return fmt.Sprintf("%s: %s (at byte %d)", e.Kind, e.Message, e.ByteOffset)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a location-less error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// At builds an error carrying a source location.
func At(kind Kind, loc Location, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Location: loc, HasLoc: true}
}

// AtOffset builds an error carrying a binary byte offset.
func AtOffset(kind Kind, offset int64, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), ByteOffset: offset, HasByteOffset: true}
}

// Wrap attaches a cause to err, preserving its Kind/Location.
func (e *Error) Wrap(cause error) *Error {
	e.Err = cause
	return e
}

// Is reports whether err, or an error it wraps, is a *Error of the given
// kind. Kind is not an error value, so kind checks go through this helper
// (or errors.As plus a Kind compare), not errors.Is.
func Is(err error, kind Kind) bool {
	var me *Error
	if as(err, &me) {
		return me.Kind == kind
	}
	return false
}

// as walks err's Unwrap() error chain for the first *Error, like errors.As;
// errors that unwrap to several errors (Unwrap() []error, as from
// errors.Join) are not searched.
func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
