package montage

import (
	"errors"
	"fmt"
	"strings"
)

// Code is a stable numeric error code. Negative values follow the
// convention of the original filter; callers may persist them.
type Code int

const (
	CodeOK                        Code = 0
	CodeUnsupportedPixelFormat    Code = -5000
	CodeInvalidMontageSize        Code = -11000
	CodeNoTiles                   Code = -11001
	CodeEmptyAttributeMatrixName  Code = -11003
	CodeEmptyDataArrayName        Code = -11004
	CodeInvalidTupleDims          Code = -11005
	CodeInvalidOverlap            Code = -11006
	CodeTileCountMismatch         Code = -11007
	CodeMalformedIdentifier       Code = -11008
	CodeRegistrationFailed        Code = -11009
	CodeIncompleteRegistration    Code = -11010
	CodeCancelled                 Code = -11011
	CodeMissingTile               Code = -11012
	CodeTileOutOfRange            Code = -11013
	CodeDuplicateTile             Code = -11014
	CodeIncompleteGrid            Code = -11015
	CodeInvalidPeakInterpolation  Code = -11016
	CodeInvalidStreamSubdivisions Code = -11017
	CodeArrayShapeMismatch        Code = -11018
)

var codeNames = map[Code]string{
	CodeOK:                        "OK",
	CodeUnsupportedPixelFormat:    "UnsupportedPixelFormat",
	CodeInvalidMontageSize:        "InvalidMontageSize",
	CodeNoTiles:                   "NoTiles",
	CodeEmptyAttributeMatrixName:  "EmptyAttributeMatrixName",
	CodeEmptyDataArrayName:        "EmptyDataArrayName",
	CodeInvalidTupleDims:          "InvalidTupleDims",
	CodeInvalidOverlap:            "InvalidOverlap",
	CodeTileCountMismatch:         "TileCountMismatch",
	CodeMalformedIdentifier:       "MalformedIdentifier",
	CodeRegistrationFailed:        "RegistrationFailed",
	CodeIncompleteRegistration:    "IncompleteRegistration",
	CodeCancelled:                 "Cancelled",
	CodeMissingTile:               "MissingTile",
	CodeTileOutOfRange:            "TileOutOfRange",
	CodeDuplicateTile:             "DuplicateTile",
	CodeIncompleteGrid:            "IncompleteGrid",
	CodeInvalidPeakInterpolation:  "InvalidPeakInterpolation",
	CodeInvalidStreamSubdivisions: "InvalidStreamSubdivisions",
	CodeArrayShapeMismatch:        "ArrayShapeMismatch",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// Sentinels for errors.Is; any *Error with the same code matches.
var (
	ErrUnsupportedPixelFormat = &Error{Code: CodeUnsupportedPixelFormat}
	ErrInvalidMontageSize     = &Error{Code: CodeInvalidMontageSize}
	ErrNoTiles                = &Error{Code: CodeNoTiles}
	ErrEmptyAttributeMatrix   = &Error{Code: CodeEmptyAttributeMatrixName}
	ErrEmptyDataArray         = &Error{Code: CodeEmptyDataArrayName}
	ErrInvalidTupleDims       = &Error{Code: CodeInvalidTupleDims}
	ErrInvalidOverlap         = &Error{Code: CodeInvalidOverlap}
	ErrTileCountMismatch      = &Error{Code: CodeTileCountMismatch}
	ErrMalformedIdentifier    = &Error{Code: CodeMalformedIdentifier}
	ErrRegistrationFailed     = &Error{Code: CodeRegistrationFailed}
	ErrIncompleteRegistration = &Error{Code: CodeIncompleteRegistration}
	ErrCancelled              = &Error{Code: CodeCancelled}
	ErrMissingTile            = &Error{Code: CodeMissingTile}
	ErrTileOutOfRange         = &Error{Code: CodeTileOutOfRange}
	ErrDuplicateTile          = &Error{Code: CodeDuplicateTile}
	ErrIncompleteGrid         = &Error{Code: CodeIncompleteGrid}
	ErrInvalidPeak            = &Error{Code: CodeInvalidPeakInterpolation}
	ErrInvalidSubdivisions    = &Error{Code: CodeInvalidStreamSubdivisions}
	ErrArrayShapeMismatch     = &Error{Code: CodeArrayShapeMismatch}
)

// Error is a montage failure with a stable code. Tile is set when the
// failure concerns a single tile identifier.
type Error struct {
	Code Code
	Tile string
	Msg  string
	Err  error
}

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Code.String())
	if e.Tile != "" {
		fmt.Fprintf(&b, " [%s]", e.Tile)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// CodeOf returns the code of the first *Error in err's chain, CodeOK for nil
// and CodeRegistrationFailed for foreign errors.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var me *Error
	if errors.As(err, &me) {
		return me.Code
	}
	var ie *IncompleteError
	if errors.As(err, &ie) {
		return CodeIncompleteRegistration
	}
	return CodeRegistrationFailed
}

// IncompleteError lists the tiles Commit could not write because they were
// never registered.
type IncompleteError struct {
	Keys []TileKey
}

func (e *IncompleteError) Error() string {
	parts := make([]string, len(e.Keys))
	for i, k := range e.Keys {
		parts[i] = k.String()
	}
	return fmt.Sprintf("%s: %d tile(s) without registration result: %s",
		CodeIncompleteRegistration, len(e.Keys), strings.Join(parts, ", "))
}

// Is makes IncompleteError match ErrIncompleteRegistration.
func (e *IncompleteError) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == CodeIncompleteRegistration
}
