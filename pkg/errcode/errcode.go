// Package errcode provides the stable numeric error taxonomy shared by the
// engine, the record reader and the recode parser.
package errcode

import (
	"errors"
	"fmt"
	"strings"
)

// Code identifies a class of failure
type Code int

// Data and configuration errors
const (
	FileNotFound Code = 1000 + iota
	CantOpenFile
	EmptyFile
	WrongLength
	RecordTooShort
	WrongRecord
	NoVariables
	NoTables
	NotEnoughMemory
	NoTableMemory
	SubtableNoSub
	SubtableWrongVar
	NoDataFile
	ProgramError
	NoHouseholds
	NoBIRTable
	BadIndex
	BadDefinition
	NotReady
)

// Recode syntax errors
const (
	RecodeSyntax Code = 2000 + iota
	RecodeLength
	RecodeVarIndex
	RecodeRange
	RecodeNoMetadata
	RecodeEmpty
)

// Recode semantic errors
const (
	RecodeFromTooBig Code = 3000 + iota
	RecodeCodeNotInList
	RecodeNoSense
	RecodeMissingToValid
)

var messages = map[Code]string{
	FileNotFound:         "File not found",
	CantOpenFile:         "Cannot open file",
	EmptyFile:            "File is empty",
	WrongLength:          "Record has wrong length",
	RecordTooShort:       "Record is too short",
	WrongRecord:          "Error in record",
	NoVariables:          "No variables have been defined",
	NoTables:             "No tables have been defined",
	NotEnoughMemory:      "There is not enough memory",
	NoTableMemory:        "Not enough memory for table",
	SubtableNoSub:        "Subtable has no parent table",
	SubtableWrongVar:     "Subtable has a wrong variable",
	NoDataFile:           "No data file specified",
	ProgramError:         "Program error",
	NoHouseholds:         "No households in data file",
	NoBIRTable:           "Table is not a risk table",
	BadIndex:             "Index out of range",
	BadDefinition:        "Invalid definition",
	NotReady:             "Prerequisite step has not been run",
	RecodeSyntax:         "Syntax error",
	RecodeLength:         "Wrong code length",
	RecodeVarIndex:       "Wrong variable index",
	RecodeRange:          "Invalid range",
	RecodeNoMetadata:     "Not all metadata specified",
	RecodeEmpty:          "Empty specification",
	RecodeFromTooBig:     "Range start exceeds range end",
	RecodeCodeNotInList:  "Code not in code list",
	RecodeNoSense:        "Recode entry matches no code",
	RecodeMissingToValid: "Missing code recoded to a valid code",
}

// String returns the fixed message for the code
func (c Code) String() string {
	if m, ok := messages[c]; ok {
		return m
	}
	return fmt.Sprintf("Unknown error %d", int(c))
}

// Error is a coded failure with optional location context.
// Line and Pos are 1-based; zero means unknown. Var and Table are
// 0-based indices; -1 means not applicable.
type Error struct {
	Code  Code
	Line  int
	Pos   int
	Var   int
	Table int
	Err   error
}

// New creates an error without context
func New(c Code) *Error {
	return &Error{Code: c, Var: -1, Table: -1}
}

// Wrap creates an error carrying an underlying cause
func Wrap(c Code, err error) *Error {
	e := New(c)
	e.Err = err
	return e
}

// AtLine sets the line number
func (e *Error) AtLine(line int) *Error {
	e.Line = line
	return e
}

// AtPos sets the column position within the line
func (e *Error) AtPos(pos int) *Error {
	e.Pos = pos
	return e
}

// ForVar sets the variable index
func (e *Error) ForVar(v int) *Error {
	e.Var = v
	return e
}

// ForTable sets the table index
func (e *Error) ForTable(t int) *Error {
	e.Table = t
	return e
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Code.String())
	var ctx []string
	if e.Line > 0 {
		ctx = append(ctx, fmt.Sprintf("line %d", e.Line))
	}
	if e.Pos > 0 {
		ctx = append(ctx, fmt.Sprintf("pos %d", e.Pos))
	}
	if e.Var >= 0 {
		ctx = append(ctx, fmt.Sprintf("variable %d", e.Var))
	}
	if e.Table >= 0 {
		ctx = append(ctx, fmt.Sprintf("table %d", e.Table))
	}
	if len(ctx) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(ctx, ", "))
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf returns the code of the first *Error in err's chain, or 0
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}

// Is reports whether err carries the given code
func Is(err error, c Code) bool {
	return err != nil && CodeOf(err) == c
}

// As returns the first *Error in err's chain
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
