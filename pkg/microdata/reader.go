// Package microdata reads and writes microdata records in fixed or free
// (separated) format.
package microdata

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/hkanpak21/sdcstats/pkg/errcode"
	"github.com/hkanpak21/sdcstats/pkg/variable"
)

const (
	// Scanner buffer sizes for reading records
	scannerInitialBuffer = 64 * 1024   // 64 KB
	scannerMaxBuffer     = 1024 * 1024 // 1 MB
)

// Format describes the layout of an input file
type Format struct {
	// Fixed selects fixed-column records; otherwise fields are separated
	Fixed bool `json:"fixed" yaml:"fixed"`

	Separator string `json:"separator,omitempty" yaml:"separator,omitempty"`

	// SkipHeader ignores the first line of a free-format file
	SkipHeader bool `json:"skip_header,omitempty" yaml:"skip_header,omitempty"`
}

// Validate checks the format settings
func (f Format) Validate() error {
	if !f.Fixed && f.Separator == "" {
		return fmt.Errorf("free format requires a separator")
	}
	return nil
}

// Record is one data line split into one code per variable
type Record struct {
	// Line is the 1-based physical line number
	Line int

	// Fields holds the code of every variable, left-padded to the
	// variable width
	Fields []string
}

// Reader streams records from a microdata file
type Reader struct {
	sc     *bufio.Scanner
	vars   []*variable.Variable
	format Format

	line     int
	fixedLen int
	started  bool
	header   string

	// a line returned to the reader by start
	pushback    string
	hasPushback bool
}

// NewReader creates a reader for the given variables
func NewReader(r io.Reader, vars []*variable.Variable, format Format) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, scannerInitialBuffer), scannerMaxBuffer)
	return &Reader{sc: sc, vars: vars, format: format}
}

// Header returns the skipped header line of a free-format file
func (r *Reader) Header() string {
	return r.header
}

// Next returns the next non-empty record or io.EOF
func (r *Reader) Next() (Record, error) {
	if !r.started {
		if err := r.start(); err != nil {
			return Record{}, err
		}
	}
	for {
		text, ok, err := r.scan()
		if err != nil {
			return Record{}, err
		}
		if !ok {
			return Record{}, io.EOF
		}
		if text == "" {
			continue
		}
		fields, err := r.split(text)
		if err != nil {
			return Record{}, err
		}
		return Record{Line: r.line, Fields: fields}, nil
	}
}

// start handles the first line: a free-format header is consumed, a fixed
// record fixes the record length
func (r *Reader) start() error {
	r.started = true
	if !r.format.Fixed {
		if r.format.SkipHeader {
			text, ok, err := r.scan()
			if err != nil {
				return err
			}
			if !ok {
				return errcode.New(errcode.EmptyFile)
			}
			r.header = text
		}
		return nil
	}

	text, ok, err := r.scan()
	if err != nil {
		return err
	}
	if !ok || text == "" {
		return errcode.New(errcode.EmptyFile).AtLine(1)
	}
	r.fixedLen = len(text)
	for i, v := range r.vars {
		if v.Pos+v.Width > r.fixedLen {
			return errcode.New(errcode.RecordTooShort).AtLine(1).ForVar(i)
		}
	}
	r.unread(text)
	return nil
}

func (r *Reader) unread(text string) {
	r.pushback = text
	r.hasPushback = true
}

func (r *Reader) scan() (string, bool, error) {
	if r.hasPushback {
		r.hasPushback = false
		return r.pushback, true, nil
	}
	if !r.sc.Scan() {
		if err := r.sc.Err(); err != nil {
			return "", false, errcode.Wrap(errcode.WrongRecord,
				fmt.Errorf("failed to read line %d: %w", r.line+1, err)).AtLine(r.line + 1)
		}
		return "", false, nil
	}
	r.line++
	return strings.TrimRightFunc(r.sc.Text(), func(c rune) bool { return c < ' ' }), true, nil
}

func (r *Reader) split(text string) ([]string, error) {
	fields := make([]string, len(r.vars))
	if r.format.Fixed {
		if len(text) != r.fixedLen {
			return nil, errcode.Wrap(errcode.WrongLength,
				fmt.Errorf("length %d, expected %d", len(text), r.fixedLen)).AtLine(r.line)
		}
		for i, v := range r.vars {
			fields[i] = text[v.Pos : v.Pos+v.Width]
		}
		return fields, nil
	}

	parts := strings.Split(text, r.format.Separator)
	if len(parts) != len(r.vars) {
		return nil, errcode.Wrap(errcode.WrongRecord,
			fmt.Errorf("%d fields, expected %d", len(parts), len(r.vars))).AtLine(r.line)
	}
	for i, p := range parts {
		code := Unquote(p)
		if len(code) > r.vars[i].Width {
			return nil, errcode.Wrap(errcode.WrongRecord,
				fmt.Errorf("value %q wider than %d", code, r.vars[i].Width)).AtLine(r.line).ForVar(i)
		}
		fields[i] = variable.Pad(code, r.vars[i].Width)
	}
	return fields, nil
}

// Unquote trims surrounding blanks and removes double quotes
func Unquote(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), `"`, "")
}

// ParseNumber converts a numeric field, ignoring surrounding blanks
func ParseNumber(code string) (float64, error) {
	d, err := strconv.ParseFloat(strings.TrimSpace(code), 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", code)
	}
	return d, nil
}
