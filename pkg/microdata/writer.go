package microdata

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// OutFormat describes the layout of an output file
type OutFormat struct {
	Fixed     bool   `json:"fixed" yaml:"fixed"`
	Separator string `json:"separator,omitempty" yaml:"separator,omitempty"`

	// Header is written as the first line when not empty
	Header string `json:"header,omitempty" yaml:"header,omitempty"`

	// QuoteStrings encloses non-numeric free-format values in double quotes
	QuoteStrings bool `json:"quote_strings,omitempty" yaml:"quote_strings,omitempty"`
}

// Validate checks the format settings
func (f OutFormat) Validate() error {
	if !f.Fixed && f.Separator == "" {
		return fmt.Errorf("free format requires a separator")
	}
	return nil
}

// Field is one output value
type Field struct {
	Value string

	// Width pads the value on the left in fixed format
	Width int

	Numeric bool
}

// Writer writes records in an output format
type Writer struct {
	w       *bufio.Writer
	format  OutFormat
	started bool
	buf     strings.Builder
}

// NewWriter creates a writer; Flush must be called when done
func NewWriter(w io.Writer, format OutFormat) *Writer {
	return &Writer{w: bufio.NewWriter(w), format: format}
}

// WriteHeader writes the header line once, before the first record
func (w *Writer) WriteHeader() error {
	if w.started {
		return nil
	}
	w.started = true
	if w.format.Header == "" {
		return nil
	}
	return w.WriteLine(w.format.Header)
}

// Write formats and writes one record
func (w *Writer) Write(fields []Field) error {
	if err := w.WriteHeader(); err != nil {
		return err
	}
	return w.WriteLine(w.Format(fields))
}

// Format returns the output line of one record
func (w *Writer) Format(fields []Field) string {
	w.buf.Reset()
	for i, f := range fields {
		if w.format.Fixed {
			w.buf.WriteString(pad(f.Value, f.Width))
			continue
		}
		if i > 0 {
			w.buf.WriteString(w.format.Separator)
		}
		v := f.Value
		if w.format.QuoteStrings && !f.Numeric {
			v = `"` + v + `"`
		}
		w.buf.WriteString(v)
	}
	line := w.buf.String()
	if !w.format.Fixed {
		line = strings.TrimRight(line, " ")
	}
	return line
}

// WriteLine writes text followed by a newline
func (w *Writer) WriteLine(text string) error {
	if _, err := w.w.WriteString(text); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	return nil
}

// Flush writes any buffered data
func (w *Writer) Flush() error {
	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush output: %w", err)
	}
	return nil
}

// pad left-pads or truncates s to width
func pad(s string, width int) string {
	if width <= 0 {
		return s
	}
	if len(s) > width {
		return s[:width]
	}
	return strings.Repeat(" ", width-len(s)) + s
}
