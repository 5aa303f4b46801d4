package model

import (
	"io"
	"strconv"
	"strings"
)

// FieldReader is just a simple reader for basic file formats.
type FieldReader struct {
	Pos    int
	Fields []string
}

// NewFieldReader constructs a new field reader around the given data
func NewFieldReader(data string) *FieldReader {
	return &FieldReader{0, strings.Fields(data)}
}

// Read returns the next space-delimited field/token
func (fr *FieldReader) Read() (string, error) {
	if fr.Pos >= len(fr.Fields) {
		return "", io.EOF
	}
	p := fr.Pos
	fr.Pos++
	return fr.Fields[p], nil
}

// ReadFloat reads the next token as a float
func (fr *FieldReader) ReadFloat() (float64, error) {
	s, err := fr.Read()
	if err != nil {
		return 0, err
	}

	return strconv.ParseFloat(s, 64)
}

// Remaining is the number of unread tokens
func (fr *FieldReader) Remaining() int {
	return len(fr.Fields) - fr.Pos
}
