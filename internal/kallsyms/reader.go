package kallsyms

import (
	"bufio"
	"bytes"
	"io"
)

// reader splits /proc/kallsyms into lines and whitespace separated words.
// Empty lines are skipped.
type reader struct {
	s    *bufio.Scanner
	line []byte
	word []byte
}

func newReader(r io.Reader) *reader {
	return &reader{s: bufio.NewScanner(r)}
}

// Line advances to the next non-empty line.
func (r *reader) Line() bool {
	for r.s.Scan() {
		line := bytes.TrimSpace(r.s.Bytes())
		if len(line) == 0 {
			continue
		}
		r.line = line
		r.word = nil
		return true
	}
	r.line = nil
	return false
}

// Word advances to the next word of the current line.
func (r *reader) Word() bool {
	line := bytes.TrimLeft(r.line, " \t")
	if len(line) == 0 {
		r.word = nil
		return false
	}

	end := bytes.IndexAny(line, " \t")
	if end < 0 {
		end = len(line)
	}
	r.word = line[:end]
	r.line = line[end:]
	return true
}

// Bytes returns the current word. It is only valid until the next call
// to Line.
func (r *reader) Bytes() []byte {
	return r.word
}

func (r *reader) Text() string {
	return string(r.word)
}

func (r *reader) Err() error {
	return r.s.Err()
}
