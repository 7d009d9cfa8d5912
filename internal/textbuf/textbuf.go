// Package textbuf implements the shared document buffer a room edits.
//
// Edits are addressed by 1-based (line, column) positions and applied
// last-writer-wins: there is no transform or rebase of concurrent edits
// against each other, so two clients editing overlapping ranges at the same
// time can produce a document neither intended. That limitation is accepted;
// fixing it would require an OT/CRDT layer above this buffer.
package textbuf

import (
	"errors"
)

// ErrInvalidPosition is returned when an edit addresses a line or column
// outside the current document. The buffer is left unchanged.
var ErrInvalidPosition = errors.New("invalid position")

// Position is a 1-based (line, column) document coordinate. Line may be
// total lines + 1 and column may be line length + 1, both addressing the
// slot just past the end.
type Position struct {
	Line   int
	Column int
}

// Buffer is a mutable Unicode text document. It is not safe for concurrent
// use; a room is the sole owner of its buffer.
type Buffer struct {
	runes []rune
}

// New returns an empty buffer.
func New() *Buffer {
	return &Buffer{}
}

// Text returns the full document content.
func (b *Buffer) Text() string {
	return string(b.runes)
}

// SetText replaces the entire document content.
func (b *Buffer) SetText(s string) {
	b.runes = []rune(s)
}

// Edit deletes the character range [start, end) and inserts text at start.
// Positions outside the document yield ErrInvalidPosition without mutating
// the buffer. A line's length includes its trailing newline, matching what
// editors send for ranges that span line boundaries.
func (b *Buffer) Edit(start, end Position, text string) error {
	starts := b.lineStarts()

	from, err := b.charIndex(starts, start)
	if err != nil {
		return err
	}
	to, err := b.charIndex(starts, end)
	if err != nil {
		return err
	}
	if to < from {
		return ErrInvalidPosition
	}

	insert := []rune(text)
	next := make([]rune, 0, len(b.runes)-(to-from)+len(insert))
	next = append(next, b.runes[:from]...)
	next = append(next, insert...)
	next = append(next, b.runes[to:]...)
	b.runes = next
	return nil
}

// LineCount returns the number of lines, counting a final line after a
// trailing newline (an empty document has one line).
func (b *Buffer) LineCount() int {
	count := 1
	for _, r := range b.runes {
		if r == '\n' {
			count++
		}
	}
	return count
}

// lineStarts returns the rune index of the first character of each line.
func (b *Buffer) lineStarts() []int {
	starts := []int{0}
	for i, r := range b.runes {
		if r == '\n' {
			starts = append(starts, i+1)
		}
	}
	return starts
}

// charIndex converts a position into a rune offset. The line just past the
// last (totalLines+1) is addressable with column 1 only.
func (b *Buffer) charIndex(starts []int, pos Position) (int, error) {
	totalLines := len(starts)
	if pos.Line < 1 || pos.Line > totalLines+1 {
		return 0, ErrInvalidPosition
	}
	lineIdx := pos.Line - 1

	var lineStart, lineLen int
	if lineIdx < totalLines {
		lineStart = starts[lineIdx]
		if lineIdx+1 < totalLines {
			lineLen = starts[lineIdx+1] - lineStart
		} else {
			lineLen = len(b.runes) - lineStart
		}
	} else {
		lineStart = len(b.runes)
		lineLen = 0
	}

	if pos.Column < 1 || pos.Column > lineLen+1 {
		return 0, ErrInvalidPosition
	}
	return lineStart + pos.Column - 1, nil
}
