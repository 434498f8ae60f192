// Package scrollback keeps the recent output of a shared session so a
// late-joining observer starts with a populated view instead of a
// blank one.
package scrollback

import (
	"bytes"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// MaxLines bounds the buffer. When an append pushes past it, the
// oldest lines are dropped.
const MaxLines = 5000

// Buffer is a bounded, ordered line buffer. Safe for concurrent use.
type Buffer struct {
	mu    sync.Mutex
	lines []string
}

// New returns an empty buffer.
func New() *Buffer {
	return &Buffer{}
}

// Append splits text on newlines and appends each resulting line,
// then truncates from the front so at most MaxLines remain.
func (b *Buffer) Append(text string) {
	if text == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, strings.Split(text, "\n")...)
	if excess := len(b.lines) - MaxLines; excess > 0 {
		b.lines = b.lines[excess:]
	}
}

// Len reports the current line count.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.lines)
}

// Lines returns a copy of the buffered lines, oldest first.
func (b *Buffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.lines))
	copy(out, b.lines)
	return out
}

// Snapshot joins the buffer with newlines and compresses it for a
// single Scrollback frame. Returns nil when the buffer is empty.
func (b *Buffer) Snapshot() ([]byte, error) {
	b.mu.Lock()
	joined := strings.Join(b.lines, "\n")
	b.mu.Unlock()
	if joined == "" {
		return nil, nil
	}
	var out bytes.Buffer
	enc, err := zstd.NewWriter(&out)
	if err != nil {
		return nil, err
	}
	if _, err := enc.Write([]byte(joined)); err != nil {
		enc.Close()
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// Expand decompresses a Snapshot payload back into text. Used on the
// observer side before surfacing the scrollback as output.
func Expand(compressed []byte) ([]byte, error) {
	dec, err := zstd.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return io.ReadAll(dec)
}
