package lib

import "io"

// Buffer holds input that arrived on a channel and has not been consumed yet.
type Buffer struct {
	b   []byte
	off int
}

func (b *Buffer) Bytes() []byte  { return b.b[b.off:] }
func (b *Buffer) Len() int       { return len(b.b) - b.off }
func (b *Buffer) String() string { return string(b.Bytes()) }

// Skip consumes up to n bytes.
func (b *Buffer) Skip(n int) {
	if n > b.Len() {
		n = b.Len()
	}
	if n > 0 {
		b.off += n
	}
}

// Next consumes and returns up to n bytes. The slice is only valid until the handler returns.
func (b *Buffer) Next(n int) []byte {
	if n > b.Len() {
		n = b.Len()
	}
	p := b.b[b.off : b.off+n]
	b.off += n
	return p
}

func (b *Buffer) Read(p []byte) (int, error) {
	if b.Len() == 0 {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	n := copy(p, b.Bytes())
	b.off += n
	return n, nil
}

// Reset consumes everything.
func (b *Buffer) Reset() { b.off = len(b.b) }

func (b *Buffer) append(p []byte) { b.b = append(b.b, p...) }

// compact drops consumed bytes, keeping the unconsumed tail at the front.
func (b *Buffer) compact() {
	if b.off == 0 {
		return
	}
	n := copy(b.b, b.b[b.off:])
	b.b = b.b[:n]
	b.off = 0
}
