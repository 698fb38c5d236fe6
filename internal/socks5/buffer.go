package socks5

// Buffer is a contiguous, fixed-capacity region with independent read and
// write cursors, used for both the per-connection inbound and outbound
// staging areas. It never grows: capacity is fixed at Init and the data
// slice is owned exclusively by the connection that holds it.
//
// Invariants: 0 <= read <= write <= len(data).
type Buffer struct {
	data  []byte
	read  int
	write int
}

// NewBuffer allocates a Buffer with the given capacity.
func NewBuffer(capacity int) *Buffer {
	b := &Buffer{}
	b.Init(make([]byte, capacity))
	return b
}

// Init resets the buffer to wrap storage, with both cursors at zero.
func (b *Buffer) Init(storage []byte) {
	b.data = storage
	b.read = 0
	b.write = 0
}

// WritePtr returns the writable span [write, limit). The caller may write
// into it directly and must report how much it consumed via WriteAdvance.
func (b *Buffer) WritePtr() []byte {
	return b.data[b.write:]
}

// WriteAdvance commits n bytes written into the span returned by WritePtr.
// n must not exceed the length of that span.
func (b *Buffer) WriteAdvance(n int) {
	if n < 0 || b.write+n > len(b.data) {
		panic("socks5: buffer write advance out of range")
	}
	b.write += n
}

// ReadPtr returns the readable span [read, write).
func (b *Buffer) ReadPtr() []byte {
	return b.data[b.read:b.write]
}

// ReadAdvance commits n bytes consumed from the span returned by ReadPtr.
func (b *Buffer) ReadAdvance(n int) {
	if n < 0 || b.read+n > b.write {
		panic("socks5: buffer read advance out of range")
	}
	b.read += n
}

// ReadByte consumes and returns a single byte. ok is false if the buffer
// has nothing readable.
func (b *Buffer) ReadByte() (c byte, ok bool) {
	if !b.CanRead() {
		return 0, false
	}
	c = b.data[b.read]
	b.read++
	return c, true
}

// WriteByte writes a single byte. ok is false if the buffer has no room.
func (b *Buffer) WriteByte(c byte) (ok bool) {
	if !b.CanWrite() {
		return false
	}
	b.data[b.write] = c
	b.write++
	return true
}

// CanRead reports whether there is at least one readable byte.
func (b *Buffer) CanRead() bool {
	return b.read < b.write
}

// CanWrite reports whether there is at least one writable byte.
func (b *Buffer) CanWrite() bool {
	return b.write < len(b.data)
}

// Compact shifts the readable region down to offset zero, so subsequent
// writes have the maximum possible room. Runs in O(readable).
func (b *Buffer) Compact() {
	if b.read == 0 {
		return
	}
	n := copy(b.data, b.data[b.read:b.write])
	b.read = 0
	b.write = n
}

// Reset discards all buffered content and rewinds both cursors to zero.
func (b *Buffer) Reset() {
	b.read = 0
	b.write = 0
}

// Cap returns the total capacity of the underlying storage.
func (b *Buffer) Cap() int {
	return len(b.data)
}
