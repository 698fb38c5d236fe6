package socks5

import "errors"

// HelloState is a state of the hello-message parser (RFC 1928 client
// greeting).
type HelloState int

const (
	HelloVersion HelloState = iota
	HelloNMethods
	HelloMethods
	HelloDone
	HelloErrVersion
	HelloErr
)

// Authentication methods offered/selected in the hello exchange.
const (
	MethodNoAuth       byte = 0x00
	MethodGSSAPI       byte = 0x01
	MethodUserPass     byte = 0x02
	MethodNoAcceptable byte = 0xFF
)

// ErrNoSpace is returned by Marshal methods when the destination buffer
// cannot hold the wire message.
var ErrNoSpace = errors.New("socks5: no space in buffer")

// HelloParser incrementally decodes the client's method-offer message,
// tolerating arbitrary fragmentation: Feed takes one byte at a time, and
// Consume takes however many bytes happen to be buffered.
type HelloParser struct {
	// OnMethod is invoked once per offered method byte, while in the
	// HelloMethods state. May be nil.
	OnMethod func(method byte)

	state     HelloState
	remaining int
}

// Init resets the parser to its initial state.
func (p *HelloParser) Init() {
	p.state = HelloVersion
	p.remaining = 0
}

// State returns the parser's current state.
func (p *HelloParser) State() HelloState {
	return p.state
}

// Feed advances the parser by one byte and returns the resulting state.
func (p *HelloParser) Feed(b byte) HelloState {
	switch p.state {
	case HelloVersion:
		if b == Version5 {
			p.state = HelloNMethods
		} else {
			p.state = HelloErrVersion
		}

	case HelloNMethods:
		if b > 0 {
			p.remaining = int(b)
			p.state = HelloMethods
		} else {
			p.state = HelloErr
		}

	case HelloMethods:
		if p.OnMethod != nil {
			p.OnMethod(b)
		}
		p.remaining--
		if p.remaining == 0 {
			p.state = HelloDone
		}

	case HelloDone, HelloErr, HelloErrVersion:
		// terminal: further bytes are ignored

	}
	return p.state
}

// Consume feeds every readable byte in b to the parser until it reaches a
// terminal state or the buffer is drained. errored reports whether the
// terminal state is an error state.
func (p *HelloParser) Consume(b *Buffer) (state HelloState, errored bool) {
	state = p.state
	for b.CanRead() {
		c, _ := b.ReadByte()
		state = p.Feed(c)
		if done, err := HelloIsDone(state); done {
			return state, err
		}
	}
	return state, false
}

// HelloIsDone reports whether state is terminal, and whether it is an
// error terminal.
func HelloIsDone(state HelloState) (done bool, errored bool) {
	switch state {
	case HelloDone:
		return true, false
	case HelloErr, HelloErrVersion:
		return true, true
	default:
		return false, false
	}
}

// HelloMarshal writes the two-byte hello response {version, method} into b.
func HelloMarshal(b *Buffer, method byte) (int, error) {
	dst := b.WritePtr()
	if len(dst) < 2 {
		return 0, ErrNoSpace
	}
	dst[0] = Version5
	dst[1] = method
	b.WriteAdvance(2)
	return 2, nil
}

// helloMethodSelector drives HelloParser.OnMethod: it selects user/password
// auth the first time it's offered when credentials are configured, else
// no-auth the first time it's offered, and otherwise leaves the selection
// unset (MethodNoAcceptable).
type helloMethodSelector struct {
	requireAuth bool
	selected    byte
	seen        bool
}

func newHelloMethodSelector(requireAuth bool) *helloMethodSelector {
	return &helloMethodSelector{requireAuth: requireAuth, selected: MethodNoAcceptable}
}

func (s *helloMethodSelector) onMethod(method byte) {
	if s.seen {
		return
	}
	if s.requireAuth {
		if method == MethodUserPass {
			s.selected = MethodUserPass
			s.seen = true
		}
	} else if method == MethodNoAuth {
		s.selected = MethodNoAuth
		s.seen = true
	}
}
