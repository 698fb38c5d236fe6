package socks5

// AuthState is a state of the RFC 1929 username/password sub-negotiation
// parser.
type AuthState int

const (
	AuthVersion AuthState = iota
	AuthULen
	AuthUName
	AuthPLen
	AuthPasswd
	AuthDone
	AuthErrVersion
	AuthErr
)

// AuthSubVersion is the sub-negotiation protocol version (RFC 1929).
const AuthSubVersion byte = 0x01

// Auth status codes for the sub-negotiation reply.
const (
	AuthStatusSuccess byte = 0x00
	AuthStatusFailure byte = 0x01
)

// AuthParser incrementally decodes the username/password sub-negotiation
// message, tolerating arbitrary fragmentation.
type AuthParser struct {
	Username []byte
	Password []byte

	state     AuthState
	remaining int
}

// Init resets the parser to its initial state.
func (p *AuthParser) Init() {
	p.state = AuthVersion
	p.remaining = 0
	p.Username = p.Username[:0]
	p.Password = p.Password[:0]
}

// State returns the parser's current state.
func (p *AuthParser) State() AuthState {
	return p.state
}

// Feed advances the parser by one byte and returns the resulting state.
func (p *AuthParser) Feed(b byte) AuthState {
	switch p.state {
	case AuthVersion:
		if b == AuthSubVersion {
			p.state = AuthULen
		} else {
			p.state = AuthErrVersion
		}

	case AuthULen:
		if b == 0 {
			// an empty username is invalid per RFC 1929
			p.state = AuthErr
		} else {
			p.remaining = int(b)
			p.Username = make([]byte, 0, b)
			p.state = AuthUName
		}

	case AuthUName:
		p.Username = append(p.Username, b)
		p.remaining--
		if p.remaining == 0 {
			p.state = AuthPLen
		}

	case AuthPLen:
		if b == 0 {
			// an empty password is legal
			p.Password = p.Password[:0]
			p.state = AuthDone
		} else {
			p.remaining = int(b)
			p.Password = make([]byte, 0, b)
			p.state = AuthPasswd
		}

	case AuthPasswd:
		p.Password = append(p.Password, b)
		p.remaining--
		if p.remaining == 0 {
			p.state = AuthDone
		}

	case AuthDone, AuthErr, AuthErrVersion:
		// terminal

	}
	return p.state
}

// Consume feeds every readable byte in b to the parser until it reaches a
// terminal state or the buffer is drained.
func (p *AuthParser) Consume(b *Buffer) (state AuthState, errored bool) {
	state = p.state
	for b.CanRead() {
		c, _ := b.ReadByte()
		state = p.Feed(c)
		if done, err := AuthIsDone(state); done {
			return state, err
		}
	}
	return state, false
}

// AuthIsDone reports whether state is terminal, and whether it is an error
// terminal.
func AuthIsDone(state AuthState) (done bool, errored bool) {
	switch state {
	case AuthDone:
		return true, false
	case AuthErr, AuthErrVersion:
		return true, true
	default:
		return false, false
	}
}

// AuthMarshal writes the two-byte sub-negotiation reply {version, status}
// into b.
func AuthMarshal(b *Buffer, status byte) (int, error) {
	dst := b.WritePtr()
	if len(dst) < 2 {
		return 0, ErrNoSpace
	}
	dst[0] = AuthSubVersion
	dst[1] = status
	b.WriteAdvance(2)
	return 2, nil
}
