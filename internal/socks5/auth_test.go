package socks5

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feedAuth(msg []byte, chunkSize int) *AuthParser {
	p := &AuthParser{}
	p.Init()
	for i := 0; i < len(msg); i += chunkSize {
		end := i + chunkSize
		if end > len(msg) {
			end = len(msg)
		}
		for _, b := range msg[i:end] {
			if done, _ := AuthIsDone(p.State()); done {
				return p
			}
			p.Feed(b)
		}
	}
	return p
}

func buildAuthMessage(user, pass string) []byte {
	msg := []byte{AuthSubVersion, byte(len(user))}
	msg = append(msg, user...)
	msg = append(msg, byte(len(pass)))
	msg = append(msg, pass...)
	return msg
}

func TestAuthParser_FragmentationInvariance(t *testing.T) {
	msg := buildAuthMessage("alice", "s3cret")

	oneShot := feedAuth(msg, len(msg))
	byteAtATime := feedAuth(msg, 1)

	require.Equal(t, AuthDone, oneShot.State())
	assert.Equal(t, oneShot.State(), byteAtATime.State())
	assert.Equal(t, "alice", string(oneShot.Username))
	assert.Equal(t, "s3cret", string(byteAtATime.Username))
	assert.Equal(t, "s3cret", string(byteAtATime.Password))
}

func TestAuthParser_EmptyUsernameRejected(t *testing.T) {
	msg := []byte{AuthSubVersion, 0x00}
	p := feedAuth(msg, len(msg))
	done, errored := AuthIsDone(p.State())
	assert.True(t, done)
	assert.True(t, errored)
	assert.Equal(t, AuthErr, p.State())
}

func TestAuthParser_EmptyPasswordLegal(t *testing.T) {
	msg := buildAuthMessage("alice", "")
	p := feedAuth(msg, len(msg))
	require.Equal(t, AuthDone, p.State())
	assert.Empty(t, p.Password)
}

func TestAuthParser_BadVersion(t *testing.T) {
	p := &AuthParser{}
	p.Init()
	state := p.Feed(0x05)
	assert.Equal(t, AuthErrVersion, state)
}

func TestAuthParser_Termination(t *testing.T) {
	msg := buildAuthMessage("bob", "pw")
	p := feedAuth(msg, len(msg))
	require.Equal(t, AuthDone, p.State())
	p.Feed(0xFF)
	assert.Equal(t, AuthDone, p.State())
}

func TestAuthMarshal(t *testing.T) {
	b := NewBuffer(2)
	n, err := AuthMarshal(b, AuthStatusSuccess)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []byte{AuthSubVersion, AuthStatusSuccess}, b.ReadPtr())
}
