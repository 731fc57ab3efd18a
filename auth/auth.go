package auth

import (
	"crypto/hmac"
	"crypto/md5" //nolint:gosec // protocol mandates HMAC-MD5
	"fmt"

	"github.com/pkg/errors"

	"github.com/outofforest/tandem/wire"
)

// DefaultMaxAttempts is the default number of credential attempts per connection.
const DefaultMaxAttempts = 3

var (
	// ErrInvalidTransition is returned when event is not valid in the current state.
	ErrInvalidTransition = errors.New("invalid authentication transition")

	// ErrTooManyAttempts is returned when credentials were rejected too many times.
	ErrTooManyAttempts = errors.New("too many authentication attempts")
)

// State is the authentication state.
type State int

// Authentication states.
const (
	Disconnected State = iota
	// ChallengeReceived also covers waiting for the reply once the request has been sent.
	ChallengeReceived
	Succeeded
	Failed
	Abandoned
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case ChallengeReceived:
		return "challenge_received"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Abandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("state_%d", int(s))
	}
}

// Credentials are the user name and the password.
type Credentials struct {
	User     string
	Password string
}

// NewMachine creates authentication machine.
func NewMachine(maxAttempts int) *Machine {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Machine{maxAttempts: maxAttempts}
}

// Machine drives challenge/response authentication of one connection.
type Machine struct {
	maxAttempts int
	state       State
	challenge   wire.Challenge
	attempts    int
	user        string
}

// State returns current state.
func (m *Machine) State() State {
	return m.state
}

// Attempts returns number of authentication requests sent since the challenge.
func (m *Machine) Attempts() int {
	return m.attempts
}

// User returns the user who authenticated last.
func (m *Machine) User() string {
	return m.user
}

// OnChallenge stores the challenge and answers it.
func (m *Machine) OnChallenge(challenge wire.Challenge, creds Credentials) (*wire.AuthRequest, error) {
	if m.state != Disconnected {
		return nil, errors.Wrapf(ErrInvalidTransition, "challenge received in state %s", m.state)
	}
	m.challenge = challenge
	m.attempts = 0
	return m.request(creds), nil
}

// OnReply processes the outcome of the authentication request.
func (m *Machine) OnReply(reply *wire.AuthReply) error {
	if m.state != ChallengeReceived {
		return errors.Wrapf(ErrInvalidTransition, "reply received in state %s", m.state)
	}
	if reply.Result == wire.ResultSuccess {
		m.state = Succeeded
	} else {
		m.state = Failed
	}
	return nil
}

// CanRetry reports whether another attempt is allowed.
func (m *Machine) CanRetry() bool {
	return m.state == Failed && m.attempts < m.maxAttempts
}

// Retry answers the saved challenge with new credentials.
func (m *Machine) Retry(creds Credentials) (*wire.AuthRequest, error) {
	if m.state != Failed {
		return nil, errors.Wrapf(ErrInvalidTransition, "retry in state %s", m.state)
	}
	if m.attempts >= m.maxAttempts {
		m.state = Abandoned
		return nil, errors.Wrapf(ErrTooManyAttempts, "%d attempts", m.attempts)
	}
	return m.request(creds), nil
}

// Abandon gives up on authentication.
func (m *Machine) Abandon() {
	m.state = Abandoned
}

// Reset returns machine to the initial state, used when connection is lost.
func (m *Machine) Reset() {
	m.state = Disconnected
	m.challenge = wire.Challenge{}
	m.attempts = 0
}

func (m *Machine) request(creds Credentials) *wire.AuthRequest {
	m.state = ChallengeReceived
	m.attempts++
	m.user = creds.User
	return &wire.AuthRequest{
		Version: wire.ProtocolVersion,
		User:    creds.User,
		MAC:     MAC(creds.Password, m.challenge),
	}
}

// MAC computes HMAC-MD5 of the challenge keyed with MD5 of the password.
func MAC(password string, challenge wire.Challenge) wire.MAC {
	key := md5.Sum([]byte(password)) //nolint:gosec
	h := hmac.New(md5.New, key[:])
	h.Write(challenge[:])

	var mac wire.MAC
	copy(mac[:], h.Sum(nil))
	return mac
}
