package wire

import (
	"encoding/hex"
)

// ProtocolVersion is the version sent in the authentication request.
const ProtocolVersion = 1

const (
	// ChallengeSize is the size of the random challenge sent by the server.
	ChallengeSize = 32

	// MACSize is the size of the challenge response.
	MACSize = 16

	// GPIDSize is the size of the global project id.
	GPIDSize = 32

	// DigestSize is the size of the fingerprint of the analysed artifact.
	DigestSize = 16
)

type (
	// GPID is the globally unique project id assigned by the server.
	GPID [GPIDSize]byte

	// Digest is the fingerprint of the analysed artifact, used to list matching projects.
	Digest [DigestSize]byte

	// Challenge is the random value the client has to authenticate.
	Challenge [ChallengeSize]byte

	// MAC is the keyed response to the challenge.
	MAC [MACSize]byte
)

// IsZero reports whether GPID is unset.
func (g GPID) IsZero() bool {
	return g == GPID{}
}

func (g GPID) String() string {
	return hex.EncodeToString(g[:])
}

// FullMask allows every mutation class.
var FullMask = Mask{Publish: ^uint64(0), Subscribe: ^uint64(0)}

// Mask scopes which mutation classes a session emits (publish) and accepts (subscribe).
type Mask struct {
	Publish   uint64
	Subscribe uint64
}

// Bound restricts the mask to the ceiling.
func (m Mask) Bound(ceiling Mask) Mask {
	return Mask{
		Publish:   m.Publish & ceiling.Publish,
		Subscribe: m.Subscribe & ceiling.Subscribe,
	}
}

// Publishes reports whether any mutation class is published.
func (m Mask) Publishes() bool {
	return m.Publish != 0
}

// Subscribes reports whether any mutation class is accepted.
func (m Mask) Subscribes() bool {
	return m.Subscribe != 0
}

func (m Mask) marshal(b *Buffer) {
	b.WriteUint64(m.Publish)
	b.WriteUint64(m.Subscribe)
}

func (m *Mask) unmarshal(b *Buffer) {
	m.Publish = b.ReadUint64()
	m.Subscribe = b.ReadUint64()
}

// PermScope selects which permission mask is negotiated.
type PermScope uint8

// Permission scopes.
const (
	// ScopeUser is the publish/subscribe mask requested by this user.
	ScopeUser PermScope = iota

	// ScopeProject is the default mask applied to new joiners, editable by the owner only.
	ScopeProject
)

func (s PermScope) String() string {
	if s == ScopeProject {
		return "project"
	}
	return "user"
}

// Result codes used by replies.
const (
	ResultSuccess uint32 = 0
	ResultFail    uint32 = 1
)
