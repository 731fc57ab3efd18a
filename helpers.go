package tandem

import (
	"crypto/rand"

	"github.com/pkg/errors"

	"github.com/outofforest/tandem/wire"
)

func randomChallenge() (wire.Challenge, error) {
	var c wire.Challenge
	if _, err := rand.Read(c[:]); err != nil {
		return wire.Challenge{}, errors.WithStack(err)
	}
	return c, nil
}

func randomGPID() (wire.GPID, error) {
	var id wire.GPID
	if _, err := rand.Read(id[:]); err != nil {
		return wire.GPID{}, errors.WithStack(err)
	}
	return id, nil
}
