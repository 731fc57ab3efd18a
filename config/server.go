package config

import (
	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Accounts is the content of the server accounts file.
type Accounts struct {
	// Options are labels of the permission bits, starting from the lowest one.
	Options []string `toml:"options"`

	// Users maps user names to passwords.
	Users map[string]string `toml:"users"`
}

// LoadAccounts reads server accounts from TOML file.
func LoadAccounts(path string) (Accounts, error) {
	var accounts Accounts
	meta, err := toml.DecodeFile(path, &accounts)
	if err != nil {
		return Accounts{}, errors.Wrapf(err, "loading accounts %q", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Accounts{}, errors.Errorf("unknown accounts key %q", undecoded[0].String())
	}
	if len(accounts.Users) == 0 {
		return Accounts{}, errors.Errorf("no users defined in %q", path)
	}
	if len(accounts.Options) > 64 {
		return Accounts{}, errors.Errorf("at most 64 options are allowed, got %d", len(accounts.Options))
	}
	for user := range accounts.Users {
		if user == "" {
			return Accounts{}, errors.New("user name must not be empty")
		}
	}
	return accounts, nil
}
