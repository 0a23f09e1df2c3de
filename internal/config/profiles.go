// ABOUTME: Client profile loading for permission resolution
// ABOUTME: Profiles map credentials to named permission sets via a TOML file

package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Profile describes one client profile: the credential it authenticates
// with and the permissions granted to connections using it.
type Profile struct {
	Token       string   `toml:"token"`
	Permissions []string `toml:"permissions"`
}

// profilesFile is the on-disk shape of the profiles TOML document.
type profilesFile struct {
	Profiles map[string]Profile `toml:"profiles"`
}

// LoadProfiles reads the TOML profiles file at path. A profile without a
// token is rejected: it could never be selected by any credential.
func LoadProfiles(path string) (map[string]Profile, error) {
	var f profilesFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("reading profiles file: %w", err)
	}

	for name, p := range f.Profiles {
		if p.Token == "" {
			return nil, fmt.Errorf("profile %q has no token", name)
		}
	}

	if f.Profiles == nil {
		f.Profiles = make(map[string]Profile)
	}
	return f.Profiles, nil
}
