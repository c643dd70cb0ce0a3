package console

import (
	"bytes"
	"fmt"
	"os"

	gossh "golang.org/x/crypto/ssh"
)

// AuthorizedKeys maps SHA256 fingerprints to the key comment, which is used
// as the operator name.
type AuthorizedKeys map[string]string

// LoadAuthorizedKeys parses an OpenSSH authorized_keys file.
func LoadAuthorizedKeys(path string) (AuthorizedKeys, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read authorized keys %s: %w", path, err)
	}
	keys := make(AuthorizedKeys)
	rest := bytes.TrimSpace(data)
	for len(rest) > 0 {
		key, comment, _, next, err := gossh.ParseAuthorizedKey(rest)
		if err != nil {
			return nil, fmt.Errorf("parse authorized keys %s: %w", path, err)
		}
		if comment == "" {
			comment = "operator"
		}
		keys[gossh.FingerprintSHA256(key)] = comment
		rest = next
	}
	return keys, nil
}

// Lookup returns the operator name for key.
func (a AuthorizedKeys) Lookup(key gossh.PublicKey) (string, bool) {
	name, ok := a[gossh.FingerprintSHA256(key)]
	return name, ok
}
