package console

import (
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	gossh "golang.org/x/crypto/ssh"
)

func newKey(t *testing.T) gossh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	key, err := gossh.NewPublicKey(pub)
	require.NoError(t, err)
	return key
}

func TestLoadAuthorizedKeys(t *testing.T) {
	alice, bob, stranger := newKey(t), newKey(t), newKey(t)

	body := "# operators\n" +
		string(gossh.MarshalAuthorizedKey(alice))[:len(gossh.MarshalAuthorizedKey(alice))-1] + " alice@ops\n\n" +
		string(gossh.MarshalAuthorizedKey(bob))
	path := filepath.Join(t.TempDir(), "authorized_keys")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	keys, err := LoadAuthorizedKeys(path)
	require.NoError(t, err)
	require.Len(t, keys, 2)

	name, ok := keys.Lookup(alice)
	require.True(t, ok)
	require.Equal(t, "alice@ops", name)

	name, ok = keys.Lookup(bob)
	require.True(t, ok)
	require.Equal(t, "operator", name)

	_, ok = keys.Lookup(stranger)
	require.False(t, ok)
}

func TestLoadAuthorizedKeysErrors(t *testing.T) {
	_, err := LoadAuthorizedKeys(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "authorized_keys")
	require.NoError(t, os.WriteFile(path, []byte("not a key\n"), 0o600))
	_, err = LoadAuthorizedKeys(path)
	require.ErrorContains(t, err, "parse authorized keys")
}
