package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"list_harvester/internal/identity"
)

func TestFileProvider_Lifecycle(t *testing.T) {
	dir := t.TempDir()
	p := NewFileProvider(filepath.Join(dir, "sessions"))

	blob, err := p.Load("acct/1")
	require.NoError(t, err)
	assert.Nil(t, blob)

	require.NoError(t, p.Persist("acct/1", []byte(`[{"name":"a","value":"b"}]`)))

	_, err = os.Stat(filepath.Join(dir, "sessions", "acct_1.json"))
	require.NoError(t, err)

	blob, err = p.Load("acct/1")
	require.NoError(t, err)
	assert.JSONEq(t, `[{"name":"a","value":"b"}]`, string(blob))

	require.NoError(t, p.Discard("acct/1"))
	require.NoError(t, p.Discard("acct/1"))

	blob, err = p.Load("acct/1")
	require.NoError(t, err)
	assert.Nil(t, blob)
}

func TestFileProvider_PersistEmptyIsNoop(t *testing.T) {
	p := NewFileProvider(t.TempDir())
	require.NoError(t, p.Persist("a", nil))

	blob, err := p.Load("a")
	require.NoError(t, err)
	assert.Nil(t, blob)
}

func TestSeedAndResolve(t *testing.T) {
	p := NewFileProvider(t.TempDir())
	id := &identity.Identity{Name: "acct1", AuthToken: "tok", CSRFToken: "csrf"}

	blob, err := p.Resolve(id)
	require.NoError(t, err)

	cookies, err := Decode(blob)
	require.NoError(t, err)
	require.Len(t, cookies, 2)
	assert.Equal(t, AuthCookie, cookies[0].Name)
	assert.Equal(t, "tok", cookies[0].Value)
	assert.Equal(t, CSRFCookie, cookies[1].Name)

	require.NoError(t, p.Persist("acct1", []byte(`[{"name":"auth_token","value":"fresh"}]`)))
	blob, err = p.Resolve(id)
	require.NoError(t, err)
	cookies, err = Decode(blob)
	require.NoError(t, err)
	assert.Equal(t, "fresh", cookies[0].Value)

	blob, err = Seed(&identity.Identity{Name: "anon"})
	require.NoError(t, err)
	assert.Nil(t, blob)
}

func TestDecodeInvalid(t *testing.T) {
	_, err := Decode([]byte("{"))
	assert.Error(t, err)

	cookies, err := Decode(nil)
	require.NoError(t, err)
	assert.Nil(t, cookies)
}
