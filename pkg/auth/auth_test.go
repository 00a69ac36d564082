package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func TestKeyringStoreRoundTrip(t *testing.T) {
	keyring.MockInit()
	store := NewKeyringStore()

	_, err := store.GetSession()
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.SetSession("abc123"))
	value, err := store.GetSession()
	require.NoError(t, err)
	assert.Equal(t, "abc123", value)

	require.NoError(t, store.DeleteSession())
	_, err = store.GetSession()
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetSessionStripsCookiePrefix(t *testing.T) {
	keyring.MockInit()
	store := NewKeyringStore()

	require.NoError(t, store.SetSession("FANBOXSESSID=abc123 "))
	value, err := store.GetSession()
	require.NoError(t, err)
	assert.Equal(t, "abc123", value)
}

func TestSetSessionRejectsEmpty(t *testing.T) {
	keyring.MockInit()
	require.Error(t, NewKeyringStore().SetSession("  FANBOXSESSID="))
}

func TestResolveSessionPrefersConfigured(t *testing.T) {
	keyring.MockInit()
	store := NewKeyringStore()
	require.NoError(t, store.SetSession("from-keyring"))

	value, err := ResolveSession("from-config", store)
	require.NoError(t, err)
	assert.Equal(t, "from-config", value)

	value, err = ResolveSession("", store)
	require.NoError(t, err)
	assert.Equal(t, "from-keyring", value)
}

func TestResolveSessionWithNothingStored(t *testing.T) {
	keyring.MockInit()
	_, err := ResolveSession("", NewKeyringStore())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no session configured")
}
