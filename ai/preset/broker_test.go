package preset

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	b, err := NewBroker(t.TempDir())
	require.NoError(t, err)
	return b
}

func addPreset(t *testing.T, b *Broker, owner, name string) {
	t.Helper()
	require.NoError(t, b.AddPreset(owner, name, "deepseek-chat", "https://api.deepseek.com/v1", "sk-0123456789abcdef"))
}

func TestAddPresetValidation(t *testing.T) {
	b := newTestBroker(t)

	testCases := []struct {
		name    string
		preset  [4]string // name, model, baseURL, apiKey
		wantErr bool
	}{
		{"valid", [4]string{"p1", "deepseek-chat", "https://api.deepseek.com/v1", "sk-0123456789"}, false},
		{"empty name", [4]string{"", "m", "https://x.example", "sk-0123456789"}, true},
		{"name too long", [4]string{string(make([]byte, 51)), "m", "https://x.example", "sk-0123456789"}, true},
		{"name bad chars", [4]string{"p 1", "m", "https://x.example", "sk-0123456789"}, true},
		{"empty model", [4]string{"p1", "", "https://x.example", "sk-0123456789"}, true},
		{"relative url", [4]string{"p1", "m", "api.example.com", "sk-0123456789"}, true},
		{"ftp url", [4]string{"p1", "m", "ftp://x.example", "sk-0123456789"}, true},
		{"key too short", [4]string{"p1", "m", "https://x.example", "short"}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := b.AddPreset("u1", tc.preset[0], tc.preset[1], tc.preset[2], tc.preset[3])
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEncryptionRoundTrip(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBroker(dir)
	require.NoError(t, err)

	apiKey := "sk-super-secret-0123456789"
	require.NoError(t, b.AddPreset("u1", "p1", "gpt-4o", "https://api.openai.com/v1", apiKey))

	// Stored form must not contain the plaintext key.
	raw, err := os.ReadFile(filepath.Join(dir, presetsFileName))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), apiKey)

	// A fresh broker over the same dir decrypts with the persisted key.
	reopened, err := NewBroker(dir)
	require.NoError(t, err)
	resolved, err := reopened.GetPreset("u1", "p1")
	require.NoError(t, err)
	assert.Equal(t, apiKey, resolved.Credentials.APIKey)
}

func TestWrongKeyOmitsPreset(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBroker(dir)
	require.NoError(t, err)
	addPreset(t, b, "u1", "p1")

	// Replace the cipher key; the stored preset can no longer decrypt.
	require.NoError(t, os.Remove(filepath.Join(dir, keyFileName)))
	reopened, err := NewBroker(dir)
	require.NoError(t, err)

	assert.Empty(t, reopened.ListPresets("u1"), "undecryptable presets are omitted, not fatal")

	_, err = reopened.GetPreset("u1", "p1")
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestListPresetsMasksKeys(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.AddPreset("u1", "p1", "gpt-4o", "https://api.openai.com/v1", "sk-0123456789abcd"))

	infos := b.ListPresets("u1")
	require.Len(t, infos, 1)
	assert.Equal(t, "***abcd", infos[0].MaskedKey)
	assert.Equal(t, "gpt-4o", infos[0].Model)
}

func TestBindActiveFCFS(t *testing.T) {
	b := newTestBroker(t)
	addPreset(t, b, "u1", "p1")
	addPreset(t, b, "u2", "p2")

	t.Run("first bind succeeds", func(t *testing.T) {
		binding, err := b.BindActive("g1", "u1", "p1", "30m")
		require.NoError(t, err)
		require.NotNil(t, binding.ExpireAt)
		expected := time.Now().UTC().Add(30 * time.Minute).Unix()
		assert.InDelta(t, expected, *binding.ExpireAt, 5)
	})

	t.Run("second user is refused while the lease holds", func(t *testing.T) {
		_, err := b.BindActive("g1", "u2", "p2", "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "u1")
	})

	t.Run("owner may rebind", func(t *testing.T) {
		binding, err := b.BindActive("g1", "u1", "p1", "")
		require.NoError(t, err)
		assert.Nil(t, binding.ExpireAt, "rebind without duration is permanent")
	})

	t.Run("other groups are independent", func(t *testing.T) {
		_, err := b.BindActive("g2", "u2", "p2", "1h")
		assert.NoError(t, err)
	})
}

func TestBindActiveUnknownPreset(t *testing.T) {
	b := newTestBroker(t)
	_, err := b.BindActive("g1", "u1", "nope", "")
	assert.ErrorIs(t, err, ErrPresetNotFound)
}

func TestResolveLazilyExpiresActive(t *testing.T) {
	b := newTestBroker(t)
	addPreset(t, b, "u1", "p1")
	addPreset(t, b, "u2", "fb")

	_, err := b.BindActive("g1", "u1", "p1", "30m")
	require.NoError(t, err)
	require.NoError(t, b.SetFallback("g1", "u2", "fb"))

	// Backdate the lease past its expiry.
	b.mu.Lock()
	expired := time.Now().UTC().Add(-time.Minute).Unix()
	b.data.GroupBindings["g1"].Active.ExpireAt = &expired
	b.mu.Unlock()

	resolved, source, err := b.Resolve("g1")
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, source)
	assert.Equal(t, "fb", resolved.Name)

	// The expired active was cleared in memory.
	status := b.BindingStatus("g1")
	assert.Nil(t, status.Active)

	// A later user may now take the lease.
	_, err = b.BindActive("g1", "u2", "fb", "")
	assert.NoError(t, err)
}

func TestResolvePrecedence(t *testing.T) {
	b := newTestBroker(t)
	addPreset(t, b, "u1", "p1")
	addPreset(t, b, "u2", "fb")

	t.Run("no binding", func(t *testing.T) {
		_, _, err := b.Resolve("g1")
		assert.ErrorIs(t, err, ErrNoBinding)
	})

	t.Run("fallback only", func(t *testing.T) {
		require.NoError(t, b.SetFallback("g1", "u2", "fb"))
		resolved, source, err := b.Resolve("g1")
		require.NoError(t, err)
		assert.Equal(t, SourceFallback, source)
		assert.Equal(t, "u2", resolved.OwnerID)
	})

	t.Run("active wins over fallback", func(t *testing.T) {
		_, err := b.BindActive("g1", "u1", "p1", "1h")
		require.NoError(t, err)
		resolved, source, err := b.Resolve("g1")
		require.NoError(t, err)
		assert.Equal(t, SourceActive, source)
		assert.Equal(t, "u1", resolved.OwnerID)
	})
}

func TestUnbind(t *testing.T) {
	b := newTestBroker(t)
	addPreset(t, b, "u1", "p1")
	_, err := b.BindActive("g1", "u1", "p1", "")
	require.NoError(t, err)

	t.Run("stranger cannot unbind", func(t *testing.T) {
		assert.Error(t, b.Unbind("g1", "u2", false))
	})

	t.Run("privileged caller can", func(t *testing.T) {
		assert.NoError(t, b.Unbind("g1", "u2", true))
	})

	t.Run("unbinding nothing fails", func(t *testing.T) {
		assert.ErrorIs(t, b.Unbind("g1", "u1", false), ErrNoBinding)
	})
}

func TestRemovePresetRefusesWhileReferenced(t *testing.T) {
	b := newTestBroker(t)
	addPreset(t, b, "u1", "p1")
	_, err := b.BindActive("g1", "u1", "p1", "")
	require.NoError(t, err)
	require.NoError(t, b.SetFallback("g2", "u1", "p1"))

	referrers, err := b.RemovePreset("u1", "p1")
	require.Error(t, err)
	assert.Equal(t, []string{"g1", "g2"}, referrers)

	// After the references are gone, removal succeeds.
	require.NoError(t, b.Unbind("g1", "u1", false))
	require.NoError(t, b.ClearFallback("g2"))
	referrers, err = b.RemovePreset("u1", "p1")
	require.NoError(t, err)
	assert.Empty(t, referrers)

	_, err = b.GetPreset("u1", "p1")
	assert.ErrorIs(t, err, ErrPresetNotFound)
}

func TestKeyFilePermissions(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBroker(dir)
	require.NoError(t, err)
	addPreset(t, b, "u1", "p1")

	keyInfo, err := os.Stat(filepath.Join(dir, keyFileName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), keyInfo.Mode().Perm())

	storeInfo, err := os.Stat(filepath.Join(dir, presetsFileName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), storeInfo.Mode().Perm())
}
