package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncryptDecrypt(t *testing.T) {
	enc, err := encrypt([]byte("This is a secret message"))
	require.NoError(t, err)
	require.NotEmpty(t, enc)

	plain, err := decrypt(enc)
	require.NoError(t, err)
	require.Equal(t, "This is a secret message", string(plain))

	again, err := encrypt([]byte("This is a secret message"))
	require.NoError(t, err)
	require.NotEqual(t, enc, again, "nonce must differ per call")
}

func TestStoreRoundTrip(t *testing.T) {
	st := Store{Dir: filepath.Join(t.TempDir(), "profile")}

	_, err := st.Load()
	require.ErrorIs(t, err, ErrNoSession)

	want := Session{
		ServerURL:    "https://chat.example.com",
		UserID:       "u1",
		Username:     "testuser",
		AccessToken:  "access",
		RefreshToken: "refresh",
	}
	require.NoError(t, st.Save(want))

	raw, err := os.ReadFile(filepath.Join(st.Dir, fileName))
	require.NoError(t, err)
	require.NotContains(t, string(raw), "refresh")

	got, err := st.Load()
	require.NoError(t, err)
	require.Equal(t, want, got)

	require.NoError(t, st.Clear())
	require.NoError(t, st.Clear())
	_, err = st.Load()
	require.ErrorIs(t, err, ErrNoSession)
}

func TestLoadRejectsTamperedFile(t *testing.T) {
	st := Store{Dir: t.TempDir()}
	require.NoError(t, os.WriteFile(filepath.Join(st.Dir, fileName), []byte(`{"username":"plain"}`), 0o600))
	_, err := st.Load()
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNoSession)
}
