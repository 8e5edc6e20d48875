package session

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const fileName = "session.json"

// ErrNoSession is returned by Load when nothing has been saved yet.
var ErrNoSession = errors.New("session: none saved")

// Session is what the client remembers between runs. Only tokens are kept;
// the password never touches disk.
type Session struct {
	ServerURL    string `json:"server_url"`
	UserID       string `json:"user_id"`
	Username     string `json:"username"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Store persists one profile's session, encrypted with a machine-bound key.
type Store struct {
	Dir string
}

// ForProfile returns the store under ~/.config/chatsync/<profile>.
func ForProfile(profile string) (Store, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Store{}, fmt.Errorf("session: home dir: %w", err)
	}
	if profile == "" {
		profile = "default"
	}
	return Store{Dir: filepath.Join(home, ".config", "chatsync", profile)}, nil
}

func (s Store) path() string { return filepath.Join(s.Dir, fileName) }

func (s Store) Load() (Session, error) {
	data, err := os.ReadFile(s.path())
	if errors.Is(err, fs.ErrNotExist) {
		return Session{}, ErrNoSession
	}
	if err != nil {
		return Session{}, fmt.Errorf("session: read: %w", err)
	}

	plain, err := decrypt(string(data))
	if err != nil {
		return Session{}, fmt.Errorf("session: decrypt: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(plain, &sess); err != nil {
		return Session{}, fmt.Errorf("session: decode: %w", err)
	}
	return sess, nil
}

func (s Store) Save(sess Session) error {
	if err := os.MkdirAll(s.Dir, 0o700); err != nil {
		return fmt.Errorf("session: mkdir: %w", err)
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	enc, err := encrypt(data)
	if err != nil {
		return fmt.Errorf("session: encrypt: %w", err)
	}
	return os.WriteFile(s.path(), []byte(enc), 0o600)
}

// Clear removes the saved session. Clearing an empty store is not an error.
func (s Store) Clear() error {
	err := os.Remove(s.path())
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func encryptionKey() []byte {
	var id string
	for _, p := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(p); err == nil {
			id = strings.TrimSpace(string(data))
			break
		}
	}
	if id == "" {
		id, _ = os.Hostname()
	}
	sum := sha256.Sum256([]byte(id))
	return sum[:]
}

func newGCM() (cipher.AEAD, error) {
	block, err := aes.NewCipher(encryptionKey())
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func encrypt(data []byte) (string, error) {
	gcm, err := newGCM()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(gcm.Seal(nonce, nonce, data, nil)), nil
}

func decrypt(encoded string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM()
	if err != nil {
		return nil, err
	}
	n := gcm.NonceSize()
	if len(data) < n {
		return nil, errors.New("ciphertext too short")
	}
	return gcm.Open(nil, data[:n], data[n:], nil)
}
