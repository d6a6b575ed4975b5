// sessionfile.go persists session bytes to disk with owner-only
// permissions and authenticated encryption, so a stolen backup or a
// misconfigured shared filesystem doesn't hand over a live Telegram
// session. Grounded on the teacher's OS-keyring wrapper
// (copilot/keyring.go, since removed from the workspace along with the
// rest of the agent framework — see DESIGN.md "Dropped teacher
// dependencies") for the "try keyring, fall back to file" shape, and on
// nacl/secretbox's standard sealed-box pattern for the file envelope.
package registry

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/swordintel/spectra/pkg/spectra/errs"
)

const keyringService = "spectra-session-key"

// SessionStore persists per-account session envelopes under dir, one file
// per session name, each containing a nonce-prefixed secretbox-sealed
// blob. The symmetric key is itself kept in the OS keyring when available
// (KeyringAvailable), and in a owner-only key file under dir otherwise.
type SessionStore struct {
	dir string
	key [32]byte
}

// OpenSessionStore loads or creates the machine-local encryption key and
// returns a SessionStore rooted at dir.
func OpenSessionStore(dir string) (*SessionStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errs.New(errs.Storage, "registry.OpenSessionStore", err)
	}
	key, err := loadOrCreateKey(dir)
	if err != nil {
		return nil, err
	}
	return &SessionStore{dir: dir, key: key}, nil
}

func loadOrCreateKey(dir string) ([32]byte, error) {
	var key [32]byte
	if raw, err := keyring.Get(keyringService, "session-key"); err == nil {
		copy(key[:], []byte(raw))
		return key, nil
	}

	keyPath := filepath.Join(dir, ".session_key")
	if raw, err := os.ReadFile(keyPath); err == nil && len(raw) == 32 {
		copy(key[:], raw)
		return key, nil
	}

	if _, err := rand.Read(key[:]); err != nil {
		return key, errs.New(errs.Storage, "registry.loadOrCreateKey", err)
	}

	if err := keyring.Set(keyringService, "session-key", string(key[:])); err == nil {
		return key, nil
	}

	if err := os.WriteFile(keyPath, key[:], 0o600); err != nil {
		return key, errs.New(errs.Storage, "registry.loadOrCreateKey", fmt.Errorf("persist fallback session key: %w", err))
	}
	return key, nil
}

func (st *SessionStore) pathFor(sessionName string) string {
	return filepath.Join(st.dir, sessionName+".session")
}

// Save seals and writes the session bytes, owner-only permissions (§4.2:
// "Disk-persisted session files are stored with owner-only permissions").
func (st *SessionStore) Save(sessionName string, s *Session) error {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return errs.New(errs.Storage, "SessionStore.Save", err)
	}
	sealed := secretbox.Seal(nonce[:], s.Bytes(), &nonce, &st.key)
	if err := os.WriteFile(st.pathFor(sessionName), sealed, 0o600); err != nil {
		return errs.New(errs.Storage, "SessionStore.Save", err)
	}
	return nil
}

// Load reads and opens a previously saved session, or returns
// (nil, nil) if no file exists yet — a fresh import.
func (st *SessionStore) Load(sessionName string) (*Session, error) {
	raw, err := os.ReadFile(st.pathFor(sessionName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.New(errs.Storage, "SessionStore.Load", err)
	}
	if len(raw) < 24 {
		return nil, errs.New(errs.IntegrityViolation, "SessionStore.Load", fmt.Errorf("session file %q is truncated", sessionName))
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	plain, ok := secretbox.Open(nil, raw[24:], &nonce, &st.key)
	if !ok {
		return nil, errs.New(errs.IntegrityViolation, "SessionStore.Load", fmt.Errorf("session file %q failed authentication", sessionName))
	}
	return NewSession(plain), nil
}
