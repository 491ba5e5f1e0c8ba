package pulp

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/release-engineering/dockpulp/internal/common"
)

const (
	// CredDir is the per-user directory login persists credentials to.
	CredDir  = ".pulp"
	CertFile = "pulp.cer"
	KeyFile  = "pulp.key"
)

// Session holds the client certificate pair every authenticated call
// presents. A session created by Login lives in a process-owned temp
// directory until Close; a session loaded from existing files owns nothing.
type Session struct {
	CertPath string
	KeyPath  string

	tmpDir string
}

// LoadSession wraps existing credential files without taking ownership.
func LoadSession(cert, key string) *Session {
	return &Session{CertPath: cert, KeyPath: key}
}

// NewSession creates an empty session backed by a temp directory. The caller
// must arrange for Close to run on every exit path.
func NewSession() (*Session, error) {
	dir, err := os.MkdirTemp("", "dockpulp-session-")
	if err != nil {
		return nil, &common.Error{Kind: common.ErrInternal, Message: "cannot create session dir", Err: err}
	}
	return &Session{
		CertPath: filepath.Join(dir, CertFile),
		KeyPath:  filepath.Join(dir, KeyFile),
		tmpDir:   dir,
	}, nil
}

// Write stores a server-issued certificate and key into the session.
func (s *Session) Write(cert, key []byte) error {
	if err := os.WriteFile(s.CertPath, cert, 0600); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}
	if err := os.WriteFile(s.KeyPath, key, 0600); err != nil {
		return fmt.Errorf("failed to write key: %w", err)
	}
	return nil
}

// SaveTo copies the credential pair into dir (normally ~/.pulp) so later
// invocations can pick it up without logging in again.
func (s *Session) SaveTo(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	for _, f := range []struct{ src, name string }{
		{s.CertPath, CertFile},
		{s.KeyPath, KeyFile},
	} {
		data, err := os.ReadFile(f.src)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", f.src, err)
		}
		if err := os.WriteFile(filepath.Join(dir, f.name), data, 0600); err != nil {
			return fmt.Errorf("failed to write %s: %w", f.name, err)
		}
	}
	return nil
}

// Close removes the temp credential directory, if this session owns one.
func (s *Session) Close() error {
	if s.tmpDir == "" {
		return nil
	}
	return os.RemoveAll(s.tmpDir)
}

// DefaultCredDir returns ~/.pulp, or an error when no home is resolvable.
func DefaultCredDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", &common.Error{Kind: common.ErrConfig, Message: "cannot resolve home directory", Err: err}
	}
	return filepath.Join(home, CredDir), nil
}
