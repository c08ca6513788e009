// Package credentials persists the NTLM username and password used against
// the report server.
//
// Credentials live in a small JSON file:
//
//	{
//	  "ntlm_user": "DOMAIN\\jdoe",
//	  "ntlm_pass": "...",
//	  "server_url": "http://172.27.230.27/ReportServer",
//	  "last_updated": "2025-01-01T00:00:00Z",
//	  "version": "2.0"
//	}
//
// Older installs wrote the same document base64-encoded; such files are
// rewritten as plain JSON the first time they are loaded.
// REPORTSYNC_NTLM_USER and REPORTSYNC_NTLM_PASS override the file.
package credentials

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Version is written into every saved file.
const Version = "2.0"

// FileName is the default credentials file name.
const FileName = "credentials.json"

// ErrNoCredentials is returned when no complete username/password pair is
// stored or set in the environment.
var ErrNoCredentials = errors.New("credentials: no NTLM credentials configured")

// Credentials is the stored document.
type Credentials struct {
	User        string
	Password    string
	ServerURL   string
	LastUpdated time.Time
	Version     string
}

// Complete reports whether both user and password are set.
func (c Credentials) Complete() bool {
	return c.User != "" && c.Password != ""
}

// Masked returns a printable summary that does not reveal the password.
func (c Credentials) Masked() string {
	if !c.Complete() {
		return "no credentials stored"
	}
	s := fmt.Sprintf("user: %s\npassword: %s", c.User, strings.Repeat("*", 8))
	if c.ServerURL != "" {
		s += "\nserver_url: " + c.ServerURL
	}
	if !c.LastUpdated.IsZero() {
		s += "\nlast_updated: " + c.LastUpdated.UTC().Format(time.RFC3339)
	}
	return s
}

// DefaultPath returns the credentials file under the user's config
// directory.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("credentials: locate config dir: %w", err)
	}
	return filepath.Join(dir, "reportsync", FileName), nil
}

// Store reads and writes one credentials file. It is safe for concurrent
// use; every read goes back to disk so changes made by another process are
// picked up.
type Store struct {
	path   string
	logger *slog.Logger

	mu sync.Mutex
}

// NewStore returns a store backed by path.
func NewStore(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{path: path, logger: logger}
}

// Path returns the backing file.
func (s *Store) Path() string { return s.path }

// Load reads the file and applies environment overrides. A missing or
// empty file yields empty credentials and no error.
func (s *Store) Load() (Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix("REPORTSYNC")
	if err := v.BindEnv("ntlm_user", "REPORTSYNC_NTLM_USER"); err != nil {
		return Credentials{}, err
	}
	if err := v.BindEnv("ntlm_pass", "REPORTSYNC_NTLM_PASS"); err != nil {
		return Credentials{}, err
	}

	raw, err := os.ReadFile(s.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Credentials{}, fmt.Errorf("credentials: read %s: %w", s.path, err)
	}
	raw = bytes.TrimSpace(raw)

	if len(raw) > 0 {
		legacy := raw[0] != '{'
		if legacy {
			decoded, err := base64.StdEncoding.DecodeString(string(raw))
			if err != nil {
				return Credentials{}, fmt.Errorf("credentials: %s is neither JSON nor base64: %w", s.path, err)
			}
			raw = decoded
		}
		if err := v.ReadConfig(bytes.NewReader(raw)); err != nil {
			return Credentials{}, fmt.Errorf("credentials: parse %s: %w", s.path, err)
		}
		if legacy {
			if err := s.migrate(raw); err != nil {
				s.logger.Warn("could not rewrite legacy credentials file", "path", s.path, "err", err)
			} else {
				s.logger.Info("converted legacy base64 credentials file", "path", s.path)
			}
		}
	}

	return Credentials{
		User:        strings.TrimSpace(v.GetString("ntlm_user")),
		Password:    v.GetString("ntlm_pass"),
		ServerURL:   v.GetString("server_url"),
		LastUpdated: v.GetTime("last_updated"),
		Version:     v.GetString("version"),
	}, nil
}

// migrate rewrites a decoded legacy document as plain JSON.
func (s *Store) migrate(doc []byte) error {
	v := viper.New()
	v.SetConfigType("json")
	if err := v.ReadConfig(bytes.NewReader(doc)); err != nil {
		return err
	}
	return s.write(v)
}

// Save stores user and password, plus serverURL when not empty.
func (s *Store) Save(user, password, serverURL string) error {
	user = strings.TrimSpace(user)
	if user == "" || password == "" {
		return fmt.Errorf("credentials: user and password are both required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	v := viper.New()
	v.SetConfigType("json")
	v.Set("ntlm_user", user)
	v.Set("ntlm_pass", password)
	v.Set("last_updated", time.Now().UTC().Format(time.RFC3339))
	v.Set("version", Version)
	if serverURL != "" {
		v.Set("server_url", serverURL)
	}
	if err := s.write(v); err != nil {
		return err
	}
	s.logger.Info("credentials saved", "user", user, "path", s.path)
	return nil
}

func (s *Store) write(v *viper.Viper) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("credentials: %w", err)
	}
	v.SetConfigPermissions(0o600)
	if err := v.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("credentials: write %s: %w", s.path, err)
	}
	return nil
}

// Clear removes the credentials file. Clearing a missing file is not an
// error.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("credentials: %w", err)
	}
	s.logger.Info("credentials cleared", "path", s.path)
	return nil
}

// Credentials returns the current username and password. It satisfies the
// credential source interface of the report HTTP client.
func (s *Store) Credentials(context.Context) (string, string, error) {
	c, err := s.Load()
	if err != nil {
		return "", "", err
	}
	if !c.Complete() {
		return "", "", ErrNoCredentials
	}
	return c.User, c.Password, nil
}
