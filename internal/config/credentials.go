package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"sxmgw/internal/log"
)

// Credentials is the externally supplied username/password pair. It lives
// only in process memory and is never logged.
type Credentials struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Store is the live credential source handed to the upstream client. When a
// credentials file is configured it can be watched for changes, so a
// password rotation takes effect without a restart.
type Store struct {
	path     string
	cur      atomic.Pointer[Credentials]
	onChange atomic.Pointer[func()]
}

// NewStore creates a store from the resolved configuration. A configured
// credentials file takes precedence over inline credentials.
func NewStore(cfg Config) (*Store, error) {
	s := &Store{path: cfg.CredentialsFile}
	if s.path != "" {
		if err := s.reload(); err != nil {
			return nil, err
		}
		return s, nil
	}
	s.cur.Store(&Credentials{Username: cfg.Username, Password: cfg.Password})
	return s, nil
}

// Credentials implements sxm.CredentialSource.
func (s *Store) Credentials() (string, string) {
	c := s.cur.Load()
	if c == nil {
		return "", ""
	}
	return c.Username, c.Password
}

// OnChange registers fn to run after every successful reload.
func (s *Store) OnChange(fn func()) {
	s.onChange.Store(&fn)
}

func (s *Store) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("config: read credentials file %s: %w", s.path, err)
	}
	var creds Credentials
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return fmt.Errorf("config: parse credentials file %s: %w", s.path, err)
	}
	if creds.Username == "" || creds.Password == "" {
		return fmt.Errorf("config: credentials file %s missing username or password", s.path)
	}
	s.cur.Store(&creds)
	return nil
}

// Watch reloads the credentials file whenever it changes, until ctx is done.
// It is a no-op when credentials are inline.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	// Watch the directory: editors and secret managers typically replace the
	// file, which drops a watch on the file itself.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close() //nolint:errcheck
		return fmt.Errorf("config: watch %s: %w", s.path, err)
	}

	logger := log.WithComponent("config")
	go func() {
		defer watcher.Close() //nolint:errcheck
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(s.path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if err := s.reload(); err != nil {
					logger.Error().Err(err).Str(log.FieldEvent, "credentials.reload_failed").Msg("keeping previous credentials")
					continue
				}
				logger.Info().Str(log.FieldEvent, "credentials.reloaded").Msg("credentials file reloaded")
				if fn := s.onChange.Load(); fn != nil {
					(*fn)()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Error().Err(err).Str(log.FieldEvent, "credentials.watch_error").Msg("credentials watcher error")
			}
		}
	}()
	return nil
}
