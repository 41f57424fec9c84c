// Package session persists the authenticated browser session between runs.
package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"seekube-notifier/pkg/notifier"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
)

// ErrNotFound is returned by Restore when no session has been saved yet.
var ErrNotFound = errors.New("session: state does not exist")

// object is the subset of a Cloud Storage object the store uses.
type object interface {
	Attrs(ctx context.Context) error
	NewReader(ctx context.Context) (io.ReadCloser, error)
	NewWriter(ctx context.Context) io.WriteCloser
}

type gcsObject struct {
	h *storage.ObjectHandle
}

func (o gcsObject) Attrs(ctx context.Context) error {
	_, err := o.h.Attrs(ctx)
	return err
}

func (o gcsObject) NewReader(ctx context.Context) (io.ReadCloser, error) {
	r, err := o.h.NewReader(ctx)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (o gcsObject) NewWriter(ctx context.Context) io.WriteCloser {
	w := o.h.NewWriter(ctx)
	w.ContentType = "application/json"
	return w
}

// Store holds exactly one session state, either in a local file or in a
// Cloud Storage object. Freshness is never checked here.
type Store struct {
	obj    object // nil for the local file backend
	logger *slog.Logger
	bucket string
	name   string // file path, or object name when bucket is set
}

// New creates a session store. A nil client selects the local file backend.
func New(client *storage.Client, bucket, name string, logger *slog.Logger) *Store {
	if client == nil || bucket == "" {
		return &Store{logger: logger, name: name}
	}
	name = strings.TrimPrefix(filepath.ToSlash(name), "/")
	return newObjectStore(gcsObject{h: client.Bucket(bucket).Object(name)}, bucket, name, logger)
}

func newObjectStore(obj object, bucket, name string, logger *slog.Logger) *Store {
	return &Store{
		obj:    obj,
		logger: logger,
		bucket: bucket,
		name:   name,
	}
}

// Location describes where the state lives, for log messages.
func (s *Store) Location() string {
	if s.bucket != "" {
		return fmt.Sprintf("gs://%s/%s", s.bucket, s.name)
	}
	return s.name
}

// Exists reports whether a session state is stored.
func (s *Store) Exists(ctx context.Context) (bool, error) {
	if s.obj == nil {
		_, err := os.Stat(s.name)
		if err == nil {
			return true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat session file: %w", err)
	}

	err := s.obj.Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat session object: %w", err)
	}
	return true, nil
}

// Restore loads the stored session. It returns ErrNotFound when none exists.
func (s *Store) Restore(ctx context.Context) (*notifier.SessionState, error) {
	data, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	st, err := notifier.ParseSessionState(data)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("Session state restored", "location", s.Location(), "cookies", len(st.Cookies), "origins", len(st.Origins))
	return st, nil
}

// Save persists the session, replacing any previous one.
func (s *Store) Save(ctx context.Context, st *notifier.SessionState) error {
	data, err := st.Marshal()
	if err != nil {
		return fmt.Errorf("marshal session state: %w", err)
	}
	if err := s.write(ctx, data); err != nil {
		return err
	}
	s.logger.Info("Session state saved", "location", s.Location(), "cookies", len(st.Cookies))
	return nil
}

// Seed decodes a base64 session blob and stores it, unless a session is
// already present. It reports whether the seed was written.
func (s *Store) Seed(ctx context.Context, encoded string) (bool, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return false, nil
	}

	exists, err := s.Exists(ctx)
	if err != nil {
		return false, err
	}
	if exists {
		s.logger.Info("Session state already present, ignoring seed", "location", s.Location())
		return false, nil
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return false, fmt.Errorf("decode session seed: %w", err)
	}
	if err := s.write(ctx, data); err != nil {
		return false, err
	}
	s.logger.Info("Session state seeded from environment", "location", s.Location(), "bytes", len(data))
	return true, nil
}

func (s *Store) read(ctx context.Context) ([]byte, error) {
	if s.obj == nil {
		data, err := os.ReadFile(s.name)
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("read session file: %w", err)
		}
		return data, nil
	}

	var data []byte
	err := retry.Do(
		func() error {
			r, err := s.obj.NewReader(ctx)
			if err != nil {
				if errors.Is(err, storage.ErrObjectNotExist) {
					return retry.Unrecoverable(ErrNotFound)
				}
				return fmt.Errorf("open session object: %w", err)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					s.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()
			data, err = io.ReadAll(r)
			if err != nil {
				return fmt.Errorf("read session object: %w", err)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying session read after error", "attempt", n, "error", err)
		}),
	)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read after retries: %w", err)
	}
	return data, nil
}

func (s *Store) write(ctx context.Context, data []byte) error {
	if s.obj == nil {
		if dir := filepath.Dir(s.name); dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return fmt.Errorf("create session directory: %w", err)
			}
		}
		tmp := s.name + ".tmp"
		if err := os.WriteFile(tmp, data, 0o600); err != nil {
			return fmt.Errorf("write session file: %w", err)
		}
		if err := os.Rename(tmp, s.name); err != nil {
			return fmt.Errorf("replace session file: %w", err)
		}
		return nil
	}

	err := retry.Do(
		func() error {
			w := s.obj.NewWriter(ctx)
			if _, err := w.Write(data); err != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write session object: %w", err)
			}
			if err := w.Close(); err != nil {
				return fmt.Errorf("close session writer: %w", err)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying session write after error", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("write after retries: %w", err)
	}
	return nil
}
