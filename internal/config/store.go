package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/gofrs/flock"
)

// LockTimeout bounds how long SetBasePort waits for the config file lock.
const LockTimeout = 5 * time.Second

// File is the on-disk configuration shared with the child servers.
type File struct {
	Main    MainSection    `toml:"main"`
	WWW     WWWSection     `toml:"www"`
	Logging LoggingSection `toml:"logging"`

	meta toml.MetaData
}

// Defined reports whether key was present in the decoded file, so an
// explicit zero can be told apart from a missing key.
func (f *File) Defined(key ...string) bool {
	return f.meta.IsDefined(key...)
}

// MainSection lists the served topic counts and the serve command.
type MainSection struct {
	TopicRange   string `toml:"topic_range"`
	Topics       []int  `toml:"topics"`
	ServeCommand string `toml:"serve_command"`
}

// WWWSection is where the fleet listens.
type WWWSection struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// LoggingSection holds the per-child log path template.
type LoggingSection struct {
	Path string `toml:"path"`
}

// Store reads and updates one configuration file.
type Store struct {
	Path string
}

// NewStore creates a Store for path.
func NewStore(path string) *Store {
	return &Store{Path: path}
}

// Load decodes the file.
func (s *Store) Load() (*File, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var f File
	meta, err := toml.Decode(string(data), &f)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", s.Path, err)
	}
	f.meta = meta
	return &f, nil
}

// SetBasePort rewrites [www] port, keeping every other key and value.
// The write holds an exclusive lock and replaces the file atomically.
func (s *Store) SetBasePort(ctx context.Context, port int) error {
	lock := flock.New(s.LockPath())
	lockCtx, cancel := context.WithTimeout(ctx, LockTimeout)
	defer cancel()

	locked, err := lock.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock config: %w", err)
	}
	if !locked {
		return errors.New("lock config: not acquired")
	}
	defer func() { _ = lock.Unlock() }()

	info, err := os.Stat(s.Path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}

	doc := make(map[string]any)
	if _, err := toml.DecodeFile(s.Path, &doc); err != nil {
		return fmt.Errorf("parse config %s: %w", s.Path, err)
	}

	www, ok := doc["www"].(map[string]any)
	if !ok {
		www = make(map[string]any)
		doc["www"] = www
	}
	www["port"] = int64(port)

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(doc); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	return writeAtomic(s.Path, buf.Bytes(), info.Mode().Perm())
}

// LockPath is the lock file serialising writers of Path. It lives in the
// temp directory, keyed by the absolute config path, so nothing is left
// next to the config file.
func (s *Store) LockPath() string {
	abs, err := filepath.Abs(s.Path)
	if err != nil {
		abs = s.Path
	}
	sum := sha256.Sum256([]byte(abs))
	return filepath.Join(os.TempDir(), "go-topic-fleet-"+hex.EncodeToString(sum[:8])+".lock")
}

// writeAtomic replaces path with data via a temp file in the same directory.
func writeAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("chmod temp config: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}
