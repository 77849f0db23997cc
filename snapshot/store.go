package snapshot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultFileName is the default snapshot file name.
const DefaultFileName = "quotes.json"

// NoExpiry is a TTL under which no snapshot ever expires. Readers that
// only serve or inspect a snapshot open their store with it, so loading
// never discards data a harvester still owns.
const NoExpiry = time.Duration(math.MaxInt64)

// sqliteScheme prefixes cache locations that should use SQLiteStore.
const sqliteScheme = "sqlite://"

// Store loads and saves snapshots.
type Store interface {
	// Load returns the current snapshot. The returned snapshot is never nil:
	// when the backing data is missing, corrupt or expired an empty snapshot
	// is returned together with an error wrapping ErrNotFound, ErrCorrupt or
	// ErrExpired.
	Load(ctx context.Context) (*Snapshot, error)
	// Save stamps s with the current time and persists it.
	Save(ctx context.Context, s *Snapshot) error
	// Location describes where the snapshot lives, for display.
	Location() string
	Close() error
}

// Options configures a Store.
type Options struct {
	// TTL is the snapshot validity period (default DefaultTTL).
	TTL time.Duration
	// SourceLang is the harvested language (default DefaultSourceLang).
	SourceLang string
	// Now overrides the clock.
	Now func() time.Time
}

func (o *Options) ttl() time.Duration {
	if o.TTL > 0 {
		return o.TTL
	}
	return DefaultTTL
}

func (o *Options) sourceLang() string {
	if o.SourceLang != "" {
		return o.SourceLang
	}
	return DefaultSourceLang
}

func (o *Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// ReaderOptions returns opts with TTL set to NoExpiry.
func ReaderOptions(opts Options) Options {
	opts.TTL = NoExpiry
	return opts
}

// Open returns the store for location: "sqlite://path" opens a SQLiteStore,
// anything else is treated as a JSON file path.
func Open(location string, opts Options) (Store, error) {
	if path, ok := strings.CutPrefix(location, sqliteScheme); ok {
		return OpenSQLite(path, opts)
	}
	if location == "" {
		location = DefaultFileName
	}
	return NewFileStore(location, opts), nil
}

// IsSoftFailure reports whether err from Load only means "start empty".
func IsSoftFailure(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrCorrupt) || errors.Is(err, ErrExpired)
}

// ---------------------------------------------------------------------------
// FileStore
// ---------------------------------------------------------------------------

// FileStore keeps the snapshot in a single JSON file.
type FileStore struct {
	path string
	opts Options
}

// NewFileStore returns a store backed by the JSON file at path.
func NewFileStore(path string, opts Options) *FileStore {
	return &FileStore{path: path, opts: opts}
}

// Path returns the snapshot file path.
func (fs *FileStore) Path() string {
	return fs.path
}

// Location implements Store.
func (fs *FileStore) Location() string {
	return fs.path
}

// Load implements Store. An expired file is removed.
func (fs *FileStore) Load(ctx context.Context) (*Snapshot, error) {
	data, err := os.ReadFile(fs.path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(fs.opts.sourceLang()), fmt.Errorf("%s: %w", fs.path, ErrNotFound)
		}
		return New(fs.opts.sourceLang()), fmt.Errorf("%w: reading %s: %v", ErrCorrupt, fs.path, err)
	}

	s, err := Decode(data, fs.opts.sourceLang(), fs.opts.now(), fs.opts.ttl())
	if err != nil {
		if errors.Is(err, ErrExpired) {
			_ = os.Remove(fs.path)
		}
		return s, fmt.Errorf("%s: %w", fs.path, err)
	}
	return s, nil
}

// Save implements Store. The file is replaced atomically.
func (fs *FileStore) Save(ctx context.Context, s *Snapshot) error {
	s.Timestamp = fs.opts.now()
	data, err := Encode(s)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(fs.path, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", fs.path, err)
	}
	return nil
}

// Close implements Store.
func (fs *FileStore) Close() error {
	return nil
}

// writeFileAtomic writes data to a temp file next to path, syncs it and
// renames it over path, so readers see either the old or the new content.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
