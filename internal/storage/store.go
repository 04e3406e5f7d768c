package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/coffersTech/logbook/internal/model"
	"github.com/coffersTech/logbook/internal/pkg/security"
	"github.com/spf13/afero"
)

const tmpInfix = ".tmp-"

// StoreError is an I/O failure while reading or replacing the image. No
// partial state is ever committed, so the operation is safe to retry.
type StoreError struct {
	Op   string // read, stat, encode, write, sync, rename
	Path string
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Info describes the persisted image.
type Info struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// Option configures a FileStore.
type Option func(*options)

type options struct {
	compress  bool
	cipher    *security.Cipher
	logger    *slog.Logger
	onCorrupt func(path string, cause error)
	onSave    func(d time.Duration, err error)
}

// WithCompression zstd-compresses new images. Reading detects compression
// by itself, so toggling this never strands an existing image.
func WithCompression() Option {
	return func(o *options) { o.compress = true }
}

// WithCipher encrypts new images at rest.
func WithCipher(c *security.Cipher) Option {
	return func(o *options) { o.cipher = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithCorruptionHook is called every time an unreadable image is reset.
func WithCorruptionHook(fn func(path string, cause error)) Option {
	return func(o *options) { o.onCorrupt = fn }
}

// WithSaveHook observes every image replacement.
func WithSaveHook(fn func(d time.Duration, err error)) Option {
	return func(o *options) { o.onSave = fn }
}

// FileStore persists the whole record collection as one file. Writers are
// serialized by mu; readers take no lock because the image is only ever
// replaced by an atomic rename.
type FileStore struct {
	fs    afero.Fs
	path  string
	codec *codec
	opts  options

	mu sync.Mutex
}

// Open prepares a store at path and clears temp files left behind by
// interrupted writes. The image itself is created lazily on first Load.
func Open(fs afero.Fs, path string, opts ...Option) (*FileStore, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	cd, err := newCodec(o.compress, o.cipher)
	if err != nil {
		return nil, fmt.Errorf("failed to create codec: %w", err)
	}

	s := &FileStore{fs: fs, path: path, codec: cd, opts: o}
	s.removeStaleTemps()
	return s, nil
}

// Path returns the canonical image location.
func (s *FileStore) Path() string { return s.path }

// Load returns the full collection. A missing image is initialized empty.
// An unreadable image is reset to empty and persisted that way: availability
// wins over surfacing the corruption, which is logged and counted instead.
func (s *FileStore) Load() (model.Collection, error) {
	coll, err := s.read()
	if err == nil {
		return coll, nil
	}
	if !errors.Is(err, errNoImage) && !errors.Is(err, ErrCorrupt) {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

// Save replaces the persisted image with coll.
func (s *FileStore) Save(coll model.Collection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(coll)
}

// Append adds records to the collection as one load-modify-save cycle under
// the writer lock, so concurrent appends never lose each other's records.
func (s *FileStore) Append(records ...model.LogRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	coll, err := s.loadLocked()
	if err != nil {
		return err
	}
	return s.saveLocked(append(coll, records...))
}

// Stat reports on the persisted image.
func (s *FileStore) Stat() (Info, error) {
	fi, err := s.fs.Stat(s.path)
	if err != nil {
		return Info{}, &StoreError{Op: "stat", Path: s.path, Err: err}
	}
	return Info{Path: s.path, Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

var errNoImage = errors.New("no record image")

func (s *FileStore) read() (model.Collection, error) {
	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errNoImage
		}
		return nil, &StoreError{Op: "read", Path: s.path, Err: err}
	}

	coll, err := s.codec.decode(data)
	if err != nil && !errors.Is(err, ErrCorrupt) {
		return nil, &StoreError{Op: "read", Path: s.path, Err: err}
	}
	return coll, err
}

// loadLocked re-reads under the lock: another writer may have created or
// repaired the image since the unlocked read.
func (s *FileStore) loadLocked() (model.Collection, error) {
	coll, err := s.read()
	switch {
	case err == nil:
		return coll, nil
	case errors.Is(err, errNoImage):
		empty := model.Collection{}
		if err := s.saveLocked(empty); err != nil {
			return nil, err
		}
		s.opts.logger.Info("initialized empty record image", "path", s.path)
		return empty, nil
	case errors.Is(err, ErrCorrupt):
		s.opts.logger.Warn("corrupt record image reset", "path", s.path, "error", err)
		if s.opts.onCorrupt != nil {
			s.opts.onCorrupt(s.path, err)
		}
		empty := model.Collection{}
		if err := s.saveLocked(empty); err != nil {
			return nil, err
		}
		return empty, nil
	default:
		return nil, err
	}
}

func (s *FileStore) saveLocked(coll model.Collection) error {
	start := time.Now()
	err := s.replace(coll)
	if s.opts.onSave != nil {
		s.opts.onSave(time.Since(start), err)
	}
	return err
}

// replace writes the complete image to a temp file in the same directory and
// renames it over the canonical path. Until the rename the old image is
// untouched; after it the new one is complete.
func (s *FileStore) replace(coll model.Collection) error {
	data, err := s.codec.encode(coll)
	if err != nil {
		return &StoreError{Op: "encode", Path: s.path, Err: err}
	}

	dir := filepath.Dir(s.path)
	tmp, err := afero.TempFile(s.fs, dir, filepath.Base(s.path)+tmpInfix+"*")
	if err != nil {
		return &StoreError{Op: "write", Path: s.path, Err: err}
	}
	tmpName := tmp.Name()

	fail := func(op string, err error) error {
		tmp.Close()
		s.fs.Remove(tmpName)
		return &StoreError{Op: op, Path: s.path, Err: err}
	}

	if _, err := tmp.Write(data); err != nil {
		return fail("write", err)
	}
	if err := tmp.Sync(); err != nil {
		return fail("sync", err)
	}
	if err := tmp.Close(); err != nil {
		s.fs.Remove(tmpName)
		return &StoreError{Op: "write", Path: s.path, Err: err}
	}
	if err := s.fs.Rename(tmpName, s.path); err != nil {
		s.fs.Remove(tmpName)
		return &StoreError{Op: "rename", Path: s.path, Err: err}
	}

	s.syncDir(dir)
	return nil
}

// syncDir persists the rename itself. Not every platform can fsync a
// directory, so failures are only logged.
func (s *FileStore) syncDir(dir string) {
	d, err := s.fs.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		s.opts.logger.Debug("directory sync failed", "dir", dir, "error", err)
	}
}

func (s *FileStore) removeStaleTemps() {
	dir := filepath.Dir(s.path)
	entries, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		return
	}

	prefix := filepath.Base(s.path) + tmpInfix
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		stale := filepath.Join(dir, entry.Name())
		if err := s.fs.Remove(stale); err != nil {
			s.opts.logger.Warn("failed to remove stale temp file", "path", stale, "error", err)
			continue
		}
		s.opts.logger.Info("removed stale temp file", "path", stale)
	}
}
