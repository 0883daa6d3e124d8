// Package session persists chat sessions as JSON files in a shared
// directory and decides which session a new message belongs to.
//
// The directory is shared with the lead extraction worker, which only
// reads it. There are no locks: every write replaces the whole file through
// a rename, so a concurrent reader sees either the old or the new session.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/teverse/leadchat/internal/domain"
	"github.com/teverse/leadchat/internal/shared"
)

const (
	filePrefix = "chat_"
	fileExt    = ".json"
	nameLayout = "20060102_150405"

	// DefaultWindow is how long after creation a session keeps accepting messages.
	DefaultWindow = 180 * time.Second
)

// ErrPersistence wraps every filesystem failure of the store.
var ErrPersistence = errors.New("session persistence failed")

// Handle identifies one session file.
type Handle struct {
	Name      string
	Path      string
	CreatedAt time.Time
}

// FileInfo is what the worker needs to decide whether a file changed.
type FileInfo struct {
	Name    string
	Path    string
	ModTime time.Time
}

// FileStore keeps one JSON file per session in a directory.
type FileStore struct {
	dir    string
	window time.Duration
	logger *slog.Logger
}

// NewFileStore creates the directory if needed and returns a store using
// the given session window.
func NewFileStore(dir string, window time.Duration) (*FileStore, error) {
	if window <= 0 {
		window = DefaultWindow
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create sessions directory: %v", ErrPersistence, err)
	}
	return &FileStore{dir: dir, window: window, logger: slog.Default()}, nil
}

// Dir returns the sessions directory.
func (s *FileStore) Dir() string { return s.dir }

// Window returns the session window.
func (s *FileStore) Window() time.Duration { return s.window }

// ResolveActive returns the session whose creation time is the latest among
// those created at or after now-window, or nil if none qualifies. Files
// dated more than one window after now are ignored. Equal creation times are
// broken by the lexicographically greatest file name.
func (s *FileStore) ResolveActive(now time.Time) (*Handle, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: list sessions: %v", ErrPersistence, err)
	}

	cutoff := now.Add(-s.window)
	horizon := now.Add(s.window)
	var newest *Handle
	for _, e := range entries {
		if e.IsDir() || !isSessionFile(e.Name()) {
			continue
		}
		createdAt, ok := createdAtFromName(e.Name())
		if !ok {
			info, err := e.Info()
			if err != nil {
				// Removed between ReadDir and Info.
				continue
			}
			createdAt = info.ModTime()
		}
		if createdAt.Before(cutoff) || createdAt.After(horizon) {
			continue
		}
		if newest == nil || createdAt.After(newest.CreatedAt) ||
			(createdAt.Equal(newest.CreatedAt) && e.Name() > newest.Name) {
			newest = &Handle{Name: e.Name(), Path: filepath.Join(s.dir, e.Name()), CreatedAt: createdAt}
		}
	}
	return newest, nil
}

// Load reads the full message list of a session.
func (s *FileStore) Load(h *Handle) ([]domain.Message, error) {
	return s.ReadSnapshot(h.Name)
}

// ReadSnapshot reads a session file completely before decoding it.
func (s *FileStore) ReadSnapshot(name string) ([]domain.Message, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrPersistence, name, err)
	}
	// A freshly claimed name is empty until its first write lands.
	if len(strings.TrimSpace(string(data))) == 0 {
		return []domain.Message{}, nil
	}
	var msgs []domain.Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrPersistence, name, err)
	}
	return msgs, nil
}

// Save writes the complete message list. With a nil handle a new session
// file named after now is allocated; otherwise the handle's file is
// overwritten. The handle of the written file is returned.
func (s *FileStore) Save(h *Handle, now time.Time, msgs []domain.Message) (*Handle, error) {
	if msgs == nil {
		msgs = []domain.Message{}
	}
	data, err := json.MarshalIndent(msgs, "", "    ")
	if err != nil {
		return nil, fmt.Errorf("%w: encode session: %v", ErrPersistence, err)
	}

	if h == nil {
		if h, err = s.allocate(now); err != nil {
			return nil, err
		}
		s.logger.Info("Started new session", "session", h.Name)
	}

	if err := shared.WriteFileAtomic(s.dir, h.Name, data, 0o644); err != nil {
		return nil, fmt.Errorf("%w: write %s: %v", ErrPersistence, h.Name, err)
	}
	return h, nil
}

// AppendAndPersist appends msg to the session and rewrites the whole file.
// A nil handle starts a new session containing only msg.
func (s *FileStore) AppendAndPersist(h *Handle, now time.Time, msg domain.Message) (*Handle, error) {
	var msgs []domain.Message
	if h != nil {
		loaded, err := s.Load(h)
		if err != nil {
			return nil, err
		}
		msgs = loaded
	}
	return s.Save(h, now, append(msgs, msg))
}

// List returns every session file with its modification time, sorted by name.
func (s *FileStore) List() ([]FileInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: list sessions: %v", ErrPersistence, err)
	}
	files := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileExt) || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, FileInfo{
			Name:    e.Name(),
			Path:    filepath.Join(s.dir, e.Name()),
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// allocate claims a new file name derived from now. The empty file is
// created with O_EXCL so two writers in the same second get distinct names.
func (s *FileStore) allocate(now time.Time) (*Handle, error) {
	base := filePrefix + now.UTC().Format(nameLayout)
	for n := 1; n < 1000; n++ {
		name := base + fileExt
		if n > 1 {
			name = base + "_" + strconv.Itoa(n) + fileExt
		}
		path := filepath.Join(s.dir, name)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: create %s: %v", ErrPersistence, name, err)
		}
		if err := f.Close(); err != nil {
			return nil, fmt.Errorf("%w: close %s: %v", ErrPersistence, name, err)
		}
		return &Handle{Name: name, Path: path, CreatedAt: now.UTC().Truncate(time.Second)}, nil
	}
	return nil, fmt.Errorf("%w: no free session name for %s", ErrPersistence, base)
}

func isSessionFile(name string) bool {
	return strings.HasPrefix(name, filePrefix) && strings.HasSuffix(name, fileExt)
}

// createdAtFromName parses chat_YYYYMMDD_HHMMSS[_N].json. Names are UTC so
// they stay monotonic across daylight saving changes.
func createdAtFromName(name string) (time.Time, bool) {
	stem := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileExt)
	if len(stem) < len(nameLayout) {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(nameLayout, stem[:len(nameLayout)], time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
