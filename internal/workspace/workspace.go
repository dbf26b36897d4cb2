// Package workspace owns the per-request scratch directories that downloads
// are written into before packaging.
package workspace

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const maxCreateAttempts = 5

var (
	// ErrUnavailable wraps failures to obtain or use storage.
	ErrUnavailable = errors.New("workspace storage unavailable")
	// ErrInvalidName rejects names that could escape the workspace.
	ErrInvalidName = errors.New("invalid workspace file name")
	// ErrDuplicateName rejects a second file under an existing name.
	ErrDuplicateName = errors.New("duplicate workspace file name")
	// ErrSealed rejects writes after the workspace has been sealed.
	ErrSealed = errors.New("workspace is sealed")
)

// Entry describes one file held by a workspace.
type Entry struct {
	Name       string
	Path       string
	Size       int64
	IsMetadata bool
}

// Observer is notified as workspaces come and go.
type Observer interface {
	WorkspaceOpened()
	WorkspaceClosed()
}

// Options configures a Manager.
type Options struct {
	BaseDir  string
	Logger   *slog.Logger
	Observer Observer
	Now      func() time.Time
	NewID    func() string
}

// Manager creates workspaces under a base directory and tracks the live ones.
type Manager struct {
	base     string
	logger   *slog.Logger
	observer Observer
	now      func() time.Time
	newID    func() string
	active   sync.Map
	count    atomic.Int64
}

// NewManager ensures the base directory exists.
func NewManager(opts Options) (*Manager, error) {
	base := strings.TrimSpace(opts.BaseDir)
	if base == "" {
		return nil, fmt.Errorf("%w: base directory is required", ErrUnavailable)
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %w", ErrUnavailable, base, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create %s: %w", ErrUnavailable, abs, err)
	}
	m := &Manager{
		base:     abs,
		logger:   opts.Logger,
		observer: opts.Observer,
		now:      opts.Now,
		newID:    opts.NewID,
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.newID == nil {
		m.newID = uuid.NewString
	}
	return m, nil
}

// BaseDir returns the absolute base directory.
func (m *Manager) BaseDir() string {
	return m.base
}

// Create allocates a fresh directory directly under the base directory. The
// hint only decorates the directory name.
func (m *Manager) Create(hint string) (*Workspace, error) {
	prefix := hintPrefix(hint)
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		created := m.now().UTC()
		id := fmt.Sprintf("%s_%s_%s", prefix, created.Format("20060102T150405"), m.newID())
		root := filepath.Join(m.base, id)
		err := os.Mkdir(root, 0o755)
		if errors.Is(err, fs.ErrExist) {
			m.logger.Debug("workspace name collision", "workspace_id", id, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: create %s: %w", ErrUnavailable, root, err)
		}
		ws := &Workspace{
			id:      id,
			root:    root,
			created: created,
			manager: m,
			names:   make(map[string]struct{}),
		}
		m.active.Store(id, ws)
		m.count.Add(1)
		if m.observer != nil {
			m.observer.WorkspaceOpened()
		}
		return ws, nil
	}
	return nil, fmt.Errorf("%w: no unique directory after %d attempts", ErrUnavailable, maxCreateAttempts)
}

// Lookup returns a live workspace by ID.
func (m *Manager) Lookup(id string) (*Workspace, bool) {
	value, ok := m.active.Load(id)
	if !ok {
		return nil, false
	}
	return value.(*Workspace), true
}

// Active reports how many workspaces have not been destroyed.
func (m *Manager) Active() int {
	return int(m.count.Load())
}

// DestroyAll removes every live workspace and returns the first error.
func (m *Manager) DestroyAll() error {
	var firstErr error
	m.active.Range(func(_, value any) bool {
		if err := value.(*Workspace).Destroy(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// Ping verifies the base directory still accepts writes.
func (m *Manager) Ping() error {
	probe, err := os.CreateTemp(m.base, ".probe-*")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	name := probe.Name()
	_ = probe.Close()
	return os.Remove(name)
}

func (m *Manager) release(ws *Workspace) {
	if _, loaded := m.active.LoadAndDelete(ws.id); loaded {
		m.count.Add(-1)
		if m.observer != nil {
			m.observer.WorkspaceClosed()
		}
	}
}

// Workspace is one request's private directory and its manifest.
type Workspace struct {
	id      string
	root    string
	created time.Time
	manager *Manager

	// writeMu is held shared by every in-flight write and exclusively by Seal.
	writeMu sync.RWMutex
	sealed  atomic.Bool

	mu      sync.Mutex
	entries []Entry
	names   map[string]struct{}

	destroyed atomic.Bool
}

func (w *Workspace) ID() string           { return w.id }
func (w *Workspace) Root() string         { return w.root }
func (w *Workspace) CreatedAt() time.Time { return w.created }

// AddFile stores data under name.
func (w *Workspace) AddFile(name string, data []byte) (Entry, error) {
	return w.add(name, bytes.NewReader(data), false)
}

// AddFileFrom streams r into a file under name.
func (w *Workspace) AddFileFrom(name string, r io.Reader) (Entry, error) {
	return w.add(name, r, false)
}

// AddMetadata stores a text sidecar under name.
func (w *Workspace) AddMetadata(name, text string) (Entry, error) {
	return w.add(name, strings.NewReader(text), true)
}

// Manifest returns the entries in insertion order.
func (w *Workspace) Manifest() []Entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Entry, len(w.entries))
	copy(out, w.entries)
	return out
}

// Seal waits for in-flight writes and rejects any later ones.
func (w *Workspace) Seal() {
	w.writeMu.Lock()
	w.sealed.Store(true)
	w.writeMu.Unlock()
}

// Destroy seals the workspace and removes its directory. Calling it again,
// or on an already missing directory, is not an error.
func (w *Workspace) Destroy() error {
	w.Seal()
	if w.destroyed.Swap(true) {
		return nil
	}
	if w.manager != nil {
		w.manager.release(w)
	}
	if err := os.RemoveAll(w.root); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove workspace %s: %w", w.id, err)
	}
	return nil
}

func (w *Workspace) add(name string, r io.Reader, metadata bool) (Entry, error) {
	rel, err := cleanName(name)
	if err != nil {
		return Entry{}, err
	}

	w.writeMu.RLock()
	defer w.writeMu.RUnlock()
	if w.sealed.Load() {
		return Entry{}, ErrSealed
	}

	if err := w.reserve(rel); err != nil {
		return Entry{}, err
	}

	full := filepath.Join(w.root, filepath.FromSlash(rel))
	if !within(w.root, full) {
		w.unreserve(rel)
		return Entry{}, fmt.Errorf("%w: %q resolves outside the workspace", ErrInvalidName, name)
	}
	size, err := writeExclusive(full, r)
	if err != nil {
		w.unreserve(rel)
		return Entry{}, err
	}

	entry := Entry{Name: rel, Path: full, Size: size, IsMetadata: metadata}
	w.mu.Lock()
	w.entries = append(w.entries, entry)
	w.mu.Unlock()
	return entry, nil
}

func (w *Workspace) reserve(rel string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, exists := w.names[rel]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateName, rel)
	}
	w.names[rel] = struct{}{}
	return nil
}

func (w *Workspace) unreserve(rel string) {
	w.mu.Lock()
	delete(w.names, rel)
	w.mu.Unlock()
}

func writeExclusive(path string, r io.Reader) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return 0, fmt.Errorf("%w: %s", ErrDuplicateName, filepath.Base(path))
		}
		return 0, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	n, copyErr := io.Copy(f, r)
	closeErr := f.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		_ = os.Remove(path)
		return 0, fmt.Errorf("write %s: %w", filepath.Base(path), copyErr)
	}
	return n, nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}
