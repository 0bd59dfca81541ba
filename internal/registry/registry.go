// Package registry is the durable store of promoted tools. Entries are
// immutable content-addressed directories; a per-name latest pointer is
// replaced atomically so re-promotion versions a tool without breaking
// pinned references. A derived sqlite index serves search and can be
// rebuilt from the directories at any time.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"machinist/internal/config"
	"machinist/internal/embedding"
	"machinist/internal/logging"
	"machinist/internal/tool"
)

const (
	metadataFile = "metadata.json"
	artifactFile = "tool.go"
	testFile     = "tool_test.go"

	latestDir  = ".latest"
	stagingDir = ".staging"
	indexDir   = ".index"
)

// ErrNotFound reports a lookup miss.
var ErrNotFound = errors.New("tool not found in registry")

// DependencyError reports dependency ids that do not resolve. Raised at
// promotion time, never at read time.
type DependencyError struct {
	Tool    string
	Missing []string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("tool %s has unresolved dependencies: %s", e.Tool, strings.Join(e.Missing, ", "))
}

// Registry is safe for concurrent use. Writes are serialized so each
// promotion of a name observes the previous one's version; readers never
// see a partial entry because directories land in one rename.
type Registry struct {
	root     string
	embedder embedding.EmbeddingEngine
	index    *searchIndex
	watcher  *watcher

	putMu sync.Mutex // serializes Put; version numbers must be unique per name

	mu     sync.RWMutex
	latest map[string]string // name slug -> entry id
}

// Open prepares the registry root, loads the latest pointers and opens
// the search index. The embedder may be nil; search then falls back to
// keyword relevance.
func Open(cfg config.RegistryConfig, embedder embedding.EmbeddingEngine) (*Registry, error) {
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve registry root: %w", err)
	}
	for _, dir := range []string{root, filepath.Join(root, latestDir), filepath.Join(root, stagingDir), filepath.Join(root, indexDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create registry directory: %w", err)
		}
	}

	index, err := openSearchIndex(filepath.Join(root, indexDir, "tools.db"))
	if err != nil {
		return nil, err
	}

	r := &Registry{
		root:     root,
		embedder: embedder,
		index:    index,
		latest:   make(map[string]string),
	}
	if err := r.refreshLatest(); err != nil {
		index.Close()
		return nil, err
	}
	if err := r.reindexMissing(); err != nil {
		logging.RegistryWarn("index backfill failed: %v", err)
	}

	if cfg.Watch {
		w, err := newWatcher(r)
		if err != nil {
			logging.RegistryWarn("registry watcher disabled: %v", err)
		} else {
			r.watcher = w
		}
	}
	return r, nil
}

// Close releases the watcher and index.
func (r *Registry) Close() error {
	if r.watcher != nil {
		r.watcher.stop()
	}
	return r.index.Close()
}

// Put durably stores a promoted entry. The caller guarantees the entry
// carries a passing ValidationResult; Put re-checks because the
// promotion invariant belongs to the store, not its callers.
func (r *Registry) Put(entry tool.Entry, artifactSource, testSource string) error {
	r.putMu.Lock()
	defer r.putMu.Unlock()

	if !entry.Result.Pass() {
		return fmt.Errorf("refusing to store %s: latest validation verdict is %s", entry.ID, entry.Result.Verdict)
	}
	if entry.ID == "" || entry.Name == "" {
		return fmt.Errorf("entry is missing id or name")
	}
	if missing := r.missingDependencies(entry.Dependencies); len(missing) > 0 {
		return &DependencyError{Tool: entry.Name, Missing: missing}
	}

	slug := tool.Slug(entry.Name)
	if entry.Version == 0 {
		entry.Version = r.nextVersion(slug)
	}

	finalDir := filepath.Join(r.root, entry.ID)
	entry.ArtifactPath = filepath.Join(finalDir, artifactFile)
	entry.TestPath = filepath.Join(finalDir, testFile)

	staging := filepath.Join(r.root, stagingDir, uuid.NewString())
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	meta, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal entry metadata: %w", err)
	}
	files := map[string][]byte{
		artifactFile: []byte(artifactSource),
		testFile:     []byte(testSource),
		metadataFile: meta,
	}
	for name, data := range files {
		if err := writeFileSynced(filepath.Join(staging, name), data); err != nil {
			return err
		}
	}

	// Entry directories become visible in one rename. A pre-existing
	// target with intact metadata holds identical bytes (ids are
	// content-addressed), so a replay just converges.
	if err := os.Rename(staging, finalDir); err != nil {
		if _, statErr := os.Stat(filepath.Join(finalDir, metadataFile)); statErr != nil {
			return fmt.Errorf("failed to publish entry %s: %w", entry.ID, err)
		}
	}

	if err := r.setLatest(slug, entry.ID); err != nil {
		return err
	}

	if err := r.index.upsert(entry); err != nil {
		logging.RegistryWarn("failed to index %s: %v", entry.ID, err)
	}

	r.mu.Lock()
	r.latest[slug] = entry.ID
	r.mu.Unlock()

	logging.Registry("promoted %s (version %d) as %s", entry.Name, entry.Version, entry.ID)
	return nil
}

// Get resolves an exact entry id or a bare tool name through the latest
// pointer.
func (r *Registry) Get(idOrName string) (*tool.Entry, error) {
	if entry, err := r.load(idOrName); err == nil {
		return entry, nil
	}

	slug := tool.Slug(idOrName)
	r.mu.RLock()
	id, ok := r.latest[slug]
	r.mu.RUnlock()
	if !ok {
		// The pointer may have been written by another process since
		// the last refresh.
		raw, err := os.ReadFile(filepath.Join(r.root, latestDir, slug))
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, idOrName)
		}
		id = strings.TrimSpace(string(raw))
		r.mu.Lock()
		r.latest[slug] = id
		r.mu.Unlock()
	}
	return r.load(id)
}

// GetVersion resolves a specific promoted version of a name.
func (r *Registry) GetVersion(name string, version int) (*tool.Entry, error) {
	slug := tool.Slug(name)
	entries, err := r.List()
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if tool.Slug(entry.Name) == slug && entry.Version == version {
			return &entry, nil
		}
	}
	return nil, fmt.Errorf("%w: %s version %d", ErrNotFound, name, version)
}

// List returns every entry, newest promotion first.
func (r *Registry) List() ([]tool.Entry, error) {
	dirs, err := os.ReadDir(r.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry root: %w", err)
	}

	var entries []tool.Entry
	for _, dir := range dirs {
		if !dir.IsDir() || strings.HasPrefix(dir.Name(), ".") {
			continue
		}
		entry, err := r.load(dir.Name())
		if err != nil {
			logging.RegistryWarn("skipping unreadable entry %s: %v", dir.Name(), err)
			continue
		}
		entries = append(entries, *entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].PromotedAt.After(entries[j].PromotedAt)
	})
	return entries, nil
}

// ListByCapability returns entries declaring the capability tag.
func (r *Registry) ListByCapability(tag string) ([]tool.Entry, error) {
	entries, err := r.List()
	if err != nil {
		return nil, err
	}
	var matched []tool.Entry
	for _, entry := range entries {
		for _, cap := range entry.Capabilities {
			if cap == tag {
				matched = append(matched, entry)
				break
			}
		}
	}
	return matched, nil
}

// Resolve verifies that every id resolves to a stored entry.
func (r *Registry) Resolve(toolName string, ids []string) error {
	if missing := r.missingDependencies(ids); len(missing) > 0 {
		return &DependencyError{Tool: toolName, Missing: missing}
	}
	return nil
}

// ArtifactSource reads the stored code artifact for an entry.
func (r *Registry) ArtifactSource(entry *tool.Entry) (string, error) {
	raw, err := os.ReadFile(entry.ArtifactPath)
	if err != nil {
		return "", fmt.Errorf("failed to read artifact for %s: %w", entry.ID, err)
	}
	return string(raw), nil
}

func (r *Registry) missingDependencies(ids []string) []string {
	var missing []string
	for _, id := range ids {
		if _, err := r.Get(id); err != nil {
			missing = append(missing, id)
		}
	}
	return missing
}

func (r *Registry) load(id string) (*tool.Entry, error) {
	if id == "" || strings.ContainsAny(id, "/\\") {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	raw, err := os.ReadFile(filepath.Join(r.root, id, metadataFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to read entry %s: %w", id, err)
	}
	var entry tool.Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("entry %s has corrupt metadata: %w", id, err)
	}
	return &entry, nil
}

func (r *Registry) nextVersion(slug string) int {
	r.mu.RLock()
	id, ok := r.latest[slug]
	r.mu.RUnlock()
	if !ok {
		return 1
	}
	current, err := r.load(id)
	if err != nil {
		return 1
	}
	return current.Version + 1
}

// setLatest atomically replaces the latest pointer for a name.
func (r *Registry) setLatest(slug, id string) error {
	dir := filepath.Join(r.root, latestDir)
	tmp := filepath.Join(dir, ".tmp-"+uuid.NewString())
	if err := writeFileSynced(tmp, []byte(id+"\n")); err != nil {
		return err
	}
	if err := os.Rename(tmp, filepath.Join(dir, slug)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to update latest pointer for %s: %w", slug, err)
	}
	return nil
}

// refreshLatest reloads the latest-pointer cache from disk.
func (r *Registry) refreshLatest() error {
	dir := filepath.Join(r.root, latestDir)
	files, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read latest pointers: %w", err)
	}

	latest := make(map[string]string, len(files))
	for _, f := range files {
		if f.IsDir() || strings.HasPrefix(f.Name(), ".") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, f.Name()))
		if err != nil {
			continue
		}
		latest[f.Name()] = strings.TrimSpace(string(raw))
	}

	r.mu.Lock()
	r.latest = latest
	r.mu.Unlock()
	return nil
}

// reindexMissing backfills the search index from entry directories; the
// index is derived state and must never gate reads.
func (r *Registry) reindexMissing() error {
	entries, err := r.List()
	if err != nil {
		return err
	}
	for _, entry := range entries {
		indexed, err := r.index.has(entry.ID)
		if err != nil {
			return err
		}
		if !indexed {
			if err := r.index.upsert(entry); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeFileSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Base(path), err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}
