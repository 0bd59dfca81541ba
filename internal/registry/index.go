package registry

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"machinist/internal/tool"
)

// searchIndex is the sqlite-backed derived index behind Search: one row
// per entry with its search text and cached description embedding.
type searchIndex struct {
	mu sync.Mutex
	db *sql.DB
}

func openSearchIndex(path string) (*searchIndex, error) {
	db, err := sql.Open(sqliteDriver, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open search index: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS tools (
		id             TEXT PRIMARY KEY,
		name           TEXT NOT NULL,
		slug           TEXT NOT NULL,
		version        INTEGER NOT NULL,
		promoted_at    TEXT NOT NULL,
		search_text    TEXT NOT NULL,
		embedding      TEXT,
		embedding_blob BLOB
	);
	CREATE INDEX IF NOT EXISTS idx_tools_slug ON tools(slug);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize search index: %w", err)
	}
	return &searchIndex{db: db}, nil
}

func (ix *searchIndex) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.db.Close()
}

func (ix *searchIndex) has(id string) (bool, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	var one int
	err := ix.db.QueryRow(`SELECT 1 FROM tools WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("index lookup failed: %w", err)
	}
	return true, nil
}

func (ix *searchIndex) upsert(entry tool.Entry) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	var embJSON any
	if len(entry.Embedding) > 0 {
		raw, err := json.Marshal(entry.Embedding)
		if err != nil {
			return fmt.Errorf("failed to encode embedding: %w", err)
		}
		embJSON = string(raw)
	}

	_, err := ix.db.Exec(`
		INSERT INTO tools (id, name, slug, version, promoted_at, search_text, embedding, embedding_blob)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			slug = excluded.slug,
			version = excluded.version,
			promoted_at = excluded.promoted_at,
			search_text = excluded.search_text,
			embedding = excluded.embedding,
			embedding_blob = excluded.embedding_blob`,
		entry.ID, entry.Name, tool.Slug(entry.Name), entry.Version,
		entry.PromotedAt.UTC().Format(time.RFC3339Nano), entry.SearchText(), embJSON,
		vecBlob(entry.Embedding))
	if err != nil {
		return fmt.Errorf("failed to index entry %s: %w", entry.ID, err)
	}
	return nil
}

// vecBlob encodes a vector the way sqlite-vec expects it: packed
// little-endian float32, four bytes per dimension.
func vecBlob(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, 0, len(vec)*4)
	for _, f := range vec {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(f))
	}
	return buf
}

// rankedTool is a nearest-neighbor hit from the vec-enabled index.
type rankedTool struct {
	id         string
	promotedAt time.Time
	similarity float64
}

// nearest ranks embedded entries by cosine distance inside sqlite.
// Only callable on builds whose driver loads the sqlite-vec extension;
// vecRankingEnabled guards every call site.
func (ix *searchIndex) nearest(queryVec []float32, limit int) ([]rankedTool, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	rows, err := ix.db.Query(`
		SELECT id, promoted_at, vec_distance_cosine(embedding_blob, ?) AS dist
		FROM tools
		WHERE embedding_blob IS NOT NULL
		ORDER BY dist ASC, promoted_at DESC
		LIMIT ?`, vecBlob(queryVec), limit)
	if err != nil {
		return nil, fmt.Errorf("vec index query failed: %w", err)
	}
	defer rows.Close()

	var out []rankedTool
	for rows.Next() {
		var rt rankedTool
		var promotedAt string
		var dist float64
		if err := rows.Scan(&rt.id, &promotedAt, &dist); err != nil {
			return nil, fmt.Errorf("vec index query failed: %w", err)
		}
		rt.promotedAt, _ = time.Parse(time.RFC3339Nano, promotedAt)
		rt.similarity = 1 - dist
		out = append(out, rt)
	}
	return out, rows.Err()
}

// indexedTool is one search candidate read back from the index.
type indexedTool struct {
	id         string
	searchText string
	promotedAt time.Time
	embedding  []float32
}

func (ix *searchIndex) candidates() ([]indexedTool, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	rows, err := ix.db.Query(`SELECT id, search_text, promoted_at, embedding FROM tools`)
	if err != nil {
		return nil, fmt.Errorf("index scan failed: %w", err)
	}
	defer rows.Close()

	var out []indexedTool
	for rows.Next() {
		var it indexedTool
		var promotedAt string
		var embJSON sql.NullString
		if err := rows.Scan(&it.id, &it.searchText, &promotedAt, &embJSON); err != nil {
			return nil, fmt.Errorf("index scan failed: %w", err)
		}
		it.promotedAt, _ = time.Parse(time.RFC3339Nano, promotedAt)
		if embJSON.Valid && embJSON.String != "" {
			if err := json.Unmarshal([]byte(embJSON.String), &it.embedding); err != nil {
				// A corrupt cached vector downgrades this row to keyword
				// matching; it does not break search.
				it.embedding = nil
			}
		}
		out = append(out, it)
	}
	return out, rows.Err()
}
