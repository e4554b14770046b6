// Package store is the kernel's SQLite-backed persistence for tool-side
// data: TTL caches for the WebFetch and WebSearch tools, plus the
// file_deltas table the undo journal shares on the same database file.
// Every method is nil-receiver safe so a session whose cache failed to
// open just loses caching, not tools.
package store

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite" // register sqlite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS fetch_cache (
	url       TEXT PRIMARY KEY,
	result    TEXT NOT NULL,
	created   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS search_cache (
	query    TEXT PRIMARY KEY,
	result   TEXT NOT NULL,
	created  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_fetch_created ON fetch_cache(created);
CREATE INDEX IF NOT EXISTS idx_search_created ON search_cache(created);

CREATE TABLE IF NOT EXISTS file_deltas (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id  TEXT NOT NULL,
	turn_id     INTEGER NOT NULL,
	file_path   TEXT NOT NULL,
	op          TEXT NOT NULL,
	old_content BLOB,
	created     INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_deltas_turn ON file_deltas(session_id, turn_id);
`

// startupPragmas tune SQLite for a single-process, many-goroutine
// workload.
var startupPragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA busy_timeout = 5000",
}

// Cache is the web-result cache plus the shared database handle.
type Cache struct {
	mu  sync.Mutex
	db  *sql.DB
	ttl time.Duration
}

// Open creates or opens the database at path. ttl bounds how long cached
// web results stay fresh.
func Open(path string, ttl time.Duration) (*Cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	for _, pragma := range startupPragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %q: %w", pragma, err)
		}
	}

	// An older search_cache layout carried a keywords column; it is a
	// cache, so dropping it beats migrating it.
	if tableHasColumn(db, "search_cache", "keywords") {
		db.Exec("DROP TABLE search_cache") //nolint:errcheck // best-effort migration
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	c := &Cache{db: db, ttl: ttl}
	c.purgeStale()
	return c, nil
}

// DB exposes the underlying handle so the undo journal shares the same
// database file.
func (c *Cache) DB() *sql.DB {
	if c == nil {
		return nil
	}
	return c.db
}

// Close closes the database.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.db.Close()
}

// freshCutoff is the oldest creation stamp still considered fresh.
func (c *Cache) freshCutoff() int64 {
	return time.Now().Add(-c.ttl).Unix()
}

// GetFetch returns the cached body for url, if fresh.
func (c *Cache) GetFetch(url string) (string, bool) {
	if c == nil {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var result string
	err := c.db.QueryRow(
		"SELECT result FROM fetch_cache WHERE url = ? AND created > ?",
		url, c.freshCutoff(),
	).Scan(&result)
	return result, err == nil
}

// SetFetch stores a fetched body.
func (c *Cache) SetFetch(url, result string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.db.Exec(
		"INSERT OR REPLACE INTO fetch_cache (url, result, created) VALUES (?, ?, ?)",
		url, result, time.Now().Unix(),
	); err != nil {
		log.Warn().Err(err).Str("url", url).Msg("failed to cache fetch result")
	}
}

// GetSearch returns the cached result for the normalized query, if fresh.
func (c *Cache) GetSearch(query string) (string, bool) {
	if c == nil {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var result string
	err := c.db.QueryRow(
		"SELECT result FROM search_cache WHERE query = ? AND created > ?",
		normalizeQuery(query), c.freshCutoff(),
	).Scan(&result)
	return result, err == nil
}

// SetSearch stores a search result under the normalized query.
func (c *Cache) SetSearch(query, result string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.db.Exec(
		"INSERT OR REPLACE INTO search_cache (query, result, created) VALUES (?, ?, ?)",
		normalizeQuery(query), result, time.Now().Unix(),
	); err != nil {
		log.Warn().Err(err).Str("query", query).Msg("failed to cache search result")
	}
}

// Content-match thresholds: a cached result answers a new query only
// when most of its keywords appear, and at least a few of them (two
// shared words is coincidence, not an answer).
const (
	contentMatchMinScore = 0.75
	contentMatchMinHits  = 3
)

// SearchCachedContent looks for a fresh cached result whose text already
// answers the query, regardless of what was originally searched. A hit
// saves a paid search API call.
func (c *Cache) SearchCachedContent(query string) (string, bool) {
	if c == nil {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	keywords := tokenize(query)
	if len(keywords) < 2 {
		return "", false
	}

	rows, err := c.db.Query(
		"SELECT result FROM search_cache WHERE created > ?", c.freshCutoff(),
	)
	if err != nil {
		return "", false
	}
	defer rows.Close()

	var best string
	var bestScore float64
	var bestHits int
	for rows.Next() {
		var result string
		if err := rows.Scan(&result); err != nil {
			continue
		}
		score, hits := contentOverlap(keywords, strings.ToLower(result))
		if score > bestScore {
			best, bestScore, bestHits = result, score, hits
		}
	}

	if bestScore >= contentMatchMinScore && bestHits >= contentMatchMinHits {
		return best, true
	}
	return "", false
}

// purgeStale deletes expired cache rows at startup.
func (c *Cache) purgeStale() {
	cutoff := c.freshCutoff()
	for _, table := range []string{"fetch_cache", "search_cache"} {
		res, err := c.db.Exec(
			fmt.Sprintf("DELETE FROM %s WHERE created <= ?", table), //nolint:gosec // table names are the two literals above
			cutoff,
		)
		if err != nil {
			log.Warn().Err(err).Str("table", table).Msg("failed to purge stale cache")
			continue
		}
		if n, _ := res.RowsAffected(); n > 0 {
			log.Info().Int64("deleted", n).Str("table", table).Msg("purged stale cache entries")
		}
	}
}

// tableHasColumn inspects the live schema, for migrations.
func tableHasColumn(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table)) //nolint:gosec // table name is hardcoded by caller
	if err != nil {
		return false
	}
	defer rows.Close()
	for rows.Next() {
		var cid, notNull, pk int
		var name, typ string
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}

func normalizeQuery(q string) string {
	return strings.ToLower(strings.TrimSpace(q))
}

// stopWords never count as keywords.
var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true,
	"was": true, "were": true, "be": true, "been": true, "being": true,
	"have": true, "has": true, "had": true, "do": true, "does": true,
	"did": true, "will": true, "would": true, "could": true, "should": true,
	"may": true, "might": true, "shall": true, "can": true,
	"for": true, "and": true, "but": true, "or": true, "nor": true,
	"not": true, "so": true, "yet": true, "to": true, "of": true,
	"in": true, "on": true, "at": true, "by": true, "with": true,
	"from": true, "as": true, "into": true, "about": true, "between": true,
	"through": true, "during": true, "before": true, "after": true,
	"above": true, "below": true, "up": true, "down": true, "out": true,
	"off": true, "over": true, "under": true, "again": true, "then": true,
	"once": true, "here": true, "there": true, "when": true, "where": true,
	"why": true, "how": true, "what": true, "which": true, "who": true,
	"whom": true, "this": true, "that": true, "these": true, "those": true,
	"i": true, "me": true, "my": true, "we": true, "our": true,
	"you": true, "your": true, "he": true, "him": true, "his": true,
	"she": true, "her": true, "it": true, "its": true, "they": true,
	"them": true, "their": true,
}

// tokenize lowercases a query and keeps its meaningful words.
func tokenize(query string) []string {
	var out []string
	for _, word := range strings.Fields(strings.ToLower(strings.TrimSpace(query))) {
		word = strings.Trim(word, ".,;:!?\"'()-[]{}")
		if len(word) < 2 || stopWords[word] {
			continue
		}
		out = append(out, word)
	}
	return out
}

// contentOverlap reports what fraction (and count) of the keywords
// appear anywhere in the lowercased result text.
func contentOverlap(keywords []string, resultLower string) (float64, int) {
	if len(keywords) == 0 {
		return 0, 0
	}
	hits := 0
	for _, kw := range keywords {
		if strings.Contains(resultLower, kw) {
			hits++
		}
	}
	return float64(hits) / float64(len(keywords)), hits
}
