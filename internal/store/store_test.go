package store

import (
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func newCache(t *testing.T, ttl time.Duration) *Cache {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "cache.db"), ttl)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func backdate(t *testing.T, c *Cache, table string) {
	t.Helper()
	past := time.Now().Add(-2 * time.Second).Unix()
	if _, err := c.db.Exec("UPDATE "+table+" SET created = ?", past); err != nil {
		t.Fatalf("backdate %s: %v", table, err)
	}
}

func TestFetchCacheRoundTrip(t *testing.T) {
	c := newCache(t, 24*time.Hour)

	if _, ok := c.GetFetch("https://example.com"); ok {
		t.Fatal("empty cache must miss")
	}
	c.SetFetch("https://example.com", "page content")

	got, ok := c.GetFetch("https://example.com")
	if !ok || got != "page content" {
		t.Fatalf("GetFetch = %q, %v", got, ok)
	}
	if _, ok := c.GetFetch("https://example.com/other"); ok {
		t.Error("distinct url must miss")
	}
}

func TestFetchCacheTTL(t *testing.T) {
	c := newCache(t, time.Second)
	c.SetFetch("https://example.com", "content")
	backdate(t, c, "fetch_cache")

	if _, ok := c.GetFetch("https://example.com"); ok {
		t.Fatal("expired entry must miss")
	}
}

func TestSearchCacheNormalizesQuery(t *testing.T) {
	c := newCache(t, 24*time.Hour)
	c.SetSearch("Golang Context", "results about context")

	got, ok := c.GetSearch("golang context")
	if !ok || got != "results about context" {
		t.Fatalf("case-normalized lookup = %q, %v", got, ok)
	}
}

func TestSearchCacheTTL(t *testing.T) {
	c := newCache(t, time.Second)
	c.SetSearch("golang context", "results")
	backdate(t, c, "search_cache")

	if _, ok := c.GetSearch("golang context"); ok {
		t.Fatal("expired entry must miss")
	}
}

const seededResult = `Found 2 result(s):

--- 1. Session log format ---
URL: https://example.dev/transcripts
Append-only JSONL transcripts with parent pointers and tool pairing.

--- 2. Approval gates ---
URL: https://example.dev/approvals
Tool calls suspend on a message bus until the user approves them.
`

func TestSearchCachedContentOverlap(t *testing.T) {
	c := newCache(t, 24*time.Hour)
	c.SetSearch("agent kernel transcript design", seededResult)

	cases := []struct {
		name  string
		query string
		hit   bool
	}{
		{"rephrased same topic", "jsonl transcript parent pointers", true},
		{"second result's topic", "tool approval message bus", true},
		{"unrelated", "python flask deployment", false},
		{"one keyword is not enough", "transcript performance tuning", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, ok := c.SearchCachedContent(tc.query); ok != tc.hit {
				t.Errorf("SearchCachedContent(%q) hit=%v, want %v", tc.query, ok, tc.hit)
			}
		})
	}

	if _, ok := newCache(t, time.Hour).SearchCachedContent("anything"); ok {
		t.Error("empty cache must miss")
	}
}

func TestSearchCachedContentIgnoresStale(t *testing.T) {
	c := newCache(t, time.Second)
	c.SetSearch("agent kernel transcript design", seededResult)
	backdate(t, c, "search_cache")

	if _, ok := c.SearchCachedContent("jsonl transcript parent pointers"); ok {
		t.Fatal("stale entries must not match by content")
	}
}

func TestTokenizeDropsStopwords(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"Go context package", []string{"go", "context", "package"}},
		{"the best practices for Go", []string{"best", "practices", "go"}},
		{"a an the", nil},
		{"", nil},
		{"  React.js, hooks!  ", []string{"react.js", "hooks"}},
	}
	for _, tc := range cases {
		if got := tokenize(tc.in); !reflect.DeepEqual(got, tc.want) {
			t.Errorf("tokenize(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestContentOverlapScoring(t *testing.T) {
	content := "append-only jsonl transcript with parent pointers and tool pairing"
	cases := []struct {
		keywords []string
		score    float64
		hits     int
	}{
		{[]string{"jsonl", "transcript"}, 1.0, 2},
		{[]string{"transcript", "pairing", "python", "flask"}, 0.5, 2},
		{[]string{"python", "flask"}, 0.0, 0},
	}
	for _, tc := range cases {
		score, hits := contentOverlap(tc.keywords, content)
		if hits != tc.hits {
			t.Errorf("contentOverlap(%v) hits = %d, want %d", tc.keywords, hits, tc.hits)
		}
		if diff := score - tc.score; diff > 0.01 || diff < -0.01 {
			t.Errorf("contentOverlap(%v) score = %f, want %f", tc.keywords, score, tc.score)
		}
	}
}

func TestPurgeStaleKeepsFresh(t *testing.T) {
	c := newCache(t, time.Second)
	c.SetFetch("https://old.dev", "old")
	c.SetSearch("old query", "old result")
	backdate(t, c, "fetch_cache")
	backdate(t, c, "search_cache")
	c.SetFetch("https://new.dev", "new")
	c.SetSearch("new query", "new result")

	c.purgeStale()

	if _, ok := c.GetFetch("https://old.dev"); ok {
		t.Error("stale fetch survived purge")
	}
	if _, ok := c.GetFetch("https://new.dev"); !ok {
		t.Error("fresh fetch purged")
	}
	if _, ok := c.GetSearch("old query"); ok {
		t.Error("stale search survived purge")
	}
	if _, ok := c.GetSearch("new query"); !ok {
		t.Error("fresh search purged")
	}
}

func TestDBExposesSharedHandleWithDeltaSchema(t *testing.T) {
	c := newCache(t, time.Hour)
	db := c.DB()
	if db == nil {
		t.Fatal("DB() returned nil")
	}
	// The undo journal shares this database; its table must exist.
	if _, err := db.Exec(
		`INSERT INTO file_deltas (session_id, turn_id, file_path, op, old_content, created)
		 VALUES ('s', 1, '/tmp/x', 'modify', NULL, strftime('%s','now'))`,
	); err != nil {
		t.Fatalf("file_deltas insert: %v", err)
	}
}
