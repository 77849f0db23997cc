package snapshot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

var baseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func sample() *Snapshot {
	s := New("ru")
	s.SetSource("doc1", []string{"Привет", "Мир"})
	s.Set("en", "doc1", []string{"Hello", "World"})
	s.Set("fr", "doc1", []string{"Bonjour", "Monde"})
	return s
}

// ---------------------------------------------------------------------------
// Lookup
// ---------------------------------------------------------------------------

func TestLookup(t *testing.T) {
	s := sample()

	if got, ok := s.Lookup(Key{Document: "doc1", Passage: "Мир", Lang: "en"}); !ok || got != "World" {
		t.Errorf("Lookup(doc1, Мир, en) = %q, %v; want World, true", got, ok)
	}
	if _, ok := s.Lookup(Key{Document: "doc2", Passage: "Мир", Lang: "en"}); ok {
		t.Error("same passage in another document must not hit")
	}
	if _, ok := s.Lookup(Key{Document: "doc1", Passage: "Мир", Lang: "de"}); ok {
		t.Error("missing language must not hit")
	}
}

func TestLookupSkipsMisalignedAndUntranslated(t *testing.T) {
	s := New("ru")
	s.SetSource("doc1", []string{"а", "б"})
	s.Set("en", "doc1", []string{"a"})
	s.SetSource("doc2", []string{"в"})
	s.Set("en", "doc2", []string{"в"})
	s.MarkUntranslated(Key{Document: "doc2", Passage: "в", Lang: "en"})

	if _, ok := s.Lookup(Key{Document: "doc1", Passage: "а", Lang: "en"}); ok {
		t.Error("misaligned document must not hit")
	}
	if _, ok := s.Lookup(Key{Document: "doc2", Passage: "в", Lang: "en"}); ok {
		t.Error("untranslated key must not hit")
	}
}

func TestLookupNilSnapshot(t *testing.T) {
	var s *Snapshot
	if _, ok := s.Lookup(Key{Document: "d", Passage: "p", Lang: "en"}); ok {
		t.Error("nil snapshot must miss")
	}
}

// ---------------------------------------------------------------------------
// Encode / Decode
// ---------------------------------------------------------------------------

func TestDecodeExpiryBoundary(t *testing.T) {
	ttl := DefaultTTL
	tests := []struct {
		name    string
		age     time.Duration
		wantErr error
	}{
		{"one second before expiry", ttl - time.Second, nil},
		{"exactly at expiry", ttl, ErrExpired},
		{"one second after expiry", ttl + time.Second, ErrExpired},
		{"slightly in the future", -time.Minute, nil},
		{"far in the future", -time.Hour, ErrCorrupt},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := sample()
			s.Timestamp = baseTime.Add(-tc.age)
			raw, err := Encode(s)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}

			got, err := Decode(raw, "ru", baseTime, ttl)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("Decode error = %v, want %v", err, tc.wantErr)
			}
			if tc.wantErr != nil {
				if !got.Empty() {
					t.Fatalf("rejected snapshot should decode empty, got %v", got.Data)
				}
				return
			}
			if v, ok := got.Lookup(Key{Document: "doc1", Passage: "Привет", Lang: "fr"}); !ok || v != "Bonjour" {
				t.Fatalf("Lookup after decode = %q, %v", v, ok)
			}
		})
	}
}

func TestValidRejectsFutureTimestamp(t *testing.T) {
	s := sample()
	s.Timestamp = baseTime.Add(ClockSkew + time.Second)
	if s.Valid(baseTime, NoExpiry) {
		t.Fatalf("snapshot saved %s ahead of now should not be valid", ClockSkew+time.Second)
	}
	s.Timestamp = baseTime.Add(ClockSkew)
	if !s.Valid(baseTime, DefaultTTL) {
		t.Fatalf("snapshot within clock skew should be valid")
	}
}

func TestDecodeCorrupt(t *testing.T) {
	tests := map[string]string{
		"not json":          "{",
		"missing timestamp": `{"data": {}}`,
		"missing data":      `{"timestamp": "2024-05-01T12:00:00Z"}`,
		"bad timestamp":     `{"timestamp": "yesterday", "data": {}}`,
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			s, err := Decode([]byte(raw), "ru", baseTime, DefaultTTL)
			if !errors.Is(err, ErrCorrupt) {
				t.Fatalf("error = %v, want ErrCorrupt", err)
			}
			if s == nil || !s.Empty() {
				t.Fatalf("corrupt input should yield an empty snapshot")
			}
		})
	}
}

func TestDecodeNaiveTimestamp(t *testing.T) {
	ts := baseTime.In(time.Local).Add(-time.Hour).Format("2006-01-02T15:04:05.000000")
	raw := `{"timestamp": "` + ts + `", "data": {"ru": {"d": ["x"]}, "en": {"d": ["y"]}}}`

	s, err := Decode([]byte(raw), "ru", baseTime, DefaultTTL)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if v, ok := s.Lookup(Key{Document: "d", Passage: "x", Lang: "en"}); !ok || v != "y" {
		t.Fatalf("Lookup = %q, %v", v, ok)
	}
}

func TestEncodeKeepsUTF8(t *testing.T) {
	s := sample()
	s.Timestamp = baseTime
	raw, err := Encode(s)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(string(raw), "Привет") {
		t.Errorf("encoded snapshot should contain raw UTF-8, got:\n%s", raw)
	}
	if strings.Contains(string(raw), "untranslated") {
		t.Errorf("empty untranslated list should be omitted")
	}
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

func TestStats(t *testing.T) {
	s := sample()
	s.MarkUntranslated(Key{Document: "doc1", Passage: "Мир", Lang: "fr"})

	want := []LangStats{
		{Lang: "en", Documents: 1, Passages: 2},
		{Lang: "fr", Documents: 1, Passages: 2, Untranslated: 1},
		{Lang: "ru", Documents: 1, Passages: 2},
	}
	if got := s.Stats(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Stats() = %+v, want %+v", got, want)
	}
}

func TestRandom(t *testing.T) {
	s := sample()

	got, ok := s.Random("en", func(n int) int { return n - 1 })
	if !ok || got != "World" {
		t.Errorf("Random(en, last) = %q, %v; want World", got, ok)
	}

	got, ok = s.Random("any", func(int) int { return 0 })
	if !ok || got != "Hello" {
		t.Errorf("Random(any, first) = %q, %v; want Hello", got, ok)
	}

	if _, ok := s.Random("de", func(int) int { return 0 }); ok {
		t.Error("Random for an absent language should report false")
	}
}

// ---------------------------------------------------------------------------
// FileStore
// ---------------------------------------------------------------------------

func TestFileStoreLoadMissing(t *testing.T) {
	fs := NewFileStore(filepath.Join(t.TempDir(), DefaultFileName), Options{})
	s, err := fs.Load(context.Background())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load error = %v, want ErrNotFound", err)
	}
	if !IsSoftFailure(err) {
		t.Fatalf("missing file should be a soft failure")
	}
	if s == nil || !s.Empty() {
		t.Fatalf("missing file should yield an empty snapshot")
	}
}

func TestFileStoreSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", DefaultFileName)
	fs := NewFileStore(path, Options{Now: fixedClock(baseTime)})

	s := sample()
	s.MarkUntranslated(Key{Document: "doc1", Passage: "Мир", Lang: "fr"})
	if err := fs.Save(context.Background(), s); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !s.Timestamp.Equal(baseTime) {
		t.Errorf("Save should stamp the snapshot, got %v", s.Timestamp)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the snapshot file, found %d entries", len(entries))
	}

	later := NewFileStore(path, Options{Now: fixedClock(baseTime.Add(time.Hour))})
	got, err := later.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(got.Data, s.Data) {
		t.Errorf("Data = %v, want %v", got.Data, s.Data)
	}
	if len(got.Untranslated) != 1 {
		t.Errorf("Untranslated = %v, want 1 entry", got.Untranslated)
	}
	if _, ok := got.Lookup(Key{Document: "doc1", Passage: "Мир", Lang: "fr"}); ok {
		t.Error("untranslated entry must not survive as a cache hit")
	}
}

func TestFileStoreExpiredIsRemoved(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	if err := NewFileStore(path, Options{Now: fixedClock(baseTime)}).Save(context.Background(), sample()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	fs := NewFileStore(path, Options{Now: fixedClock(baseTime.Add(DefaultTTL + time.Second))})
	s, err := fs.Load(context.Background())
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("Load error = %v, want ErrExpired", err)
	}
	if !s.Empty() {
		t.Fatalf("expired snapshot should load empty")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expired snapshot file should be removed, stat err = %v", err)
	}
}

func TestFileStoreReaderKeepsExpiredSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	if err := NewFileStore(path, Options{Now: fixedClock(baseTime)}).Save(context.Background(), sample()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reader := NewFileStore(path, ReaderOptions(Options{Now: fixedClock(baseTime.Add(30 * 24 * time.Hour))}))
	s, err := reader.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := s.Data["en"]["doc1"]; !reflect.DeepEqual(got, []string{"Hello", "World"}) {
		t.Errorf("en = %v", got)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("snapshot file should survive a reader load: %v", err)
	}
}

func TestFileStoreCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	if err := os.WriteFile(path, []byte(`{"timestamp": "2024-05-01T12:00:00Z", "data": `), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	s, err := NewFileStore(path, Options{Now: fixedClock(baseTime)}).Load(context.Background())
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("Load error = %v, want ErrCorrupt", err)
	}
	if !s.Empty() {
		t.Fatalf("corrupt file should load empty")
	}
}

func TestOpenSelectsBackend(t *testing.T) {
	dir := t.TempDir()

	st, err := Open(filepath.Join(dir, "q.json"), Options{})
	if err != nil {
		t.Fatalf("Open(file): %v", err)
	}
	if _, ok := st.(*FileStore); !ok {
		t.Errorf("Open(file) = %T, want *FileStore", st)
	}

	st, err = Open("sqlite://"+filepath.Join(dir, "q.db"), Options{})
	if err != nil {
		t.Fatalf("Open(sqlite): %v", err)
	}
	defer st.Close()
	if _, ok := st.(*SQLiteStore); !ok {
		t.Errorf("Open(sqlite) = %T, want *SQLiteStore", st)
	}
}
