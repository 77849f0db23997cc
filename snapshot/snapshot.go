// Package snapshot implements the translation cache: a timestamped record
// of every harvested passage and its translations, grouped by language and
// document. A snapshot is valid as a whole for a fixed TTL; there is no
// per-entry expiry. Only passages that are new (or whose previous
// translation failed) are sent to the translation backend while the
// snapshot is valid.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultTTL is how long a snapshot stays usable after it was written.
const DefaultTTL = 24 * time.Hour

// ClockSkew is how far in the future a snapshot timestamp may lie before
// the snapshot is treated as corrupt.
const ClockSkew = 5 * time.Minute

// DefaultSourceLang is the language passages are harvested in.
const DefaultSourceLang = "ru"

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

// Cache failure kinds. Load always returns a usable (possibly empty)
// snapshot alongside one of these so the caller decides how loud to be.
var (
	ErrNotFound = errors.New("snapshot not found")
	ErrCorrupt  = errors.New("snapshot corrupt")
	ErrExpired  = errors.New("snapshot expired")
)

// ---------------------------------------------------------------------------
// Types
// ---------------------------------------------------------------------------

// Key identifies one cached translation.
type Key struct {
	Document string `json:"document"`
	Passage  string `json:"passage"`
	Lang     string `json:"lang"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s [%s] %q", k.Document, k.Lang, k.Passage)
}

// Snapshot is the persisted result of one harvest.
type Snapshot struct {
	// Timestamp is when the snapshot was last saved.
	Timestamp time.Time
	// SourceLang is the language whose passages were harvested. Not persisted.
	SourceLang string
	// Data maps language -> document -> passages. Data[SourceLang] holds the
	// original passages; every other language is positionally aligned with it.
	Data map[string]map[string][]string
	// Untranslated lists keys whose translation failed and were stored as
	// the source text. They are never served as cache hits.
	Untranslated []Key

	once  sync.Once
	index map[Key]string
}

// New returns an empty snapshot for the given source language.
func New(sourceLang string) *Snapshot {
	if sourceLang == "" {
		sourceLang = DefaultSourceLang
	}
	return &Snapshot{
		SourceLang: sourceLang,
		Data: map[string]map[string][]string{
			sourceLang: {},
		},
	}
}

// ---------------------------------------------------------------------------
// Mutation
// ---------------------------------------------------------------------------

// SetSource stores the original passages of a document.
func (s *Snapshot) SetSource(doc string, passages []string) {
	s.Set(s.SourceLang, doc, append([]string(nil), passages...))
}

// Set stores the passages of a document for a language.
func (s *Snapshot) Set(lang, doc string, passages []string) {
	if s.Data == nil {
		s.Data = make(map[string]map[string][]string)
	}
	if s.Data[lang] == nil {
		s.Data[lang] = make(map[string][]string)
	}
	s.Data[lang][doc] = passages
}

// MarkUntranslated records that the translation for k failed.
func (s *Snapshot) MarkUntranslated(k Key) {
	s.Untranslated = append(s.Untranslated, k)
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// buildIndex derives the key -> translation map from the positional layout.
// Documents whose translated sequence is not aligned with the source
// sequence are skipped.
func (s *Snapshot) buildIndex() {
	s.index = make(map[Key]string)
	failed := make(map[Key]bool, len(s.Untranslated))
	for _, k := range s.Untranslated {
		failed[k] = true
	}

	sources := s.Data[s.SourceLang]
	for lang, docs := range s.Data {
		if lang == s.SourceLang {
			continue
		}
		for doc, translated := range docs {
			src, ok := sources[doc]
			if !ok || len(src) != len(translated) {
				continue
			}
			for i, passage := range src {
				k := Key{Document: doc, Passage: passage, Lang: lang}
				if failed[k] {
					continue
				}
				s.index[k] = translated[i]
			}
		}
	}
}

// Lookup returns the cached translation for k. The lookup index is built
// on first use; later calls to Set are not reflected.
func (s *Snapshot) Lookup(k Key) (string, bool) {
	if s == nil {
		return "", false
	}
	s.once.Do(s.buildIndex)
	v, ok := s.index[k]
	return v, ok
}

// Documents returns the source passages of every document.
func (s *Snapshot) Documents() map[string][]string {
	out := make(map[string][]string, len(s.Data[s.SourceLang]))
	for doc, passages := range s.Data[s.SourceLang] {
		out[doc] = append([]string(nil), passages...)
	}
	return out
}

// Languages returns the sorted language codes present in the snapshot.
func (s *Snapshot) Languages() []string {
	langs := make([]string, 0, len(s.Data))
	for lang := range s.Data {
		langs = append(langs, lang)
	}
	sort.Strings(langs)
	return langs
}

// Empty reports whether the snapshot holds no documents at all.
func (s *Snapshot) Empty() bool {
	for _, docs := range s.Data {
		if len(docs) > 0 {
			return false
		}
	}
	return true
}

// Age returns how long ago the snapshot was saved.
func (s *Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.Timestamp)
}

// Valid reports whether the snapshot is still usable at now. A timestamp
// more than ClockSkew ahead of now is never valid.
func (s *Snapshot) Valid(now time.Time, ttl time.Duration) bool {
	age := now.Sub(s.Timestamp)
	return age >= -ClockSkew && age < ttl
}

// LangStats summarizes one language of a snapshot.
type LangStats struct {
	Lang         string
	Documents    int
	Passages     int
	Untranslated int
}

// Stats returns per-language counts, sorted by language code.
func (s *Snapshot) Stats() []LangStats {
	failed := make(map[string]int)
	for _, k := range s.Untranslated {
		failed[k.Lang]++
	}

	var out []LangStats
	for _, lang := range s.Languages() {
		st := LangStats{Lang: lang, Documents: len(s.Data[lang]), Untranslated: failed[lang]}
		for _, passages := range s.Data[lang] {
			st.Passages += len(passages)
		}
		out = append(out, st)
	}
	return out
}

// Random picks a passage for lang using intn (which must behave like
// rand.IntN). An empty lang or "any" picks across all languages.
func (s *Snapshot) Random(lang string, intn func(int) int) (string, bool) {
	var langs []string
	if lang == "" || lang == "any" {
		langs = s.Languages()
	} else {
		langs = []string{lang}
	}

	var pool []string
	for _, l := range langs {
		docs := s.Data[l]
		names := make([]string, 0, len(docs))
		for doc := range docs {
			names = append(names, doc)
		}
		sort.Strings(names)
		for _, doc := range names {
			for _, p := range docs[doc] {
				if strings.TrimSpace(p) != "" {
					pool = append(pool, p)
				}
			}
		}
	}
	if len(pool) == 0 {
		return "", false
	}
	return pool[intn(len(pool))], true
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

// record is the on-disk shape of a snapshot.
type record struct {
	Timestamp    *string                        `json:"timestamp"`
	Data         map[string]map[string][]string `json:"data"`
	Untranslated []Key                          `json:"untranslated,omitempty"`
}

// naiveISO is the timestamp layout written by tools that omit the zone.
const naiveISO = "2006-01-02T15:04:05.999999999"

func parseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.ParseInLocation(naiveISO, s, time.Local)
}

// Encode serializes the snapshot with its current Timestamp.
func Encode(s *Snapshot) ([]byte, error) {
	ts := s.Timestamp.Format(time.RFC3339Nano)
	data := s.Data
	if data == nil {
		data = map[string]map[string][]string{}
	}
	rec := record{Timestamp: &ts, Data: data, Untranslated: s.Untranslated}

	var b strings.Builder
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rec); err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	return []byte(b.String()), nil
}

// Decode parses a serialized snapshot and checks it against ttl at now.
// On any failure it returns an empty snapshot and an error wrapping
// ErrCorrupt or ErrExpired.
func Decode(raw []byte, sourceLang string, now time.Time, ttl time.Duration) (*Snapshot, error) {
	empty := New(sourceLang)

	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return empty, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if rec.Timestamp == nil {
		return empty, fmt.Errorf("%w: missing timestamp", ErrCorrupt)
	}
	if rec.Data == nil {
		return empty, fmt.Errorf("%w: missing data", ErrCorrupt)
	}
	ts, err := parseTimestamp(*rec.Timestamp)
	if err != nil {
		return empty, fmt.Errorf("%w: bad timestamp %q", ErrCorrupt, *rec.Timestamp)
	}
	if ts.After(now.Add(ClockSkew)) {
		return empty, fmt.Errorf("%w: timestamp %s is in the future", ErrCorrupt, *rec.Timestamp)
	}

	s := New(sourceLang)
	s.Timestamp = ts
	if !s.Valid(now, ttl) {
		return empty, fmt.Errorf("%w: saved %s ago", ErrExpired, s.Age(now).Round(time.Second))
	}
	for lang, docs := range rec.Data {
		if docs == nil {
			docs = map[string][]string{}
		}
		s.Data[lang] = docs
	}
	s.Untranslated = rec.Untranslated
	return s, nil
}
