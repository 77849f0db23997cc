package fanout

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/minios-linux/quoteharvest/snapshot"
	"github.com/minios-linux/quoteharvest/translate"
)

// fakeTranslator returns "<lang>:<text>" and fails for texts in fail.
type fakeTranslator struct {
	mu    sync.Mutex
	calls []snapshot.Key
	fail  map[string]bool
}

func (f *fakeTranslator) TranslateOrKeep(ctx context.Context, text, target string) (string, bool) {
	f.mu.Lock()
	f.calls = append(f.calls, snapshot.Key{Passage: text, Lang: target})
	f.mu.Unlock()
	if f.fail[text] {
		return text, false
	}
	return target + ":" + text, true
}

func (f *fakeTranslator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// ---------------------------------------------------------------------------
// Basic flow
// ---------------------------------------------------------------------------

func TestRunEndToEndExample(t *testing.T) {
	tr := &fakeTranslator{}
	c := New(tr, Options{SourceLang: "ru", Languages: []string{"en", "fr"}})

	docs := map[string][]string{"doc1": {"Привет", "Мир"}}
	out, rep := c.Run(context.Background(), docs, snapshot.New("ru"))

	if got := out.Data["ru"]["doc1"]; !reflect.DeepEqual(got, []string{"Привет", "Мир"}) {
		t.Errorf("ru = %v", got)
	}
	if got := out.Data["en"]["doc1"]; !reflect.DeepEqual(got, []string{"en:Привет", "en:Мир"}) {
		t.Errorf("en = %v", got)
	}
	if got := out.Data["fr"]["doc1"]; !reflect.DeepEqual(got, []string{"fr:Привет", "fr:Мир"}) {
		t.Errorf("fr = %v", got)
	}
	if tr.count() != 4 {
		t.Errorf("translation calls = %d, want 4", tr.count())
	}
	if rep.Tasks != 4 || rep.Translated != 4 || rep.Hits != 0 || rep.Failed != 0 {
		t.Errorf("report = %+v", rep)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	docs := map[string][]string{
		"doc1": {"один", "два", "три"},
		"doc2": {"четыре"},
	}
	opts := Options{SourceLang: "ru", Languages: []string{"en", "de", "es"}}

	first := &fakeTranslator{}
	out1, _ := New(first, opts).Run(context.Background(), docs, nil)

	second := &fakeTranslator{}
	out2, rep := New(second, opts).Run(context.Background(), docs, out1)

	if second.count() != 0 {
		t.Fatalf("second run issued %d translation calls, want 0", second.count())
	}
	if rep.Hits != 12 {
		t.Errorf("hits = %d, want 12", rep.Hits)
	}
	if !reflect.DeepEqual(out1.Data, out2.Data) {
		t.Fatalf("second run output differs:\n%v\n%v", out1.Data, out2.Data)
	}
}

func TestRunPreservesOrderAcrossHitsAndMisses(t *testing.T) {
	prev := snapshot.New("ru")
	prev.SetSource("doc", []string{"p1"})
	prev.Set("en", "doc", []string{"cached-p1"})

	tr := &fakeTranslator{}
	out, rep := New(tr, Options{SourceLang: "ru", Languages: []string{"en"}}).
		Run(context.Background(), map[string][]string{"doc": {"p0", "p1", "p2"}}, prev)

	want := []string{"en:p0", "cached-p1", "en:p2"}
	if got := out.Data["en"]["doc"]; !reflect.DeepEqual(got, want) {
		t.Fatalf("en = %v, want %v", got, want)
	}
	if rep.Hits != 1 || rep.Misses != 2 {
		t.Errorf("report = %+v", rep)
	}
}

func TestRunDeduplicatesWithinDocument(t *testing.T) {
	tr := &fakeTranslator{}
	docs := map[string][]string{
		"a": {"да", "нет", "да"},
		"b": {"да"},
	}
	out, rep := New(tr, Options{SourceLang: "ru", Languages: []string{"en"}}).Run(context.Background(), docs, nil)

	// "да" is translated once for a and once for b.
	if tr.count() != 3 {
		t.Fatalf("translation calls = %d, want 3", tr.count())
	}
	if got := out.Data["en"]["a"]; !reflect.DeepEqual(got, []string{"en:да", "en:нет", "en:да"}) {
		t.Errorf("a = %v", got)
	}
	if rep.Tasks != 3 || rep.Misses != 4 || rep.Deduplicated != 1 {
		t.Errorf("report = %+v", rep)
	}
}

func TestRunSkipsSourceAndDuplicateLanguages(t *testing.T) {
	tr := &fakeTranslator{}
	out, _ := New(tr, Options{SourceLang: "ru", Languages: []string{"en", "ru", "en", " "}}).
		Run(context.Background(), map[string][]string{"d": {"x"}}, nil)

	if tr.count() != 1 {
		t.Fatalf("translation calls = %d, want 1", tr.count())
	}
	if got := out.Languages(); !reflect.DeepEqual(got, []string{"en", "ru"}) {
		t.Fatalf("languages = %v", got)
	}
}

func TestRunWritesEmptyPassagesThrough(t *testing.T) {
	tr := &fakeTranslator{}
	out, _ := New(tr, Options{SourceLang: "ru", Languages: []string{"en"}}).
		Run(context.Background(), map[string][]string{"d": {"x", "  "}}, nil)

	if tr.count() != 1 {
		t.Fatalf("translation calls = %d, want 1", tr.count())
	}
	if got := out.Data["en"]["d"]; !reflect.DeepEqual(got, []string{"en:x", "  "}) {
		t.Fatalf("en = %v", got)
	}
}

// ---------------------------------------------------------------------------
// Failure handling
// ---------------------------------------------------------------------------

func TestRunDegradesFailedPassage(t *testing.T) {
	tr := &fakeTranslator{fail: map[string]bool{"плохо": true}}
	c := New(tr, Options{SourceLang: "ru", Languages: []string{"en"}})

	out, rep := c.Run(context.Background(), map[string][]string{"d": {"хорошо", "плохо", "отлично"}}, nil)

	want := []string{"en:хорошо", "плохо", "en:отлично"}
	if got := out.Data["en"]["d"]; !reflect.DeepEqual(got, want) {
		t.Fatalf("en = %v, want %v", got, want)
	}
	if rep.Failed != 1 || rep.Translated != 2 {
		t.Errorf("report = %+v", rep)
	}
	wantUntranslated := []snapshot.Key{{Document: "d", Passage: "плохо", Lang: "en"}}
	if !reflect.DeepEqual(out.Untranslated, wantUntranslated) {
		t.Errorf("untranslated = %v, want %v", out.Untranslated, wantUntranslated)
	}

	// The failed passage is retried on the next run; the others are reused.
	retry := &fakeTranslator{}
	out2, rep2 := New(retry, Options{SourceLang: "ru", Languages: []string{"en"}}).
		Run(context.Background(), map[string][]string{"d": {"хорошо", "плохо", "отлично"}}, out)

	if retry.count() != 1 || retry.calls[0].Passage != "плохо" {
		t.Fatalf("retry calls = %v, want only плохо", retry.calls)
	}
	if rep2.Hits != 2 {
		t.Errorf("retry hits = %d, want 2", rep2.Hits)
	}
	if got := out2.Data["en"]["d"][1]; got != "en:плохо" {
		t.Errorf("retried passage = %q", got)
	}
	if len(out2.Untranslated) != 0 {
		t.Errorf("untranslated after successful retry = %v", out2.Untranslated)
	}
}

// ---------------------------------------------------------------------------
// Concurrency with the real client
// ---------------------------------------------------------------------------

func TestRunBoundsConcurrencyThroughClient(t *testing.T) {
	const k = 5
	var cur, peak, total atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := cur.Add(1)
		defer cur.Add(-1)
		total.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		_ = r.ParseForm()
		if r.PostForm.Get("q") == "сбой" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprintf(w, `{"translatedText": %q}`, r.PostForm.Get("target")+":"+r.PostForm.Get("q"))
	}))
	defer srv.Close()

	docs := make(map[string][]string)
	for d := 0; d < 6; d++ {
		var ps []string
		for p := 0; p < 5; p++ {
			ps = append(ps, fmt.Sprintf("цитата %d-%d", d, p))
		}
		docs[fmt.Sprintf("https://example.org/%d", d)] = ps
	}
	docs["https://example.org/bad"] = []string{"сбой", "норма"}

	var mu sync.Mutex
	var logged []string
	client := translate.NewClient(translate.NewGate(k), translate.Options{
		Endpoint: srv.URL,
		OnError: func(format string, args ...any) {
			mu.Lock()
			logged = append(logged, fmt.Sprintf(format, args...))
			mu.Unlock()
		},
	})
	c := New(client, Options{SourceLang: "ru", Languages: []string{"en", "fr", "de", "es"}})
	out, rep := c.Run(context.Background(), docs, nil)

	if got := peak.Load(); got > k {
		t.Fatalf("backend saw %d concurrent requests, cap is %d", got, k)
	}
	if got, want := int(total.Load()), (6*5+2)*4; got != want {
		t.Fatalf("requests = %d, want %d", got, want)
	}
	if rep.Failed != 4 {
		t.Errorf("failed = %d, want 4", rep.Failed)
	}
	if len(logged) != 4 {
		t.Errorf("client logged %d failures, want 4", len(logged))
	}
	for _, lang := range []string{"en", "fr", "de", "es"} {
		got := out.Data[lang]["https://example.org/bad"]
		want := []string{"сбой", lang + ":норма"}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("%s bad doc = %v, want %v", lang, got, want)
		}
	}
}
