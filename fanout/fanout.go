// Package fanout turns harvested documents into a multi-language snapshot.
//
// For every (document, passage, language) triple it reuses the translation
// cached in the previous snapshot when there is one, and otherwise queues a
// translation task. All tasks of a run are dispatched at once; the
// translator's own gate bounds how many actually run. Results are written
// back by position, so every language of a document has the same length and
// order as its source passages.
package fanout

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/minios-linux/quoteharvest/metrics"
	"github.com/minios-linux/quoteharvest/snapshot"
)

// Translator translates one passage. When the boolean is false the
// translation failed and text comes back unchanged; the translator reports
// the failure itself.
type Translator interface {
	TranslateOrKeep(ctx context.Context, text, target string) (string, bool)
}

// Options controls a Coordinator.
type Options struct {
	// SourceLang is the language of the harvested passages.
	SourceLang string
	// Languages are the target languages. SourceLang and duplicates are ignored.
	Languages []string
	// OnLog emits log messages.
	OnLog func(format string, args ...any)
}

func (o *Options) log(format string, args ...any) {
	if o.OnLog != nil {
		o.OnLog(format, args...)
	}
}

func (o *Options) sourceLang() string {
	if o.SourceLang != "" {
		return o.SourceLang
	}
	return snapshot.DefaultSourceLang
}

// targets returns the languages to translate into, in configured order.
func (o *Options) targets() []string {
	src := o.sourceLang()
	seen := map[string]bool{src: true}
	var out []string
	for _, lang := range o.Languages {
		lang = strings.TrimSpace(lang)
		if lang == "" || seen[lang] {
			continue
		}
		seen[lang] = true
		out = append(out, lang)
	}
	return out
}

// Report summarizes one run.
type Report struct {
	Documents  int
	Passages   int
	Hits       int
	Misses     int
	Tasks      int
	Translated int
	Failed     int

	// Deduplicated counts misses served by another task of the same run.
	Deduplicated int
}

// Coordinator merges cached and fresh translations into a snapshot.
type Coordinator struct {
	tr   Translator
	opts Options
}

// New returns a Coordinator translating through tr.
func New(tr Translator, opts Options) *Coordinator {
	return &Coordinator{tr: tr, opts: opts}
}

// task is one unique pending translation and the positions it fills.
type task struct {
	key   snapshot.Key
	slots []int
}

type result struct {
	text string
	ok   bool
}

// Run builds the snapshot for docs, reusing translations from prev (which
// may be nil or empty). It returns once every pending translation has
// finished; failed translations are stored as the source passage and
// recorded as untranslated.
func (c *Coordinator) Run(ctx context.Context, docs map[string][]string, prev *snapshot.Snapshot) (*snapshot.Snapshot, Report) {
	src := c.opts.sourceLang()
	out := snapshot.New(src)
	var rep Report

	names := make([]string, 0, len(docs))
	for doc := range docs {
		names = append(names, doc)
	}
	sort.Strings(names)

	for _, doc := range names {
		out.SetSource(doc, docs[doc])
		rep.Documents++
		rep.Passages += len(docs[doc])
	}

	var tasks []task
	pending := make(map[snapshot.Key]int)

	for _, lang := range c.opts.targets() {
		for _, doc := range names {
			passages := docs[doc]
			row := make([]string, len(passages))
			out.Set(lang, doc, row)

			for i, p := range passages {
				if strings.TrimSpace(p) == "" {
					row[i] = p
					continue
				}
				k := snapshot.Key{Document: doc, Passage: p, Lang: lang}
				if v, ok := prev.Lookup(k); ok {
					row[i] = v
					rep.Hits++
					continue
				}
				rep.Misses++
				if j, ok := pending[k]; ok {
					tasks[j].slots = append(tasks[j].slots, i)
					continue
				}
				pending[k] = len(tasks)
				tasks = append(tasks, task{key: k, slots: []int{i}})
			}
		}
	}

	metrics.CacheLookups.WithLabelValues("hit").Add(float64(rep.Hits))
	metrics.CacheLookups.WithLabelValues("miss").Add(float64(rep.Misses))
	rep.Tasks = len(tasks)
	rep.Deduplicated = rep.Misses - rep.Tasks
	if len(tasks) == 0 {
		return out, rep
	}

	c.opts.log("translating %d passages (%d cached)", len(tasks), rep.Hits)

	results := make([]result, len(tasks))
	var wg sync.WaitGroup
	for j := range tasks {
		wg.Add(1)
		go func(j int) {
			defer wg.Done()
			text, ok := c.tr.TranslateOrKeep(ctx, tasks[j].key.Passage, tasks[j].key.Lang)
			results[j] = result{text: text, ok: ok}
		}(j)
	}
	wg.Wait()

	for j, t := range tasks {
		text := results[j].text
		if !results[j].ok {
			text = t.key.Passage
			out.MarkUntranslated(t.key)
			rep.Failed++
		} else {
			rep.Translated++
		}
		row := out.Data[t.key.Lang][t.key.Document]
		for _, i := range t.slots {
			row[i] = text
		}
	}

	return out, rep
}
