// Package pipeline runs harvest cycles: fetch documents, translate them
// against the cached snapshot, persist the result, sleep, repeat.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/minios-linux/quoteharvest/fanout"
	"github.com/minios-linux/quoteharvest/metrics"
	"github.com/minios-linux/quoteharvest/snapshot"
)

// State is the position of a pipeline in its cycle.
type State int

const (
	Idle State = iota
	Fetching
	Translating
	Persisting
	Sleeping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Fetching:
		return "fetching"
	case Translating:
		return "translating"
	case Persisting:
		return "persisting"
	case Sleeping:
		return "sleeping"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Harvester fetches source documents. A non-nil error means nothing
// usable was fetched.
type Harvester interface {
	Harvest(ctx context.Context, indexURL string, n int) (map[string][]string, error)
}

// Fanout turns documents into a snapshot, reusing prev.
type Fanout interface {
	Run(ctx context.Context, docs map[string][]string, prev *snapshot.Snapshot) (*snapshot.Snapshot, fanout.Report)
}

// Options controls a Pipeline.
type Options struct {
	// TopicURL is the index page handed to the Harvester.
	TopicURL string
	// Documents is how many documents to sample per cycle.
	Documents int
	// Interval is the sleep between cycles in Run.
	Interval time.Duration
	// OnLog emits log messages.
	OnLog func(format string, args ...any)
	// OnError emits error messages.
	OnError func(format string, args ...any)
	// OnState is called on every state transition.
	OnState func(State)
	// OnCycle is called with the result of every completed cycle.
	OnCycle func(CycleResult)
}

func (o *Options) log(format string, args ...any) {
	if o.OnLog != nil {
		o.OnLog(format, args...)
	}
}

func (o *Options) logError(format string, args ...any) {
	if o.OnError != nil {
		o.OnError(format, args...)
	} else if o.OnLog != nil {
		o.OnLog(format, args...)
	}
}

// CycleResult describes one RunOnce.
type CycleResult struct {
	// Documents is the number of documents in the produced snapshot.
	Documents int
	// CarriedForward is set when the fetch came back empty and the cached
	// documents were reused.
	CarriedForward bool
	FetchErr       error
	SaveErr        error
	// Interrupted is set when ctx was cancelled before persisting.
	Interrupted bool
	Report      fanout.Report
	Snapshot    *snapshot.Snapshot
	Duration    time.Duration
}

// Outcome names the result for the cycles metric.
func (r CycleResult) Outcome() string {
	switch {
	case r.Interrupted:
		return "interrupted"
	case r.SaveErr != nil:
		return "save_failed"
	case r.FetchErr != nil:
		return "fetch_failed"
	default:
		return "ok"
	}
}

// Pipeline owns the collaborators of a harvest cycle.
type Pipeline struct {
	harvester Harvester
	store     snapshot.Store
	fan       Fanout
	opts      Options

	mu    sync.Mutex
	state State
}

// New returns an idle Pipeline.
func New(h Harvester, store snapshot.Store, fan Fanout, opts Options) *Pipeline {
	return &Pipeline{harvester: h, store: store, fan: fan, opts: opts}
}

// State returns the current state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
	if p.opts.OnState != nil {
		p.opts.OnState(s)
	}
}

// RunOnce performs a single cycle. Fetch, load and save failures are
// logged and reported in the result; none of them stops the cycle.
func (p *Pipeline) RunOnce(ctx context.Context) CycleResult {
	start := time.Now()
	var res CycleResult

	p.setState(Fetching)
	p.opts.log("fetching up to %d documents from %s", p.opts.Documents, p.opts.TopicURL)
	docs, err := p.harvester.Harvest(ctx, p.opts.TopicURL, p.opts.Documents)
	if err != nil {
		p.opts.logError("fetch failed: %v", err)
		res.FetchErr = err
		docs = nil
	}

	prev, err := p.store.Load(ctx)
	switch {
	case err == nil:
	case errors.Is(err, snapshot.ErrNotFound):
		p.opts.log("no cached snapshot at %s, starting empty", p.store.Location())
	default:
		p.opts.logError("cached snapshot unusable: %v", err)
	}
	if prev == nil {
		prev = snapshot.New("")
	}

	if len(docs) == 0 {
		docs = prev.Documents()
		if len(docs) > 0 {
			res.CarriedForward = true
			p.opts.log("no documents fetched, reusing %d cached documents", len(docs))
		}
	} else {
		p.opts.log("fetched %d documents", len(docs))
	}

	p.setState(Translating)
	out, rep := p.fan.Run(ctx, docs, prev)
	res.Report = rep
	res.Snapshot = out
	res.Documents = rep.Documents
	p.opts.log("translated %d passages, %d cached, %d failed", rep.Translated, rep.Hits, rep.Failed)

	if ctx.Err() != nil {
		res.Interrupted = true
		p.opts.logError("cycle interrupted, snapshot not saved")
	} else {
		p.setState(Persisting)
		if err := p.store.Save(ctx, out); err != nil {
			res.SaveErr = err
			p.opts.logError("saving snapshot failed: %v", err)
		} else {
			p.opts.log("snapshot saved to %s", p.store.Location())
			for _, st := range out.Stats() {
				metrics.SnapshotPassages.WithLabelValues(st.Lang).Set(float64(st.Passages))
			}
		}
	}

	res.Duration = time.Since(start)
	metrics.Cycles.WithLabelValues(res.Outcome()).Inc()
	metrics.LastCycle.SetToCurrentTime()
	if p.opts.OnCycle != nil {
		p.opts.OnCycle(res)
	}
	return res
}

// Run repeats RunOnce, sleeping Interval between cycles, until ctx is
// cancelled. Cancellation interrupts the sleep immediately.
func (p *Pipeline) Run(ctx context.Context) {
	defer p.setState(Idle)

	interval := p.opts.Interval
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	for {
		p.RunOnce(ctx)
		if ctx.Err() != nil {
			return
		}

		p.setState(Sleeping)
		p.opts.log("next harvest in %s", interval)
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}
