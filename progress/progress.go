// Package progress provides the progress indicators shown while feeds and
// episodes transfer.
//
// Worker goroutines never touch bar state directly. Every call on a Registry
// or Bar becomes a message on one channel, consumed by a single goroutine that
// owns the bars and the output. Events from one sender are applied in order.
package progress

import (
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattn/go-isatty"
)

const (
	eventBuffer     = 1024
	defaultInterval = 100 * time.Millisecond
)

// BarState is a point-in-time view of one indicator.
type BarState struct {
	ID      int64
	Label   string
	Total   int64
	Current int64
	Done    bool
	Err     error
}

// Percent returns completion in [0, 1]. Finished bars are always complete.
func (s BarState) Percent() float64 {
	if s.Done && s.Err == nil {
		return 1
	}
	if s.Total <= 0 {
		return 0
	}
	p := float64(s.Current) / float64(s.Total)
	if p > 1 {
		p = 1
	}
	return p
}

// Renderer draws bar states. It is only ever called from the registry's
// own goroutine.
type Renderer interface {
	Render(bars []BarState, final bool)
}

type eventKind int

const (
	evRegister eventKind = iota
	evAdvance
	evReset
	evFinish
	evSnapshot
)

type event struct {
	kind  eventKind
	id    int64
	label string
	total int64
	delta int64
	err   error
	reply chan []BarState
}

// Registry is a collection of named progress indicators.
type Registry struct {
	events   chan event
	done     chan struct{}
	renderer Renderer
	interval time.Duration
	nextID   atomic.Int64
	once     sync.Once

	// owned by run
	bars  []*BarState
	index map[int64]*BarState
	final []BarState
}

// New creates a registry that draws to w. Terminals get animated bars,
// anything else gets one line per finished indicator.
func New(w io.Writer) *Registry {
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		return NewWithRenderer(NewTerminalRenderer(w))
	}
	return NewWithRenderer(NewLineRenderer(w))
}

// NewWithRenderer creates a registry using a custom renderer. A nil renderer
// discards all output.
func NewWithRenderer(renderer Renderer) *Registry {
	if renderer == nil {
		renderer = nopRenderer{}
	}
	r := &Registry{
		events:   make(chan event, eventBuffer),
		done:     make(chan struct{}),
		renderer: renderer,
		interval: defaultInterval,
		index:    make(map[int64]*BarState),
	}
	go r.run()
	return r
}

// Acquire registers a new indicator. Totals below 1 are clamped to 1 so a bar
// of unknown size still reaches completion.
func (r *Registry) Acquire(total int64, label string) *Bar {
	if total < 1 {
		total = 1
	}
	id := r.nextID.Add(1)
	r.events <- event{kind: evRegister, id: id, label: label, total: total}
	return &Bar{id: id, r: r}
}

// Snapshot returns the state of every indicator, in registration order. It
// reflects every event the caller sent before it. After Close it returns the
// final state.
func (r *Registry) Snapshot() []BarState {
	select {
	case <-r.done:
		return r.final
	default:
	}
	reply := make(chan []BarState, 1)
	r.events <- event{kind: evSnapshot, reply: reply}
	return <-reply
}

// Close performs a final draw and stops the renderer. No Bar may be used
// after Close.
func (r *Registry) Close() {
	r.once.Do(func() {
		close(r.events)
		<-r.done
	})
}

func (r *Registry) run() {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	dirty := false
	for {
		select {
		case ev, ok := <-r.events:
			if !ok {
				r.final = r.snapshot()
				r.renderer.Render(r.final, true)
				return
			}
			if ev.kind == evSnapshot {
				ev.reply <- r.snapshot()
				continue
			}
			r.apply(ev)
			dirty = true
		case <-ticker.C:
			if dirty {
				r.renderer.Render(r.snapshot(), false)
				dirty = false
			}
		}
	}
}

func (r *Registry) apply(ev event) {
	if ev.kind == evRegister {
		bar := &BarState{ID: ev.id, Label: ev.label, Total: ev.total}
		r.bars = append(r.bars, bar)
		r.index[ev.id] = bar
		return
	}

	bar, ok := r.index[ev.id]
	if !ok {
		return
	}
	switch ev.kind {
	case evAdvance:
		bar.Current += ev.delta
	case evReset:
		bar.Current = 0
	case evFinish:
		bar.Done = true
		bar.Err = ev.err
	}
}

func (r *Registry) snapshot() []BarState {
	out := make([]BarState, len(r.bars))
	for i, b := range r.bars {
		out[i] = *b
	}
	return out
}

// Bar is a handle to one indicator.
type Bar struct {
	id int64
	r  *Registry
}

// ID returns the indicator's registry ID.
func (b *Bar) ID() int64 {
	return b.id
}

// Advance adds n units to the indicator.
func (b *Bar) Advance(n int) {
	b.r.events <- event{kind: evAdvance, id: b.id, delta: int64(n)}
}

// Reset sets the indicator back to zero, e.g. before a retry.
func (b *Bar) Reset() {
	b.r.events <- event{kind: evReset, id: b.id}
}

// Finish marks the indicator complete, or failed when err is non-nil.
func (b *Bar) Finish(err error) {
	b.r.events <- event{kind: evFinish, id: b.id, err: err}
}

type nopRenderer struct{}

func (nopRenderer) Render([]BarState, bool) {}
