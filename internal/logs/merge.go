package logs

import (
	"context"
	"sort"
)

// Merge performs a k-way timestamp merge over a fixed set of sources,
// each a channel of ascending-timestamp Lines closed when exhausted. The
// earliest pending line across all open sources is emitted on the
// returned channel; ties are broken by source name for determinism
// (spec.md §4.7 "k-way timestamp merge... earliest pending ts across all
// open sources").
func Merge(ctx context.Context, sources map[string]<-chan Line) <-chan Line {
	out := make(chan Line)
	go func() {
		defer close(out)
		open := make(map[string]<-chan Line, len(sources))
		for name, ch := range sources {
			open[name] = ch
		}
		pending := map[string]Line{}

		fill := func(name string) bool {
			ch := open[name]
			select {
			case l, ok := <-ch:
				if !ok {
					delete(open, name)
					return false
				}
				pending[name] = l
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			for name := range open {
				if _, ok := pending[name]; !ok {
					fill(name)
				}
			}
			if len(pending) == 0 {
				return
			}

			bestName, best := earliest(pending)
			select {
			case out <- best:
				delete(pending, bestName)
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func earliest(pending map[string]Line) (string, Line) {
	names := make([]string, 0, len(pending))
	for n := range pending {
		names = append(names, n)
	}
	sort.Strings(names)

	bestName := names[0]
	best := pending[bestName]
	for _, n := range names[1:] {
		if pending[n].Timestamp.Before(best.Timestamp) {
			best = pending[n]
			bestName = n
		}
	}
	return bestName, best
}

// namedSource is one registration sent to a LiveMerger.
type namedSource struct {
	name string
	ch   <-chan Line
}

type taggedLine struct {
	name string
	line Line
	ok   bool
}

// LiveMerger is Merge generalized for follow mode: sources may be
// registered after construction (a sidecar or worker container starting
// mid-stream), and the merger blocks on an empty source until it yields
// a line or closes, rather than assuming a fixed source set (spec.md
// §4.7 "a live merger additionally accepts sources appearing mid-stream
// and blocks on empty sources until one yields or all close").
type LiveMerger struct {
	add chan namedSource
	in  chan taggedLine
	out chan Line
}

// NewLiveMerger starts the merge loop; call AddSource for each source as
// it becomes available and read Out until it closes.
func NewLiveMerger(ctx context.Context) *LiveMerger {
	m := &LiveMerger{
		add: make(chan namedSource),
		in:  make(chan taggedLine),
		out: make(chan Line),
	}
	go m.run(ctx)
	return m
}

// AddSource registers a new source. Safe to call after Out has begun
// being read.
func (m *LiveMerger) AddSource(name string, ch <-chan Line) {
	m.add <- namedSource{name: name, ch: ch}
}

// Out is the merged, ascending-timestamp output stream. It is closed when
// ctx is cancelled; it stays open after every registered source has
// closed, waiting for a further AddSource.
func (m *LiveMerger) Out() <-chan Line { return m.out }

func (m *LiveMerger) run(ctx context.Context) {
	defer close(m.out)
	open := map[string]bool{}
	pending := map[string]Line{}

	pull := func(name string, ch <-chan Line) {
		for {
			l, ok := <-ch
			select {
			case m.in <- taggedLine{name: name, line: l, ok: ok}:
			case <-ctx.Done():
				return
			}
			if !ok {
				return
			}
		}
	}

	for {
		needsFill := len(open) == 0
		for name := range open {
			if _, ok := pending[name]; !ok {
				needsFill = true
				break
			}
		}

		if needsFill {
			select {
			case ns := <-m.add:
				open[ns.name] = true
				go pull(ns.name, ns.ch)
			case t := <-m.in:
				if t.ok {
					pending[t.name] = t.line
				} else {
					delete(open, t.name)
					delete(pending, t.name)
				}
			case <-ctx.Done():
				return
			}
			continue
		}

		if len(pending) == 0 {
			return
		}

		bestName, best := earliest(pending)
		select {
		case m.out <- best:
			delete(pending, bestName)
		case ns := <-m.add:
			open[ns.name] = true
			go pull(ns.name, ns.ch)
		case t := <-m.in:
			if t.ok {
				pending[t.name] = t.line
			} else {
				delete(open, t.name)
				delete(pending, t.name)
			}
		case <-ctx.Done():
			return
		}
	}
}
