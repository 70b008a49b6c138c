package logs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lineAt(t *testing.T, offset time.Duration, source, text string) Line {
	t.Helper()
	base := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	return Line{Timestamp: base.Add(offset), Source: source, Text: text}
}

func chanOf(lines ...Line) <-chan Line {
	ch := make(chan Line, len(lines))
	for _, l := range lines {
		ch <- l
	}
	close(ch)
	return ch
}

func TestMergeOrdersByTimestampAcrossSources(t *testing.T) {
	main := chanOf(lineAt(t, 0, "main", "a"), lineAt(t, 2*time.Second, "main", "c"))
	sidecar := chanOf(lineAt(t, 1*time.Second, "sidecar", "b"))

	out := Merge(context.Background(), map[string]<-chan Line{"main": main, "sidecar": sidecar})

	var texts []string
	for l := range out {
		texts = append(texts, l.Text)
	}
	assert.Equal(t, []string{"a", "b", "c"}, texts)
}

func TestMergeBreaksTiesBySourceName(t *testing.T) {
	same := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	a := chanOf(Line{Timestamp: same, Source: "b-source", Text: "from-b"})
	b := chanOf(Line{Timestamp: same, Source: "a-source", Text: "from-a"})

	out := Merge(context.Background(), map[string]<-chan Line{"b-source": a, "a-source": b})

	first := <-out
	assert.Equal(t, "from-a", first.Text)
}

func TestMergeStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	neverCloses := make(chan Line)
	out := Merge(ctx, map[string]<-chan Line{"main": neverCloses})

	cancel()
	_, ok := <-out
	assert.False(t, ok)
}

func TestLiveMergerMergesDynamicallyAddedSources(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lm := NewLiveMerger(ctx)
	lm.AddSource("main", chanOf(lineAt(t, 0, "main", "first")))

	var got []string
	done := make(chan struct{})
	go func() {
		for l := range lm.Out() {
			got = append(got, l.Text)
			if len(got) == 2 {
				close(done)
				return
			}
		}
	}()

	lm.AddSource("sidecar", chanOf(lineAt(t, 1*time.Second, "sidecar", "second")))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for merged lines")
	}
	require.Len(t, got, 2)
	assert.Equal(t, []string{"first", "second"}, got)
}
