package logs

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopCloser struct{ io.Reader }

func (nopCloser) Close() error { return nil }

func TestParseOneLine(t *testing.T) {
	l := parseOneLine("2026-07-31T10:00:00.123456789Z hello world", "main")
	assert.Equal(t, "main", l.Source)
	assert.Equal(t, "hello world", l.Text)
	assert.Equal(t, 2026, l.Timestamp.Year())
}

func TestParseOneLineFallsBackOnMalformedTimestamp(t *testing.T) {
	l := parseOneLine("not-a-timestamp still here", "sidecar")
	assert.Equal(t, "not-a-timestamp still here", l.Text)
	assert.True(t, l.Timestamp.IsZero())
}

func TestParseLines(t *testing.T) {
	body := "2026-07-31T10:00:00Z first\n2026-07-31T10:00:01Z second\n"
	rc := nopCloser{bytes.NewBufferString(body)}

	ch := parseLines(context.Background(), rc, "main")
	var got []Line
	for l := range ch {
		got = append(got, l)
	}
	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0].Text)
	assert.Equal(t, "second", got[1].Text)
}

func TestFormatLine(t *testing.T) {
	ts := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	l := Line{Timestamp: ts, Source: "main", Text: "hi"}

	assert.Equal(t, ts.Format(time.RFC3339Nano)+" [main] hi", formatLine(l, true, false))
	assert.Equal(t, ts.Format(time.RFC3339Nano)+" hi", formatLine(l, false, false))
	assert.Equal(t, "[main] hi", formatLine(l, true, true))
	assert.Equal(t, "hi", formatLine(l, false, true))
}
