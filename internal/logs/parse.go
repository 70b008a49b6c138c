package logs

import (
	"bufio"
	"context"
	"io"
	"strings"
	"time"
)

// parseLines scans r's backend log stream (one RFC3339Nano-timestamped
// line per record, the format both the local and cluster backends
// request via LogOptions.Timestamps) into a Line channel tagged with
// source, closing r and the channel when r is exhausted or ctx is
// cancelled.
func parseLines(ctx context.Context, r io.ReadCloser, source string) <-chan Line {
	out := make(chan Line)
	go func() {
		defer close(out)
		defer r.Close()

		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := parseOneLine(scanner.Text(), source)
			select {
			case out <- line:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// parseOneLine splits one "<timestamp> <text>" record. A line missing a
// well-formed timestamp prefix (should not happen with
// LogOptions.Timestamps set) is kept verbatim with a zero timestamp so
// it still surfaces rather than being dropped.
func parseOneLine(raw, source string) Line {
	ts, text, ok := strings.Cut(raw, " ")
	if !ok {
		return Line{Source: source, Text: raw}
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return Line{Source: source, Text: raw}
	}
	return Line{Timestamp: t, Source: source, Text: text}
}

// formatLine renders one merged Line back to text per opts, used for
// both live streaming and archival (archival always keeps timestamps).
func formatLine(l Line, prefix, stripTimestamp bool) string {
	var b strings.Builder
	if !stripTimestamp {
		b.WriteString(l.Timestamp.Format(time.RFC3339Nano))
		b.WriteByte(' ')
	}
	if prefix {
		b.WriteByte('[')
		b.WriteString(l.Source)
		b.WriteString("] ")
	}
	b.WriteString(l.Text)
	return b.String()
}
