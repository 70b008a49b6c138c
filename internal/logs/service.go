package logs

import (
	"compress/gzip"
	"context"
	"io"

	"tyger/internal/backend"
	"tyger/internal/run"
	"tyger/internal/store"
)

// Service pulls, merges, formats and archives a run's log stream (spec.md
// §4.7). It implements sweeper.LogArchiver.
type Service struct {
	be      backend.ContainerBackend
	store   *store.Store
	archive ArchiveStore
}

// New builds a Service.
func New(be backend.ContainerBackend, st *store.Store, archive ArchiveStore) *Service {
	return &Service{be: be, store: st, archive: archive}
}

// Stream returns a run's merged log stream formatted per opts: live from
// the backend while the run is not yet final, or the archived artifact
// once it is (spec.md §4.7 "for terminal archived runs, returns the
// archived artifact").
func (s *Service) Stream(ctx context.Context, runID int64, opts StreamOptions) (io.ReadCloser, error) {
	r, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if r.Final {
		return s.archive.Get(ctx, archiveKey(runID))
	}

	lines, err := s.mergedLines(ctx, runID, opts)
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	go func() {
		for l := range lines {
			if _, err := io.WriteString(pw, formatLine(l, opts.PrefixSource, opts.StripTimestamps)+"\n"); err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		pw.Close()
	}()
	return pr, nil
}

// ArchiveRunLogs uploads runID's merged, timestamped, source-prefixed log
// stream as a single gzip-framed artifact (spec.md §4.6 pass 3, §4.7).
// Always prefixes source and keeps timestamps regardless of the caller's
// live-stream formatting preference, since the archived artifact is the
// one copy retained after the run's backend objects are removed.
func (s *Service) ArchiveRunLogs(ctx context.Context, runID int64) error {
	lines, err := s.mergedLines(ctx, runID, StreamOptions{PrefixSource: true})
	if err != nil {
		return err
	}

	pr, pw := io.Pipe()
	go func() {
		gz := gzip.NewWriter(pw)
		for l := range lines {
			if _, err := gz.Write([]byte(formatLine(l, true, false) + "\n")); err != nil {
				gz.Close()
				pw.CloseWithError(err)
				return
			}
		}
		pw.CloseWithError(gz.Close())
	}()

	return s.archive.Put(ctx, archiveKey(runID), -1, pr)
}

// mergedLines lists runID's current backend containers and k-way merges
// their log streams: a fixed, one-shot merge for a snapshot read, or a
// LiveMerger that also picks up containers started after the initial
// listing when opts.Follow is set (spec.md §4.7).
func (s *Service) mergedLines(ctx context.Context, runID int64, opts StreamOptions) (<-chan Line, error) {
	statuses, err := s.be.ListContainers(ctx, backend.LabelSelector(run.RunIDLabel(runID)))
	if err != nil {
		return nil, err
	}

	if !opts.Follow {
		sources := make(map[string]<-chan Line, len(statuses))
		for _, cs := range statuses {
			rc, err := s.be.GetContainerLogs(ctx, cs.Name, backend.LogOptions{
				Timestamps: true, Tail: opts.Tail, Since: opts.Since, Stdout: true, Stderr: true,
			})
			if err != nil {
				return nil, err
			}
			sources[cs.Name] = parseLines(ctx, rc, cs.Name)
		}
		return Merge(ctx, sources), nil
	}

	lm := NewLiveMerger(ctx)
	seen := make(map[string]bool, len(statuses))
	for _, cs := range statuses {
		rc, err := s.be.GetContainerLogs(ctx, cs.Name, backend.LogOptions{
			Follow: true, Timestamps: true, Since: opts.Since, Stdout: true, Stderr: true,
		})
		if err != nil {
			return nil, err
		}
		seen[cs.Name] = true
		lm.AddSource(cs.Name, parseLines(ctx, rc, cs.Name))
	}

	if events, err := s.be.MonitorEvents(ctx, backend.LabelSelector(run.RunIDLabel(runID))); err == nil {
		go func() {
			for ev := range events {
				if ev.Type != backend.EventAdded || seen[ev.ContainerName] {
					continue
				}
				seen[ev.ContainerName] = true
				rc, err := s.be.GetContainerLogs(ctx, ev.ContainerName, backend.LogOptions{
					Follow: true, Timestamps: true, Stdout: true, Stderr: true,
				})
				if err != nil {
					continue
				}
				lm.AddSource(ev.ContainerName, parseLines(ctx, rc, ev.ContainerName))
			}
		}()
	}

	return lm.Out(), nil
}
