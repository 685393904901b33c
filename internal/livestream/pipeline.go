package livestream

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"livepipe/internal/platform/metrics"
)

// Pipeline runs fetch, decrypt-or-passthrough and emit for one segment at a
// time. Temporary files live in dir and are released on every return path.
type Pipeline struct {
	dir     string
	fetcher Fetcher
	headers http.Header
	dec     *DecryptionContext
	sink    *Sink
	log     *slog.Logger
	metrics *metrics.Metrics

	sinkErr error
}

// NewPipeline returns a Pipeline writing scratch files under dir.
func NewPipeline(dir string, fetcher Fetcher, headers http.Header, dec *DecryptionContext, sink *Sink, log *slog.Logger, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		dir:     dir,
		fetcher: fetcher,
		headers: headers,
		dec:     dec,
		sink:    sink,
		log:     log,
		metrics: m,
	}
}

// ProcessOne handles a single descriptor. Every failure is logged and folded
// into the returned Outcome; nothing escapes to the caller.
func (p *Pipeline) ProcessOne(ctx context.Context, d SegmentDescriptor) (outcome Outcome) {
	segPath := filepath.Join(p.dir, fmt.Sprintf("seg_%d.tmp", d.Index))
	decPath := filepath.Join(p.dir, fmt.Sprintf("seg_%d_dec.tmp", d.Index))
	defer release(segPath)
	defer release(decPath)

	log := p.log.With(slog.Int64("index", d.Index))

	defer func() {
		if r := recover(); r != nil {
			log.Error("segment processing panicked", slog.Any("panic", r))
			outcome = OutcomeDropped
		}
	}()

	res := p.fetcher.FetchSegment(ctx, d.Locator, segPath, p.headers)
	if !res.Success {
		attrs := []any{slog.String("url", d.Locator.URL)}
		if res.Err != nil {
			attrs = append(attrs, slog.String("error", res.Err.Error()))
		}
		log.Warn("failed to download segment", attrs...)
		p.metrics.IncFetchFailures()
		return OutcomeFetchFailed
	}

	actual := res.ActualPath
	if actual == "" {
		actual = segPath
	}
	if actual != segPath {
		defer release(actual)
	}

	if !d.Encrypted || !p.dec.Active() {
		return p.emit(log, actual, OutcomeEmitted)
	}

	if err := p.dec.DecryptSegment(ctx, actual, decPath); err != nil {
		p.metrics.IncDecryptFailures()
		if p.dec.Policy() == PolicyDrop {
			log.Error("segment decryption failed, dropping segment", slog.String("error", err.Error()))
			return OutcomeDropped
		}
		log.Warn("segment decryption failed, emitting encrypted bytes", slog.String("error", err.Error()))
		return p.emit(log, actual, OutcomePassthrough)
	}
	return p.emit(log, decPath, OutcomeEmitted)
}

// SinkErr returns the last error reported by the sink, if any.
func (p *Pipeline) SinkErr() error {
	return p.sinkErr
}

func (p *Pipeline) emit(log *slog.Logger, path string, ok Outcome) Outcome {
	n, err := p.sink.EmitFile(path)
	p.metrics.AddBytesEmitted(n)
	if err != nil {
		p.sinkErr = err
		log.Error("writing segment to output failed", slog.String("error", err.Error()))
		return OutcomeSinkFailed
	}
	log.Debug("segment emitted", slog.Int64("bytes", n), slog.String("outcome", ok.String()))
	return ok
}

// release removes a scratch file, ignoring any error.
func release(path string) {
	_ = os.Remove(path)
}
