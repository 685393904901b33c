package livestream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"livepipe/internal/platform/metrics"
	"livepipe/internal/scratch"
)

// DefaultWaitInterval is the pause between manifest polls.
const DefaultWaitInterval = 2 * time.Second

// SessionConfig holds the tunables of a live session.
type SessionConfig struct {
	WaitInterval time.Duration
	RecordLimit  time.Duration
	ScratchBase  string
	Headers      http.Header
	Decrypt      DecryptConfig
	WindowCap    int
	WindowEvict  int
}

// Status is a point-in-time copy of the session's progress, safe to read
// from any goroutine.
type Status struct {
	State           State     `json:"state"`
	Primary         string    `json:"primary,omitempty"`
	Secondary       string    `json:"secondary,omitempty"`
	HighestEmitted  int64     `json:"highest_emitted_index"`
	SegmentsEmitted int64     `json:"segments_emitted"`
	EmittedSeconds  float64   `json:"emitted_seconds"`
	BytesEmitted    int64     `json:"bytes_emitted"`
	FetchFailures   int64     `json:"fetch_failures"`
	DecryptFailures int64     `json:"decrypt_failures"`
	LostSegments    int64     `json:"lost_segments"`
	Tracked         int       `json:"tracked_indices"`
	Decrypting      bool      `json:"decrypting"`
	StopRequested   bool      `json:"stop_requested"`
	StartedAt       time.Time `json:"started_at"`
}

// Session drives one live stream from manifest polling to the output sink.
// All state except the stop flag is owned by the goroutine running Run.
type Session struct {
	sel     *StreamSelection
	cfg     SessionConfig
	deps    Collaborators
	sink    *Sink
	log     *slog.Logger
	metrics *metrics.Metrics

	stopRequested atomic.Bool
	stopOnce      sync.Once
	stopCh        chan struct{}

	poller  *Poller
	window  *Window
	limiter *RecordLimiter
	highest int64
	// initDone is set once a playlist was available to look for an init
	// segment, whether or not it listed one.
	initDone bool

	statusMu sync.RWMutex
	status   Status
}

// NewSession returns a session for sel. m may be nil to disable metrics.
func NewSession(sel *StreamSelection, cfg SessionConfig, deps Collaborators, sink *Sink, log *slog.Logger, m *metrics.Metrics) *Session {
	if cfg.WaitInterval <= 0 {
		cfg.WaitInterval = DefaultWaitInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		sel:     sel,
		cfg:     cfg,
		deps:    deps,
		sink:    sink,
		log:     log,
		metrics: m,
		stopCh:  make(chan struct{}),
		poller:  NewPoller(deps.Manifest),
		window:  NewWindow(cfg.WindowCap, cfg.WindowEvict),
		limiter: NewRecordLimiter(cfg.RecordLimit),
		highest: -1,
		status:  Status{State: StateStarting, HighestEmitted: -1},
	}
}

// Stop asks the session to finish. It is safe to call from any goroutine and
// more than once. The loop observes it before each cycle and each segment.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.stopRequested.Store(true)
		close(s.stopCh)
	})
}

// Stopping reports whether Stop was called.
func (s *Session) Stopping() bool {
	return s.stopRequested.Load()
}

// HighestEmitted returns the highest index that went through the pipeline.
// Only meaningful once Run has returned or from the Run goroutine.
func (s *Session) HighestEmitted() int64 {
	return s.highest
}

// Status returns a snapshot of the session's progress.
func (s *Session) Status() Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	st := s.status
	st.StopRequested = s.Stopping()
	return st
}

// Run executes the session until Stop is called, ctx is cancelled, the record
// limit is reached or the playlist ends. A nil error means a clean shutdown.
// The scratch directory is removed on every return path.
func (s *Session) Run(ctx context.Context) error {
	primary := s.sel.Primary()
	if primary == nil {
		s.log.Error("no video or audio stream selected")
		s.setState(StateTerminated)
		return ErrNoPrimaryStream
	}

	dir, err := scratch.New(s.cfg.ScratchBase)
	if err != nil {
		s.setState(StateTerminated)
		return fmt.Errorf("creating scratch directory: %w", err)
	}
	defer func() {
		dir.Remove()
		s.setState(StateTerminated)
		s.log.Info("live session terminated",
			slog.Int64("highest_index", s.highest),
			slog.Float64("emitted_seconds", s.limiter.Total()),
		)
	}()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-done:
		}
	}()

	// Segment work runs to completion once started; Stop and ctx only end
	// the loop at its checkpoints.
	work := context.WithoutCancel(ctx)

	s.statusMu.Lock()
	s.status.Primary = primary.Name
	if sec := s.sel.Secondary(); sec != nil {
		s.status.Secondary = sec.Name
	}
	s.status.StartedAt = time.Now().UTC()
	s.statusMu.Unlock()

	s.log.Info("live session starting",
		slog.String("primary", primary.Name),
		slog.String("kind", string(primary.Kind)),
		slog.String("scratch", dir.Path()),
		slog.Duration("wait", s.cfg.WaitInterval),
		slog.Duration("record_limit", s.cfg.RecordLimit),
	)

	dec := NewDecryptionContext(s.cfg.Decrypt, s.deps.Decrypter, s.deps.Inspector, s.log)
	pipe := NewPipeline(dir.Path(), s.deps.Fetcher, s.cfg.Headers, dec, s.sink, s.log, s.metrics)

	if primary.Playlist == nil {
		if err := s.poller.Refresh(work, s.sel); err != nil {
			s.log.Warn("initial manifest refresh failed", slog.String("error", err.Error()))
			s.metrics.IncManifestFailures()
		}
	}
	if err := s.handleInit(work, primary, dir, dec); err != nil {
		return err
	}
	if s.initDone {
		s.setState(StateInitHandled)
	}

	for !s.Stopping() {
		s.setState(StatePolling)
		if err := s.cycle(work, primary, dir, dec, pipe); err != nil {
			s.setState(StateStopping)
			return err
		}
		if s.Stopping() {
			break
		}
		s.sleep()
	}

	s.setState(StateStopping)
	return nil
}

// handleInit fetches the initialization segment once, resolves the key id,
// decrypts it when possible and emits it ahead of every media segment. The
// original init stays in the scratch directory as decryption context. Until
// the primary has a playlist with an init or segments, init stays pending
// and handleInit is retried after the next refresh.
func (s *Session) handleInit(ctx context.Context, primary *Stream, dir *scratch.Dir, dec *DecryptionContext) error {
	pl := primary.Playlist
	if pl == nil || (pl.MediaInit == nil && !HasSegmentData(pl)) {
		return nil
	}
	s.initDone = true
	if pl.MediaInit == nil {
		return nil
	}

	initPath := dir.Join("_init.mp4")
	res := s.deps.Fetcher.FetchSegment(ctx, primary.Playlist.MediaInit.Locator, initPath, s.cfg.Headers)
	if !res.Success {
		attrs := []any{slog.String("url", primary.Playlist.MediaInit.Locator.URL)}
		if res.Err != nil {
			attrs = append(attrs, slog.String("error", res.Err.Error()))
		}
		s.log.Warn("failed to download init segment", attrs...)
		s.metrics.IncFetchFailures()
		return nil
	}
	actual := res.ActualPath
	if actual == "" {
		actual = initPath
	}

	kid := dec.ResolveFromInit(actual)
	emitPath := actual
	if dec.Active() {
		decPath := dir.Join("_init_dec.mp4")
		defer release(decPath)
		if err := dec.DecryptInit(ctx, actual, decPath); err != nil {
			s.log.Warn("init segment decryption failed, emitting encrypted init", slog.String("error", err.Error()))
			s.metrics.IncDecryptFailures()
		} else {
			emitPath = decPath
		}
	} else if kid != "" {
		s.log.Warn("content is protected but no keys are configured", slog.String("kid", kid))
	}
	if filepath.Clean(dec.Init().InitPath) != filepath.Clean(actual) {
		defer release(actual)
	}

	s.statusMu.Lock()
	s.status.Decrypting = dec.Active()
	s.statusMu.Unlock()

	n, err := s.sink.EmitFile(emitPath)
	s.metrics.AddBytesEmitted(n)
	if err != nil {
		s.log.Error("writing init segment to output failed", slog.String("error", err.Error()))
		if errors.Is(err, ErrSinkClosed) {
			return err
		}
	}
	return nil
}

// cycle runs one poll: refresh, pending init, delta, sequential processing,
// eviction and the record-limit check. Only a closed sink is returned as an
// error.
func (s *Session) cycle(ctx context.Context, primary *Stream, dir *scratch.Dir, dec *DecryptionContext, pipe *Pipeline) error {
	if err := s.poller.Refresh(ctx, s.sel); err != nil {
		s.metrics.IncManifestFailures()
		if !errors.Is(err, ErrSecondaryStream) {
			s.log.Warn("manifest refresh failed", slog.String("error", err.Error()))
			return nil
		}
		s.log.Warn("secondary stream refresh failed, continuing with primary", slog.String("error", err.Error()))
	}

	if !s.initDone {
		if err := s.handleInit(ctx, primary, dir, dec); err != nil {
			return err
		}
	}

	pl := primary.Playlist
	if !HasSegmentData(pl) {
		s.log.Debug("manifest has no segment data, waiting for next poll")
		return nil
	}

	segments := NewSegments(pl, s.highest, s.window)
	if len(segments) > 0 {
		s.setState(StateProcessingSegments)
	}

	for _, d := range segments {
		if s.Stopping() {
			break
		}
		s.reportGap(d.Index)

		outcome := pipe.ProcessOne(ctx, d)
		if d.Index > s.highest {
			s.highest = d.Index
		}
		s.record(d, outcome)

		if outcome == OutcomeSinkFailed && errors.Is(pipe.SinkErr(), ErrSinkClosed) {
			return pipe.SinkErr()
		}
	}

	if n := s.window.EvictIfOversized(); n > 0 {
		s.log.Debug("evicted old indices from dedup window", slog.Int("evicted", n), slog.Int("tracked", s.window.Len()))
	}
	s.publish()

	if s.limiter.ShouldStop() {
		s.log.Warn("record limit reached",
			slog.Duration("limit", s.limiter.Limit()),
			slog.Float64("emitted_seconds", s.limiter.Total()),
		)
		s.Stop()
	} else if pl.Endlist && !s.Stopping() {
		s.log.Info("playlist ended, stopping live session")
		s.Stop()
	}
	return nil
}

// reportGap warns when indices between the last processed one and next slid
// out of the manifest window without ever being listed.
func (s *Session) reportGap(next int64) {
	if s.highest < 0 || next <= s.highest+1 {
		return
	}
	lost := next - s.highest - 1
	s.log.Warn("segments left the manifest window before they were fetched",
		slog.Int64("from", s.highest+1),
		slog.Int64("to", next-1),
		slog.Int64("count", lost),
	)
	s.metrics.AddLostSegments(lost)
	s.statusMu.Lock()
	s.status.LostSegments += lost
	s.statusMu.Unlock()
}

func (s *Session) record(d SegmentDescriptor, outcome Outcome) {
	if outcome.Delivered() {
		s.window.Mark(d.Index)
		s.metrics.IncSegmentsEmitted(outcome.String())
	}
	if outcome.Delivered() || outcome == OutcomeDropped {
		s.limiter.Accumulate(d.Duration)
	}

	s.statusMu.Lock()
	switch outcome {
	case OutcomeEmitted, OutcomePassthrough:
		s.status.SegmentsEmitted++
	case OutcomeFetchFailed:
		s.status.FetchFailures++
	}
	if outcome == OutcomePassthrough || outcome == OutcomeDropped {
		s.status.DecryptFailures++
	}
	s.statusMu.Unlock()
	s.publish()
}

func (s *Session) publish() {
	s.statusMu.Lock()
	s.status.HighestEmitted = s.highest
	s.status.EmittedSeconds = s.limiter.Total()
	s.status.BytesEmitted = s.sink.Written()
	s.status.Tracked = s.window.Len()
	s.statusMu.Unlock()

	s.metrics.SetHighestIndex(s.highest)
	s.metrics.SetEmittedSeconds(s.limiter.Total())
	s.metrics.SetTrackedIndices(s.window.Len())
}

func (s *Session) setState(st State) {
	s.statusMu.Lock()
	s.status.State = st
	s.statusMu.Unlock()
}

// sleep waits for the poll interval or until Stop is called.
func (s *Session) sleep() {
	t := time.NewTimer(s.cfg.WaitInterval)
	defer t.Stop()
	select {
	case <-t.C:
	case <-s.stopCh:
	}
}
