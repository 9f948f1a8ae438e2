// Package pipeline drives frames through detection, liveness, identity
// matching and the attendance decision.
//
// A Pipeline owns its identity store, cooldown state and statistics; nothing
// is global. Process is sequential per instance, while identity registration
// and removal may run concurrently with it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/image/draw"

	"github.com/andresmejia3/rollcall/internal/attendance"
	"github.com/andresmejia3/rollcall/internal/identity"
	"github.com/andresmejia3/rollcall/internal/liveness"
	"github.com/andresmejia3/rollcall/internal/types"
)

// Config holds the decision parameters of a Pipeline.
type Config struct {
	MinFaceSize         int
	MaxFacesPerFrame    int
	DetectionConfidence float64
	SimilarityThreshold float64
	LivenessThreshold   float64
	MotionEnabled       bool
	SequenceLength      int
	ProcessingFPS       float64
	CaptureRate         float64
	MaxProcessingTime   time.Duration
	Cooldown            time.Duration
}

// DefaultConfig returns the stock decision parameters.
func DefaultConfig() Config {
	return Config{
		MinFaceSize:         50,
		MaxFacesPerFrame:    10,
		DetectionConfidence: 0.7,
		SimilarityThreshold: 0.6,
		LivenessThreshold:   liveness.DefaultThreshold,
		SequenceLength:      5,
		ProcessingFPS:       5,
		CaptureRate:         30,
		MaxProcessingTime:   2 * time.Second,
		Cooldown:            attendance.DefaultCooldown,
	}
}

// Adapters bundles the external ML capabilities.
type Adapters struct {
	Detector types.Detector
	Liveness types.LivenessClassifier
	Embedder types.Embedder
}

// Pipeline is the recognition-and-attendance orchestrator.
type Pipeline struct {
	cfg      Config
	adapters Adapters
	store    *identity.Store
	matcher  *identity.Matcher
	fuser    *liveness.Fuser
	filter   FaceFilter
	cooldown *attendance.Cooldown
	marks    *attendance.Log
	stats    *Stats

	recorder *attendance.Recorder
	logger   *zap.Logger
	source   string
	now      func() time.Time

	// mu serializes Process; throttle and history are only touched under it.
	mu       sync.Mutex
	throttle *Throttle
	history  []*image.RGBA

	readyMu  sync.RWMutex
	readyErr error
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithRecorder hands every attendance event to r for persistence.
func WithRecorder(r *attendance.Recorder) Option {
	return func(p *Pipeline) { p.recorder = r }
}

// WithSource tags events with the originating stream.
func WithSource(source string) Option {
	return func(p *Pipeline) { p.source = source }
}

// WithClock replaces the wall clock used to time frames.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New constructs a pipeline and checks its adapters. A missing or unhealthy
// adapter does not fail construction; the pipeline instead reports not ready
// until Recheck succeeds.
func New(ctx context.Context, cfg Config, adapters Adapters, store *identity.Store, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:      cfg,
		adapters: adapters,
		store:    store,
		matcher:  identity.NewMatcher(store),
		fuser:    liveness.NewFuser(cfg.LivenessThreshold),
		filter: FaceFilter{
			MinSize:       cfg.MinFaceSize,
			MinConfidence: cfg.DetectionConfidence,
			MaxFaces:      cfg.MaxFacesPerFrame,
		},
		cooldown: attendance.NewCooldown(cfg.Cooldown),
		marks:    attendance.NewLog(),
		stats:    NewStats(),
		logger:   zap.NewNop(),
		now:      time.Now,
		throttle: NewThrottle(cfg.ProcessingFPS, cfg.CaptureRate),
		readyErr: errNotChecked,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	_ = p.Recheck(ctx)
	return p
}

// Recheck re-runs the adapter readiness checks and returns the cause when the
// pipeline is still not ready.
func (p *Pipeline) Recheck(ctx context.Context) error {
	err := p.checkAdapters(ctx)

	p.readyMu.Lock()
	was := p.readyErr == nil
	p.readyErr = err
	p.readyMu.Unlock()

	switch {
	case err != nil:
		p.logger.Error("pipeline not ready", zap.Error(err))
	case !was:
		p.logger.Info("pipeline ready")
	}
	return err
}

func (p *Pipeline) checkAdapters(ctx context.Context) error {
	named := []struct {
		name    string
		adapter any
	}{
		{"detector", p.adapters.Detector},
		{"liveness", p.adapters.Liveness},
		{"embedder", p.adapters.Embedder},
	}
	for _, a := range named {
		if a.adapter == nil {
			return fmt.Errorf("%w: %s not configured", types.ErrAdapterUnavailable, a.name)
		}
	}
	if p.store == nil {
		return errors.New("identity store not configured")
	}
	for _, a := range named {
		rc, ok := a.adapter.(types.ReadinessChecker)
		if !ok {
			continue
		}
		if err := rc.Ready(ctx); err != nil {
			return fmt.Errorf("%w: %s: %v", types.ErrAdapterUnavailable, a.name, err)
		}
	}
	return nil
}

func (p *Pipeline) markUnavailable(err error) {
	p.readyMu.Lock()
	if p.readyErr == nil {
		p.readyErr = err
		p.logger.Error("adapter became unavailable, pipeline not ready", zap.Error(err))
	}
	p.readyMu.Unlock()
}

// Ready reports whether frames are being processed.
func (p *Pipeline) Ready() bool {
	return p.ReadyErr() == nil
}

// ReadyErr returns why the pipeline is not ready, or nil.
func (p *Pipeline) ReadyErr() error {
	p.readyMu.RLock()
	defer p.readyMu.RUnlock()
	return p.readyErr
}

// Store returns the identity store the pipeline matches against.
func (p *Pipeline) Store() *identity.Store {
	return p.store
}

// Process runs one frame through the pipeline. The returned error is non-nil
// only when the pipeline is not ready or the caller's context ended; faults of
// a single frame or face are reported in the result.
func (p *Pipeline) Process(ctx context.Context, frame types.Frame) (types.FrameResult, error) {
	ts := frame.Timestamp
	if ts.IsZero() {
		ts = p.now()
	}
	result := types.FrameResult{Timestamp: ts, Faces: []types.FaceResult{}}

	if err := p.ReadyErr(); err != nil {
		p.stats.recordNotReady()
		result.Status = types.StatusNotReady
		result.Error = err.Error()
		return result, fmt.Errorf("%w: %v", ErrNotReady, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.throttle.Allow(ts) {
		p.stats.recordSkip()
		result.Status = types.StatusSkipped
		return result, nil
	}

	start := p.now()
	budgetCtx, cancel := p.budget(ctx)
	defer cancel()

	var err error
	if frame.Image == nil {
		err = ErrInvalidFrame
	} else {
		err = p.processFrame(budgetCtx, frame.Image, ts, &result)
	}

	result.ProcessingTime = p.now().Sub(start)
	if p.cfg.MaxProcessingTime > 0 && result.ProcessingTime > p.cfg.MaxProcessingTime {
		result.OverBudget = true
	}

	switch {
	case err != nil && unavailable(err):
		p.markUnavailable(err)
		result.Status = types.StatusNotReady
		result.Error = err.Error()
	case err != nil:
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			result.OverBudget = true
		}
		result.Status = types.StatusError
		result.Error = err.Error()
	default:
		result.Status = types.StatusProcessed
	}

	if result.OverBudget {
		p.logger.Warn("frame exceeded processing budget",
			zap.Duration("elapsed", result.ProcessingTime),
			zap.Duration("budget", p.cfg.MaxProcessingTime))
	}
	p.stats.recordFrame(result.Status, result.Stats, result.ProcessingTime, result.OverBudget)

	if p.cfg.MotionEnabled && frame.Image != nil {
		p.remember(frame.Image)
	}

	switch {
	case result.Status == types.StatusNotReady:
		return result, fmt.Errorf("%w: %v", ErrNotReady, err)
	case ctx.Err() != nil:
		return result, ctx.Err()
	}
	return result, nil
}

func (p *Pipeline) budget(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.cfg.MaxProcessingTime <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.cfg.MaxProcessingTime)
}

// processFrame fills result with per-face outcomes. It returns an error only
// for frame-level failures.
func (p *Pipeline) processFrame(ctx context.Context, img image.Image, ts time.Time, result *types.FrameResult) error {
	detections, err := p.adapters.Detector.Detect(ctx, img)
	if err != nil {
		return fmt.Errorf("detect: %w", err)
	}
	result.Stats.FacesDetected = len(detections)

	faces := p.filter.Apply(detections)
	result.Stats.FacesProcessed = len(faces)

	var lost error
	for _, face := range faces {
		fr := p.processFace(ctx, img, face, ts)
		if fr.Error != nil {
			result.Stats.FaceErrors++
			p.logger.Warn("face fault",
				zap.String("kind", string(fr.Error.Kind)),
				zap.String("message", fr.Error.Message))
		}
		if fr.Liveness != nil {
			if fr.Liveness.IsLive {
				result.Stats.LiveFaces++
			} else {
				result.Stats.SpoofFaces++
			}
		}
		if fr.Recognition != nil && fr.Recognition.Matched {
			result.Stats.FacesMatched++
		}
		if fr.AttendanceMarked {
			result.Stats.AttendanceMarked++
		}
		if fr.Error != nil && fr.Error.Kind == types.FaultTimeout {
			result.OverBudget = true
		}
		result.Faces = append(result.Faces, fr.FaceResult)
		if fr.err != nil && unavailable(fr.err) && lost == nil {
			lost = fr.err
		}
	}

	// Sibling faces are finished; the next frame is refused.
	if lost != nil {
		p.markUnavailable(lost)
	}
	return nil
}

type faceOutcome struct {
	types.FaceResult
	err error
}

func (p *Pipeline) processFace(ctx context.Context, img image.Image, face types.DetectedFace, ts time.Time) faceOutcome {
	out := faceOutcome{FaceResult: types.FaceResult{
		Box:                 face.Box,
		DetectionConfidence: face.Confidence,
		Stage:               types.StageDetected,
	}}
	fault := func(err error) faceOutcome {
		out.Error = faceFault(err)
		out.err = err
		return out
	}

	// Once the budget is spent the remaining faces are not sent to the engine.
	if err := ctx.Err(); err != nil {
		return fault(fmt.Errorf("liveness: %w", err))
	}

	rect := face.Box.Rect().Intersect(img.Bounds())
	if rect.Empty() {
		out.Error = &types.FaceError{Kind: types.FaultEmptyCrop, Message: "face region is empty"}
		return out
	}
	crop := cropImage(img, rect)

	prob, err := p.adapters.Liveness.ClassifyLiveness(ctx, crop)
	if err != nil {
		return fault(fmt.Errorf("liveness: %w", err))
	}
	verdict := p.fuser.Fuse(prob, liveness.TextureScore(crop))
	if p.cfg.MotionEnabled && len(p.history) > 0 {
		verdict = p.sequenceLiveness(ctx, verdict, rect, crop)
	}
	out.Liveness = &verdict
	if !verdict.IsLive {
		out.Stage = types.StageRejected
		return out
	}
	out.Stage = types.StageLive

	emb, err := p.adapters.Embedder.Embed(ctx, crop)
	if err != nil {
		return fault(fmt.Errorf("embed: %w", err))
	}
	if identity.Normalize(emb) == nil || len(emb) != p.store.Dimension() {
		out.Error = &types.FaceError{Kind: types.FaultInvalidEmbedding, Message: "embedding is empty or degenerate"}
		return out
	}

	m := p.matcher.Match(emb, p.cfg.SimilarityThreshold)
	out.Recognition = &types.Recognition{
		IdentityID: m.IdentityID,
		Name:       m.Name,
		Similarity: m.Similarity,
		Matched:    m.Accepted,
	}
	if !m.Accepted {
		out.Stage = types.StageUnmatched
		if m.Similarity > 0 {
			p.logger.Debug("near miss", zap.Float64("similarity", m.Similarity))
		}
		return out
	}
	out.Stage = types.StageMatched

	if !p.cooldown.ShouldMark(m.IdentityID, ts) {
		return out
	}

	event := attendance.NewEvent(m.IdentityID, m.Name, m.Similarity, verdict.Confidence, ts, p.source)
	p.marks.Put(event)
	if p.recorder != nil {
		// A full buffer is logged by the recorder. The decision stands either way.
		if err := p.recorder.Record(event); err != nil && !errors.Is(err, attendance.ErrRecorderFull) {
			p.logger.Warn("attendance event not persisted",
				zap.String("identity_id", m.IdentityID),
				zap.String("event_id", event.ID.String()),
				zap.Error(err))
		}
	}
	p.logger.Info("attendance marked",
		zap.String("identity_id", m.IdentityID),
		zap.String("name", m.Name),
		zap.Float64("confidence", m.Similarity))

	out.Stage = types.StageDecided
	out.AttendanceMarked = true
	out.EventID = event.ID.String()
	return out
}

// sequenceLiveness extends the current verdict with the same region in the
// buffered frames. Frames whose crop cannot be scored are left out.
func (p *Pipeline) sequenceLiveness(ctx context.Context, current types.Liveness, rect image.Rectangle, crop image.Image) types.Liveness {
	crops := make([]image.Image, 0, len(p.history)+1)
	scores := make([]float64, 0, len(p.history)+1)

	for _, past := range p.history {
		if ctx.Err() != nil {
			break
		}
		r := rect.Intersect(past.Bounds())
		if r.Empty() {
			continue
		}
		c := past.SubImage(r)
		prob, err := p.adapters.Liveness.ClassifyLiveness(ctx, c)
		if err != nil {
			p.logger.Debug("skipping buffered frame in liveness sequence", zap.Error(err))
			continue
		}
		crops = append(crops, c)
		scores = append(scores, liveness.Combine(prob, liveness.TextureScore(c)))
	}
	crops = append(crops, crop)
	scores = append(scores, current.Confidence)

	return p.fuser.FuseSequence(current, scores, liveness.MotionScore(crops))
}

// remember keeps a private copy of img, since the caller owns the frame.
func (p *Pipeline) remember(img image.Image) {
	if p.cfg.SequenceLength <= 0 {
		return
	}
	b := img.Bounds()
	clone := image.NewRGBA(b)
	draw.Copy(clone, b.Min, img, b, draw.Src, nil)

	p.history = append(p.history, clone)
	if over := len(p.history) - p.cfg.SequenceLength; over > 0 {
		p.history = append(p.history[:0], p.history[over:]...)
	}
}

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

func cropImage(img image.Image, r image.Rectangle) image.Image {
	if s, ok := img.(subImager); ok {
		return s.SubImage(r)
	}
	dst := image.NewRGBA(r)
	draw.Copy(dst, r.Min, img, r, draw.Src, nil)
	return dst
}

// Stats returns a snapshot of the cumulative statistics.
func (p *Pipeline) Stats() StatsSnapshot {
	snap := p.stats.Snapshot()
	if p.store != nil {
		snap.Database = p.store.Stats()
	}
	snap.Ready = p.Ready()
	return snap
}

// ResetStats zeroes the statistics and clears cooldown and attendance log state.
func (p *Pipeline) ResetStats() {
	p.stats.Reset()
	p.cooldown.Reset()
	p.marks.Reset()

	p.mu.Lock()
	p.throttle.Reset()
	p.history = nil
	p.mu.Unlock()
}

// AttendanceLog returns the latest accepted mark per identity, oldest first.
func (p *Pipeline) AttendanceLog() []attendance.Event {
	return p.marks.Entries()
}
