// Package ingest owns the long-running parts of feedcache: the key lock
// table, the source watcher, the run guards and the schedule tickers.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/feedcache/internal/cache"
	"github.com/JakeFAU/feedcache/internal/headlines"
	"github.com/JakeFAU/feedcache/internal/keylock"
	"github.com/JakeFAU/feedcache/internal/metrics"
	"github.com/JakeFAU/feedcache/internal/sources"
	"github.com/JakeFAU/feedcache/internal/telemetry"
	"github.com/JakeFAU/feedcache/internal/watcher"
)

var (
	// ErrRunInProgress is returned when an ingestion trigger overlaps a run
	// that covers the same documents.
	ErrRunInProgress = errors.New("ingest: run already in progress")
	// ErrUnknownUser is returned when no source document exists for a user.
	ErrUnknownUser = errors.New("ingest: unknown user")
	// ErrStopped is returned by triggers after Stop.
	ErrStopped = errors.New("ingest: service stopped")
)

const (
	defaultIngestInterval   = 15 * time.Minute
	defaultHeadlineInterval = 120 * time.Minute
	defaultHeadlineDelay    = 10 * time.Second
	defaultMinRefresh       = time.Minute
)

// Schedule controls the background loops started by Start.
type Schedule struct {
	Watch            bool
	IngestInterval   time.Duration
	Headlines        bool
	HeadlineInterval time.Duration
	HeadlineDelay    time.Duration
	// MinRefresh skips scheduled rebuilds of documents built more recently
	// than this. Explicit triggers and watcher rebuilds always run.
	MinRefresh time.Duration
}

func (s Schedule) withDefaults() Schedule {
	if s.IngestInterval <= 0 {
		s.IngestInterval = defaultIngestInterval
	}
	if s.HeadlineInterval <= 0 {
		s.HeadlineInterval = defaultHeadlineInterval
	}
	if s.HeadlineDelay < 0 {
		s.HeadlineDelay = defaultHeadlineDelay
	}
	if s.MinRefresh < 0 {
		s.MinRefresh = defaultMinRefresh
	}
	return s
}

// Config wires the service.
type Config struct {
	FeedsDir  string
	Builder   cache.BuilderConfig
	Headlines headlines.ProcessorConfig
	Watcher   watcher.Options
	Schedule  Schedule
}

// Deps are the collaborators of the service. Scraper, Extractor and Rewriter
// may be nil, in which case headline runs are skipped.
type Deps struct {
	Store     *cache.Store
	Fetcher   cache.Fetcher
	Scraper   headlines.Scraper
	Extractor headlines.Extractor
	Rewriter  headlines.Rewriter
}

// Summary describes one ingestion pass.
type Summary struct {
	RunID     string
	Documents int
	Built     int
	Fresh     int
	Kept      int
	Failed    int
	Items     int
	Invalid   []string
	Duration  time.Duration
}

// Status is a point-in-time view of the service.
type Status struct {
	Started          bool
	Ingesting        bool
	HeadlinesRunning bool
	Watched          int
	LastIngest       Summary
	LastIngestAt     time.Time
}

// Service runs ingestion passes and headline runs, alone or on a schedule.
type Service struct {
	cfg      Config
	store    *cache.Store
	locks    *keylock.Table
	builder  *cache.Builder
	pipeline *headlines.Pipeline
	watcher  *watcher.Watcher
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup

	ingesting atomic.Bool
	started   atomic.Bool
	stopped   atomic.Bool
	stopOnce  sync.Once

	mu         sync.Mutex
	inflight   map[string]struct{}
	lastBuilt  map[string]time.Time
	lastIngest Summary
	lastAt     time.Time
}

// New wires a Service. Nothing runs until Start or an explicit call.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Service, error) {
	if deps.Store == nil {
		return nil, errors.New("ingest: store is required")
	}
	if deps.Fetcher == nil {
		return nil, errors.New("ingest: fetcher is required")
	}
	if cfg.FeedsDir == "" {
		return nil, errors.New("ingest: feeds directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Schedule = cfg.Schedule.withDefaults()

	locks := keylock.New()
	locks.OnWait = metrics.ObserveLockWait

	proc := headlines.NewProcessor(deps.Store, locks, deps.Scraper, deps.Rewriter, cfg.Headlines, logger)
	s := &Service{
		cfg:       cfg,
		store:     deps.Store,
		locks:     locks,
		builder:   cache.NewBuilder(deps.Fetcher, deps.Store, locks, cfg.Builder, logger),
		pipeline:  headlines.NewPipeline(proc, deps.Scraper, deps.Extractor, cfg.Headlines.Filter, logger),
		logger:    logger.Named("ingest"),
		inflight:  map[string]struct{}{},
		lastBuilt: map[string]time.Time{},
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if cfg.Schedule.Watch {
		w, err := watcher.New(cfg.FeedsDir, s.rebuild, cfg.Watcher, logger)
		if err != nil {
			s.cancel()
			return nil, fmt.Errorf("create watcher: %w", err)
		}
		s.watcher = w
	}
	return s, nil
}

// Locks exposes the key lock table shared by every cache writer.
func (s *Service) Locks() *keylock.Table {
	return s.locks
}

// Store returns the cache store.
func (s *Service) Store() *cache.Store {
	return s.store
}

// Start runs the initial ingestion and starts the watcher and the tickers.
// It returns once the background loops are running.
func (s *Service) Start(ctx context.Context) error {
	if s.stopped.Load() {
		return ErrStopped
	}
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("ingest: already started")
	}
	if ctx != nil {
		context.AfterFunc(ctx, s.cancel)
	}
	if s.watcher != nil {
		if err := s.watcher.Start(s.ctx); err != nil {
			return fmt.Errorf("start watcher: %w", err)
		}
	}

	if err := s.spawn(s.ingestLoop); err != nil {
		return err
	}
	if s.cfg.Schedule.Headlines {
		if err := s.spawn(s.headlineLoop); err != nil {
			return err
		}
	}
	s.logger.Info("ingest service started",
		zap.String("feeds_dir", s.cfg.FeedsDir),
		zap.Bool("watch", s.watcher != nil),
		zap.Duration("ingest_interval", s.cfg.Schedule.IngestInterval),
		zap.Bool("headlines", s.cfg.Schedule.Headlines),
		zap.Duration("headline_interval", s.cfg.Schedule.HeadlineInterval))
	return nil
}

// Stop cancels the loops and in-flight runs, waits for them and closes the
// lock table. It is safe to call more than once.
func (s *Service) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped.Store(true)
		s.mu.Unlock()
		s.cancel()
		if s.watcher != nil {
			err = s.watcher.Stop()
		}
		s.bg.Wait()
		s.locks.Close()
		s.logger.Info("ingest service stopped")
	})
	return err
}

// Status reports what the service is doing.
func (s *Service) Status() Status {
	st := Status{
		Started:          s.started.Load() && !s.stopped.Load(),
		Ingesting:        s.ingesting.Load(),
		HeadlinesRunning: s.pipeline.Running(),
	}
	if s.watcher != nil {
		st.Watched = len(s.watcher.Watched())
	}
	s.mu.Lock()
	st.LastIngest = s.lastIngest
	st.LastIngestAt = s.lastAt
	s.mu.Unlock()
	return st
}

// IngestAll rebuilds every source document. Overlapping calls return
// ErrRunInProgress.
func (s *Service) IngestAll(ctx context.Context) (Summary, error) {
	if !s.ingesting.CompareAndSwap(false, true) {
		s.logger.Warn("ingestion skipped, previous run still in progress")
		return Summary{}, ErrRunInProgress
	}
	defer s.ingesting.Store(false)
	return s.runPass(ctx, uuid.NewString(), true)
}

// TriggerIngest starts IngestAll in the background.
func (s *Service) TriggerIngest() (string, error) {
	if s.stopped.Load() {
		return "", ErrStopped
	}
	if !s.ingesting.CompareAndSwap(false, true) {
		return "", ErrRunInProgress
	}
	runID := uuid.NewString()
	err := s.spawn(func() {
		defer s.ingesting.Store(false)
		_, err := s.runPass(s.ctx, runID, true)
		s.logIfFailed("ingestion", err)
	})
	if err != nil {
		s.ingesting.Store(false)
		return "", err
	}
	return runID, nil
}

// IngestUser rebuilds the document of one user.
func (s *Service) IngestUser(ctx context.Context, user string) (cache.Report, error) {
	file, err := s.claimUser(user)
	if err != nil {
		return cache.Report{User: user}, err
	}
	defer s.releaseUser(file.User)
	return s.build(ctx, file)
}

// TriggerUser starts IngestUser in the background.
func (s *Service) TriggerUser(user string) error {
	if s.stopped.Load() {
		return ErrStopped
	}
	file, err := s.claimUser(user)
	if err != nil {
		return err
	}
	err = s.spawn(func() {
		defer s.releaseUser(file.User)
		_, err := s.build(s.ctx, file)
		s.logIfFailed("user ingestion", err)
	})
	if err != nil {
		s.releaseUser(file.User)
	}
	return err
}

// RunHeadlines runs the headline pipeline over every document that declares
// headline sources.
func (s *Service) RunHeadlines(ctx context.Context) (headlines.RunReport, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "headlines.run")
	defer span.End()
	targets, err := s.headlineTargets()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return headlines.RunReport{}, err
	}
	report, err := s.pipeline.Run(ctx, targets)
	span.SetAttributes(
		attribute.String("run_id", report.RunID),
		attribute.Int("targets", len(targets)),
		attribute.Int("merged", report.Merged))
	return report, err
}

// TriggerHeadlines starts RunHeadlines in the background.
func (s *Service) TriggerHeadlines() error {
	if s.stopped.Load() {
		return ErrStopped
	}
	if s.pipeline.Running() {
		return headlines.ErrRunInProgress
	}
	return s.spawn(func() {
		_, err := s.RunHeadlines(s.ctx)
		s.logIfFailed("headline run", err)
	})
}

// spawn runs fn on a tracked goroutine. The stopped check and the WaitGroup
// Add happen under mu so Stop never waits on a group that is still growing.
func (s *Service) spawn(fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped.Load() {
		return ErrStopped
	}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		fn()
	}()
	return nil
}

func (s *Service) runPass(ctx context.Context, runID string, force bool) (Summary, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "ingest.pass", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.Bool("forced", force)))
	defer span.End()

	start := time.Now()
	summary := Summary{RunID: runID}
	logger := s.logger.With(zap.String("run_id", runID))

	files, invalid, err := sources.List(s.cfg.FeedsDir)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return summary, err
	}
	summary.Invalid = invalid
	for _, name := range invalid {
		logger.Warn("source document skipped, unsafe name", zap.String("file", name))
	}

	for _, file := range files {
		if ctx.Err() != nil {
			break
		}
		summary.Documents++
		if !force && s.recentlyBuilt(file.User) {
			summary.Fresh++
			continue
		}
		report, err := s.build(ctx, file)
		switch {
		case err != nil:
			summary.Failed++
			logger.Error("document build failed", zap.String("file", file.Name), zap.Error(err))
		case report.Skipped:
			summary.Kept++
		default:
			summary.Built++
		}
		summary.Items += report.Items
	}

	summary.Duration = time.Since(start)
	s.mu.Lock()
	s.lastIngest = summary
	s.lastAt = s.store.Now()
	s.mu.Unlock()
	logger.Info("ingestion finished",
		zap.Int("documents", summary.Documents),
		zap.Int("built", summary.Built),
		zap.Int("fresh", summary.Fresh),
		zap.Int("kept", summary.Kept),
		zap.Int("failed", summary.Failed),
		zap.Int("items", summary.Items),
		zap.Duration("took", summary.Duration))
	if err := ctx.Err(); err != nil {
		return summary, fmt.Errorf("ingestion interrupted: %w", err)
	}
	return summary, nil
}

// build rebuilds one document and records when it happened.
func (s *Service) build(ctx context.Context, file sources.File) (cache.Report, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "ingest.document", trace.WithAttributes(attribute.String("user", file.User)))
	defer span.End()
	report, err := s.builder.BuildFile(ctx, file)
	span.SetAttributes(attribute.Int("items", report.Items), attribute.Bool("kept", report.Skipped))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	if err == nil || len(report.Categories) > 0 {
		s.mu.Lock()
		s.lastBuilt[file.User] = s.store.Now()
		s.mu.Unlock()
	}
	return report, err
}

func (s *Service) rebuild(ctx context.Context, file sources.File) error {
	_, err := s.build(ctx, file)
	return err
}

func (s *Service) recentlyBuilt(user string) bool {
	if s.cfg.Schedule.MinRefresh == 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.lastBuilt[user]
	return ok && s.store.Now().Sub(at) < s.cfg.Schedule.MinRefresh
}

func (s *Service) claimUser(user string) (sources.File, error) {
	file, ok := sources.FileFor(s.cfg.FeedsDir, user+sources.Extension)
	if !ok {
		return sources.File{}, fmt.Errorf("%w: %q", ErrUnknownUser, user)
	}
	if _, err := os.Stat(file.Path); err != nil {
		return sources.File{}, fmt.Errorf("%w: %q", ErrUnknownUser, user)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[file.User]; busy {
		return sources.File{}, ErrRunInProgress
	}
	s.inflight[file.User] = struct{}{}
	return file, nil
}

func (s *Service) releaseUser(user string) {
	s.mu.Lock()
	delete(s.inflight, user)
	s.mu.Unlock()
}

func (s *Service) headlineTargets() ([]headlines.Target, error) {
	files, _, err := sources.List(s.cfg.FeedsDir)
	if err != nil {
		return nil, err
	}
	var targets []headlines.Target
	for _, file := range files {
		doc, err := sources.LoadFile(file.Path)
		if err != nil {
			s.logger.Warn("source document unreadable", zap.String("file", file.Name), zap.Error(err))
			continue
		}
		targets = append(targets, headlines.TargetsFor(file, doc)...)
	}
	return targets, nil
}

func (s *Service) ingestLoop() {
	s.scheduledIngest()

	ticker := time.NewTicker(s.cfg.Schedule.IngestInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.scheduledIngest()
		}
	}
}

func (s *Service) scheduledIngest() {
	if !s.ingesting.CompareAndSwap(false, true) {
		s.logger.Warn("scheduled ingestion skipped, previous run still in progress")
		return
	}
	defer s.ingesting.Store(false)
	_, err := s.runPass(s.ctx, uuid.NewString(), false)
	s.logIfFailed("scheduled ingestion", err)
}

func (s *Service) headlineLoop() {
	delay := time.NewTimer(s.cfg.Schedule.HeadlineDelay)
	defer delay.Stop()
	select {
	case <-s.ctx.Done():
		return
	case <-delay.C:
	}
	s.scheduledHeadlines()

	ticker := time.NewTicker(s.cfg.Schedule.HeadlineInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.scheduledHeadlines()
		}
	}
}

func (s *Service) scheduledHeadlines() {
	_, err := s.RunHeadlines(s.ctx)
	if errors.Is(err, headlines.ErrRunInProgress) {
		return
	}
	s.logIfFailed("scheduled headline run", err)
}

func (s *Service) logIfFailed(what string, err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	s.logger.Error(what+" failed", zap.Error(err))
}
