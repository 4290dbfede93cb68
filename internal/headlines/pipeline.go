package headlines

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/feedcache/internal/links"
	"github.com/JakeFAU/feedcache/internal/metrics"
	"github.com/JakeFAU/feedcache/internal/sources"
)

// TargetsFor lists the headline targets of one source document. Targets are
// unique per (user, category, homepage) and keep document order.
func TargetsFor(file sources.File, doc sources.Document) []Target {
	var out []Target
	seen := map[string]struct{}{}
	for _, r := range doc.HeadlineRecords() {
		homepage := links.Homepage(r.URL)
		if homepage == "" {
			continue
		}
		category := r.Category
		if category == "" {
			category = sources.DefaultCategory
		}
		key := file.User + "|" + category + "|" + homepage
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, Target{
			User:     file.User,
			Category: category,
			Homepage: homepage,
			NewTab:   r.Flags.OpenInNewTab,
		})
	}
	return out
}

// RunReport summarizes one pipeline run.
type RunReport struct {
	RunID      string
	Skipped    string
	Homepages  int
	Failed     int
	Merged     int
	Finalized  int
	Enriched   int
	// Articles counts distinct articles scraped and rewritten in the run.
	Articles   int
	Categories []string
	Duration   time.Duration
}

// Pipeline runs the scrape, extract, merge, finalize and enrich cycle.
type Pipeline struct {
	proc      *Processor
	scraper   Scraper
	extractor Extractor
	filter    FilterConfig
	logger    *zap.Logger
	running   atomic.Bool
}

// NewPipeline wires a Pipeline around a Processor.
func NewPipeline(proc *Processor, scraper Scraper, extractor Extractor, filter FilterConfig, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		proc:      proc,
		scraper:   scraper,
		extractor: extractor,
		filter:    filter.withDefaults(),
		logger:    logger.Named("headlines"),
	}
}

// Running reports whether a run is in flight.
func (p *Pipeline) Running() bool {
	return p.running.Load()
}

// Run processes targets. Overlapping calls return ErrRunInProgress. Errors
// of single homepages or categories are logged and counted, never returned.
func (p *Pipeline) Run(ctx context.Context, targets []Target) (RunReport, error) {
	if !p.running.CompareAndSwap(false, true) {
		p.logger.Warn("headline run skipped, previous run still in progress")
		metrics.ObserveHeadlineRun("overlap")
		return RunReport{}, ErrRunInProgress
	}
	defer p.running.Store(false)

	start := time.Now()
	report := RunReport{RunID: uuid.NewString()}
	logger := p.logger.With(zap.String("run_id", report.RunID))

	switch {
	case !isConfigured(p.extractor):
		report.Skipped = "language model not configured"
	case !isConfigured(p.scraper):
		report.Skipped = "scraper disabled"
	case len(targets) == 0:
		report.Skipped = "no headline sources"
	}
	if report.Skipped != "" {
		logger.Warn("headline run skipped", zap.String("reason", report.Skipped))
		metrics.ObserveHeadlineRun("skipped")
		return report, nil
	}

	order, groups := groupByHomepage(targets)
	logger.Info("headline run started",
		zap.Int("targets", len(targets)),
		zap.Int("homepages", len(order)))

	var processed []string
	touched := map[string]Target{}
	mark := func(t Target) {
		key := t.User + "|" + t.Category
		if _, ok := touched[key]; !ok {
			touched[key] = t
			processed = append(processed, key)
		}
	}

	for _, homepage := range order {
		if ctx.Err() != nil {
			break
		}
		report.Homepages++
		candidates, err := p.collect(ctx, homepage)
		if err != nil {
			report.Failed++
			logger.Warn("homepage skipped", zap.String("homepage", homepage), zap.Error(err))
			if errors.Is(err, ErrUnavailable) {
				break
			}
			continue
		}
		if candidates == nil {
			report.Failed++
			continue
		}
		for _, t := range groups[homepage] {
			n, err := p.proc.Merge(ctx, t, candidates)
			if err != nil {
				logger.Error("merge failed", zap.String("user", t.User), zap.String("category", t.Category), zap.Error(err))
				continue
			}
			report.Merged += n
			mark(t)
		}
	}

	seen := NewEnrichments()
	for _, key := range processed {
		t := touched[key]
		n, err := p.proc.Finalize(ctx, t.User, t.Category)
		if err != nil {
			logger.Error("finalize failed", zap.String("user", t.User), zap.String("category", t.Category), zap.Error(err))
			continue
		}
		report.Finalized += n
		report.Categories = append(report.Categories, key)
		enrichedCount, err := p.proc.Enrich(ctx, t.User, t.Category, seen)
		if err != nil {
			logger.Error("enrich failed", zap.String("user", t.User), zap.String("category", t.Category), zap.Error(err))
			continue
		}
		report.Enriched += enrichedCount
	}
	report.Articles = seen.Len()

	report.Duration = time.Since(start)
	status := "ok"
	if report.Failed > 0 {
		status = "partial"
	}
	if report.Failed == report.Homepages && report.Homepages > 0 {
		status = "error"
	}
	metrics.ObserveHeadlineRun(status)
	logger.Info("headline run finished",
		zap.Int("homepages", report.Homepages),
		zap.Int("failed", report.Failed),
		zap.Int("merged", report.Merged),
		zap.Int("finalized", report.Finalized),
		zap.Int("enriched", report.Enriched),
		zap.Int("categories", len(report.Categories)),
		zap.Duration("took", report.Duration))
	return report, nil
}

// collect scrapes and extracts one homepage. A nil slice with a nil error
// means the homepage produced no markdown; an empty slice means the model
// found no valid headline, which clears the source's side-car entry.
func (p *Pipeline) collect(ctx context.Context, homepage string) ([]Candidate, error) {
	markdown, err := p.scraper.Scrape(ctx, homepage)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(markdown) == "" {
		p.logger.Warn("homepage produced no content", zap.String("homepage", homepage))
		return nil, nil
	}
	raw, err := p.extractor.ExtractHeadlines(ctx, markdown)
	if err != nil {
		return nil, err
	}
	kept := p.filter.Sanitize(raw, homepage)
	metrics.ObserveHeadlineCandidates("extracted", len(raw))
	metrics.ObserveHeadlineCandidates("kept", len(kept))
	p.logger.Info("headlines extracted",
		zap.String("homepage", homepage),
		zap.Int("extracted", len(raw)),
		zap.Int("kept", len(kept)))
	return kept, nil
}

func groupByHomepage(targets []Target) ([]string, map[string][]Target) {
	groups := map[string][]Target{}
	var order []string
	for _, t := range targets {
		if _, ok := groups[t.Homepage]; !ok {
			order = append(order, t.Homepage)
		}
		groups[t.Homepage] = append(groups[t.Homepage], t)
	}
	return order, groups
}
