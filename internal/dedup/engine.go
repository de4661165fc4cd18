package dedup

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"reflect"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/booth-crawler/internal/crawler"
	"github.com/JakeFAU/booth-crawler/internal/metrics"
	"github.com/JakeFAU/booth-crawler/internal/telemetry"
)

// Config controls clustering radius, parallelism and conflict retries.
type Config struct {
	// RadiusMeters is used when ingesting candidates.
	RadiusMeters float64
	// PassRadiusMeters is the default for full passes when none is given.
	PassRadiusMeters float64
	Parallelism      int
	MaxRounds        int
	MaxAttempts      int
	Weights          Weights
	MergedTopic      string
}

const (
	defaultRadiusMeters = 50
	defaultParallelism  = 4
	defaultMaxRounds    = 3
	defaultMaxAttempts  = 3
)

// Outcome describes what ingesting one candidate did to the store.
type Outcome string

// Ingest outcomes.
const (
	OutcomeAdded     Outcome = "added"
	OutcomeUpdated   Outcome = "updated"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeSkipped   Outcome = "skipped"
)

// IngestResult summarizes a batch of candidates.
type IngestResult struct {
	Found   int
	Added   int
	Updated int
	Skipped int
	Touched []crawler.CanonicalEntity
}

// PassResult summarizes a full dedup pass.
type PassResult struct {
	Before   int           `json:"before"`
	After    int           `json:"after"`
	Rounds   int           `json:"rounds"`
	Groups   int           `json:"groups"`
	Merged   int           `json:"merged"`
	Skipped  int           `json:"skipped"`
	Duration time.Duration `json:"duration"`
}

// Engine reconciles candidates into the canonical store and runs periodic
// full dedup passes.
type Engine struct {
	store     crawler.EntityStore
	sim       Similarity
	scorer    Scorer
	clock     crawler.Clock
	idGen     crawler.IDGenerator
	publisher crawler.Publisher
	cfg       Config
	locks     *stripedLocks
	logger    *zap.Logger
}

// NewEngine wires an Engine. publisher may be nil.
func NewEngine(
	store crawler.EntityStore,
	sim Similarity,
	clock crawler.Clock,
	idGen crawler.IDGenerator,
	publisher crawler.Publisher,
	cfg Config,
	logger *zap.Logger,
) *Engine {
	if cfg.RadiusMeters <= 0 {
		cfg.RadiusMeters = defaultRadiusMeters
	}
	if cfg.PassRadiusMeters <= 0 {
		cfg.PassRadiusMeters = cfg.RadiusMeters
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = defaultParallelism
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = defaultMaxRounds
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Weights == (Weights{}) {
		cfg.Weights = DefaultWeights()
	}
	if sim == nil {
		sim = NewContainmentSimilarity(DefaultNameConfig())
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:     store,
		sim:       sim,
		scorer:    NewScorer(cfg.Weights),
		clock:     clock,
		idGen:     idGen,
		publisher: publisher,
		cfg:       cfg,
		locks:     &stripedLocks{},
		logger:    logger,
	}
}

// Ingest reconciles each candidate into the store. Candidates whose merge
// keeps conflicting are skipped; store failures abort the batch.
func (e *Engine) Ingest(ctx context.Context, candidates []crawler.CandidateEntity) (IngestResult, error) {
	res := IngestResult{Found: len(candidates)}
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("ingest canceled: %w", err)
		}
		entity, outcome, err := e.IngestCandidate(ctx, c)
		if err != nil {
			return res, fmt.Errorf("ingest %q: %w", c.Name, err)
		}
		metrics.ObserveIngest(string(outcome))
		switch outcome {
		case OutcomeAdded:
			res.Added++
			res.Touched = append(res.Touched, entity)
		case OutcomeUpdated:
			res.Updated++
			res.Touched = append(res.Touched, entity)
		case OutcomeSkipped:
			res.Skipped++
		}
	}
	return res, nil
}

// IngestCandidate matches c against nearby canonical entities and either
// seeds a new entity or merges into the best match.
func (e *Engine) IngestCandidate(
	ctx context.Context,
	c crawler.CandidateEntity,
) (crawler.CanonicalEntity, Outcome, error) {
	cand := c.AsCanonical()
	unlock := e.locks.Lock(localityKey(cand.Country, cand.City))
	defer unlock()

	matcher := Matcher{RadiusMeters: e.cfg.RadiusMeters, Similarity: e.sim}
	for attempt := 1; ; attempt++ {
		neighbours, err := e.neighbours(ctx, cand)
		if err != nil {
			return crawler.CanonicalEntity{}, "", err
		}
		idx := matcher.BestMatch(cand, neighbours)
		if idx < 0 {
			inserted, err := e.insert(ctx, cand)
			if err != nil {
				return crawler.CanonicalEntity{}, "", err
			}
			return inserted, OutcomeAdded, nil
		}
		existing := neighbours[idx]
		merged := e.mergeInto(existing, cand)
		if samePayload(existing, merged) {
			return existing, OutcomeUnchanged, nil
		}
		merged.UpdatedAt = e.clock.Now()
		updated, err := e.store.UpdateEntity(ctx, merged)
		if err == nil {
			return updated, OutcomeUpdated, nil
		}
		if !errors.Is(err, crawler.ErrMergeConflict) && !errors.Is(err, crawler.ErrNotFound) {
			return crawler.CanonicalEntity{}, "", fmt.Errorf("update entity %s: %w", existing.ID, err)
		}
		if attempt >= e.cfg.MaxAttempts {
			e.logger.Warn("candidate skipped after repeated merge conflicts",
				zap.String("name", c.Name),
				zap.String("entity_id", existing.ID),
				zap.Int("attempts", attempt),
			)
			return existing, OutcomeSkipped, nil
		}
	}
}

// mergeInto merges a fresh candidate with a stored entity. If the candidate
// outranks the stored record its payload wins, but the stored identity is kept.
func (e *Engine) mergeInto(existing, cand crawler.CanonicalEntity) crawler.CanonicalEntity {
	decision := Decide(e.scorer, []crawler.CanonicalEntity{existing, cand})
	merged := decision.Merged
	if !decision.Keeper.Persisted() {
		merged.ID = existing.ID
		merged.Slug = existing.Slug
		merged.CreatedAt = existing.CreatedAt
		merged.UpdatedAt = existing.UpdatedAt
	}
	merged.Version = existing.Version
	return merged
}

func (e *Engine) neighbours(ctx context.Context, cand crawler.CanonicalEntity) ([]crawler.CanonicalEntity, error) {
	if cand.HasCoordinates() {
		out, err := e.store.ListNear(ctx, *cand.Latitude, *cand.Longitude, e.cfg.RadiusMeters)
		if err != nil {
			return nil, fmt.Errorf("list near: %w", err)
		}
		return out, nil
	}
	out, err := e.store.ListByLocality(ctx, crawler.Locality{Country: cand.Country, City: cand.City})
	if err != nil {
		return nil, fmt.Errorf("list locality: %w", err)
	}
	return out, nil
}

func (e *Engine) insert(ctx context.Context, cand crawler.CanonicalEntity) (crawler.CanonicalEntity, error) {
	id, err := e.idGen.NewID()
	if err != nil {
		return crawler.CanonicalEntity{}, fmt.Errorf("generate entity id: %w", err)
	}
	now := e.clock.Now()
	cand.ID = id
	cand.Slug = Slugify(cand.Name, cand.City)
	cand.CreatedAt = now
	cand.UpdatedAt = now
	if cand.Status == "" {
		cand.Status = crawler.EntityUnverified
	}
	inserted, err := e.store.InsertEntity(ctx, cand)
	if err != nil {
		return crawler.CanonicalEntity{}, fmt.Errorf("insert entity: %w", err)
	}
	return inserted, nil
}

// RunPass clusters every locality in parallel and commits one merge decision
// per cluster. Clustering only reads; each commit locks its own rows.
// Rounds repeat until a round produces no merges or MaxRounds is reached.
func (e *Engine) RunPass(ctx context.Context, radiusMeters float64) (PassResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "dedup.RunPass")
	defer span.End()

	if radiusMeters <= 0 {
		radiusMeters = e.cfg.PassRadiusMeters
	}
	start := e.clock.Now()
	before, err := e.store.CountEntities(ctx)
	if err != nil {
		return PassResult{}, fmt.Errorf("count entities: %w", err)
	}
	res := PassResult{Before: before}
	matcher := Matcher{RadiusMeters: radiusMeters, Similarity: e.sim}

	for res.Rounds < e.cfg.MaxRounds {
		res.Rounds++
		round, err := e.runRound(ctx, matcher)
		if err != nil {
			return res, err
		}
		res.Groups += round.Groups
		res.Merged += round.Merged
		res.Skipped += round.Skipped
		if round.Merged == 0 {
			break
		}
	}

	after, err := e.store.CountEntities(ctx)
	if err != nil {
		return res, fmt.Errorf("count entities: %w", err)
	}
	res.After = after
	res.Duration = e.clock.Now().Sub(start)
	span.SetAttributes(
		attribute.Int("dedup.before", res.Before),
		attribute.Int("dedup.after", res.After),
		attribute.Int("dedup.merged", res.Merged),
	)
	metrics.ObserveDedupPass(res.Duration, res.Merged)
	e.logger.Info("dedup pass finished",
		zap.Float64("radius_m", radiusMeters),
		zap.Int("before", res.Before),
		zap.Int("after", res.After),
		zap.Int("groups", res.Groups),
		zap.Int("merged", res.Merged),
		zap.Int("skipped", res.Skipped),
		zap.Int("rounds", res.Rounds),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

func (e *Engine) runRound(ctx context.Context, matcher Matcher) (PassResult, error) {
	localities, err := e.store.ListLocalities(ctx)
	if err != nil {
		return PassResult{}, fmt.Errorf("list localities: %w", err)
	}
	var (
		mu  sync.Mutex
		res PassResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Parallelism)
	for _, loc := range localities {
		g.Go(func() error {
			entities, err := e.store.ListByLocality(gctx, loc)
			if err != nil {
				return fmt.Errorf("list locality %s/%s: %w", loc.Country, loc.City, err)
			}
			groups := Cluster(matcher, e.scorer, entities)
			for _, group := range groups {
				merged, err := e.commit(gctx, Decide(e.scorer, group))
				mu.Lock()
				res.Groups++
				if merged {
					res.Merged += len(group) - 1
				} else {
					res.Skipped++
				}
				mu.Unlock()
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, fmt.Errorf("dedup round: %w", err)
	}
	return res, nil
}

// commit applies one decision. Conflicts mean another writer got there first
// and the decision is skipped, never half applied.
func (e *Engine) commit(ctx context.Context, decision crawler.MergeDecision) (bool, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "dedup.ApplyMerge")
	defer span.End()

	decision.Merged.UpdatedAt = e.clock.Now()
	keeper, err := e.store.ApplyMerge(ctx, decision)
	if errors.Is(err, crawler.ErrMergeConflict) || errors.Is(err, crawler.ErrNotFound) {
		e.logger.Info("merge decision skipped",
			zap.String("keeper_id", decision.Keeper.ID),
			zap.Strings("loser_ids", decision.LoserIDs()),
			zap.Error(err),
		)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("apply merge %s: %w", decision.Keeper.ID, err)
	}
	e.logger.Info("merged duplicate booths",
		zap.String("keeper_id", keeper.ID),
		zap.String("keeper_slug", keeper.Slug),
		zap.Strings("loser_ids", decision.LoserIDs()),
		zap.Int("sources_before", len(decision.Keeper.SourceNames)),
		zap.Int("sources_after", len(keeper.SourceNames)),
		zap.Int("urls_before", len(decision.Keeper.SourceURLs)),
		zap.Int("urls_after", len(keeper.SourceURLs)),
		zap.Int("photos_before", len(decision.Keeper.Photos)),
		zap.Int("photos_after", len(keeper.Photos)),
	)
	metrics.ObserveMerge(len(decision.LoserIDs()))
	e.publishMerge(ctx, keeper, decision.LoserIDs())
	return true, nil
}

func (e *Engine) publishMerge(ctx context.Context, keeper crawler.CanonicalEntity, losers []string) {
	if e.publisher == nil || e.cfg.MergedTopic == "" {
		return
	}
	payload := map[string]any{
		"type":      "entity.merged",
		"keeper_id": keeper.ID,
		"slug":      keeper.Slug,
		"loser_ids": losers,
	}
	if _, err := e.publisher.Publish(ctx, e.cfg.MergedTopic, payload); err != nil {
		e.logger.Warn("publish merge event failed", zap.String("keeper_id", keeper.ID), zap.Error(err))
	}
}

func localityKey(country, city string) string {
	return strings.ToLower(strings.TrimSpace(country)) + "|" + strings.ToLower(strings.TrimSpace(city))
}

// samePayload compares two entities ignoring timestamps and nil/empty slice
// differences.
func samePayload(a, b crawler.CanonicalEntity) bool {
	norm := func(e crawler.CanonicalEntity) crawler.CanonicalEntity {
		e = e.Clone()
		e.CreatedAt, e.UpdatedAt = time.Time{}, time.Time{}
		if len(e.SourceNames) == 0 {
			e.SourceNames = nil
		}
		if len(e.SourceURLs) == 0 {
			e.SourceURLs = nil
		}
		if len(e.Photos) == 0 {
			e.Photos = nil
		}
		if len(e.Aliases) == 0 {
			e.Aliases = nil
		}
		return e
	}
	return reflect.DeepEqual(norm(a), norm(b))
}

const lockStripes = 64

// stripedLocks serializes ingestion per locality inside one process.
type stripedLocks struct {
	stripes [lockStripes]sync.Mutex
}

func (l *stripedLocks) Lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	m := &l.stripes[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}
