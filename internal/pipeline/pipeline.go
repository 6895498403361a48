// Package pipeline orchestrates a detection run: scoped trigram pairs,
// transitive clustering, LLM adjudication, persistence and optional
// enrichment, one entity kind at a time.
package pipeline

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/imobcrm/geodedup/internal/detect"
	"github.com/imobcrm/geodedup/internal/enrich"
	"github.com/imobcrm/geodedup/internal/model"
	"github.com/imobcrm/geodedup/internal/store"
	"github.com/imobcrm/geodedup/internal/validate"
)

// Detector finds scored similar pairs and the members already grouped.
type Detector interface {
	FindPairs(ctx context.Context, kind model.EntityKind) ([]model.SimilarPair, error)
	ExistingMemberIDs(ctx context.Context, kind model.EntityKind) (map[string]bool, error)
}

// Validator adjudicates candidate groups. Nil disables validation.
type Validator interface {
	ValidateAll(ctx context.Context, groups []validate.GroupInput) (map[string]validate.Outcome, error)
}

// Enricher resolves canonical names for persisted groups. Nil disables
// enrichment.
type Enricher interface {
	EnrichPending(ctx context.Context, kind model.EntityKind, batchSize int) (int, error)
}

// ContextResolver resolves members' surrounding hierarchy, fed to the LLM as
// prompt context. Nil means candidates are adjudicated without it.
type ContextResolver interface {
	ResolveContexts(ctx context.Context, g *model.DuplicateGroup) ([]model.MemberContext, error)
}

// KindResult is one kind's detection outcome.
type KindResult struct {
	Kind           model.EntityKind `json:"kind"`
	RunID          int64            `json:"run_id"`
	PairsAnalyzed  int              `json:"pairs_analyzed"`
	GroupsCreated  int              `json:"groups_created"`
	GroupsRejected int              `json:"groups_rejected"`
	Enriched       int              `json:"enriched"`
}

// Runner drives detection runs end to end.
type Runner struct {
	detector  Detector
	validator Validator
	enricher  Enricher
	contexts  ContextResolver
	store     *store.Store
	log       *zap.Logger
}

// NewRunner creates a Runner. validator, enricher and contexts may be nil.
func NewRunner(d Detector, v Validator, e Enricher, cr ContextResolver, st *store.Store) *Runner {
	return &Runner{
		detector:  d,
		validator: v,
		enricher:  e,
		contexts:  cr,
		store:     st,
		log:       zap.L().With(zap.String("component", "pipeline")),
	}
}

// Run processes the given kinds sequentially in the order passed; callers
// wanting the full pass use model.AllKinds(), which keeps parents ahead of
// children so parent canonical names exist before child enrichment. A kind's
// failure aborts the pass.
func (r *Runner) Run(ctx context.Context, kinds []model.EntityKind) ([]KindResult, error) {
	var results []KindResult
	for _, kind := range kinds {
		res, err := r.runKind(ctx, kind)
		if err != nil {
			return results, err
		}
		results = append(results, *res)
	}
	return results, nil
}

func (r *Runner) runKind(ctx context.Context, kind model.EntityKind) (*KindResult, error) {
	runID, err := r.store.StartRun(ctx, kind)
	if err != nil {
		return nil, err
	}

	res, err := r.detectAndPersist(ctx, kind, runID)
	if err != nil {
		if failErr := r.store.FailRun(ctx, runID, err.Error()); failErr != nil {
			r.log.Warn("failed to record run failure", zap.Int64("run", runID), zap.Error(failErr))
		}
		return nil, err
	}

	if err := r.store.CompleteRun(ctx, runID, store.RunResult{
		TotalAnalyzed: res.PairsAnalyzed,
		TotalGroups:   res.GroupsCreated,
	}); err != nil {
		return nil, err
	}

	if r.enricher != nil {
		enriched, err := r.enricher.EnrichPending(ctx, kind, 0)
		res.Enriched = enriched
		if err != nil {
			r.log.Warn("enrichment pass failed", zap.String("kind", string(kind)), zap.Error(err))
		}
	}

	r.log.Info("detection run finished",
		zap.String("kind", string(kind)),
		zap.Int64("run", runID),
		zap.Int("pairs", res.PairsAnalyzed),
		zap.Int("groups", res.GroupsCreated),
		zap.Int("rejected", res.GroupsRejected),
	)
	return res, nil
}

func (r *Runner) detectAndPersist(ctx context.Context, kind model.EntityKind, runID int64) (*KindResult, error) {
	res := &KindResult{Kind: kind, RunID: runID}

	candidates, pairCount, err := r.detect(ctx, kind)
	if err != nil {
		return nil, err
	}
	res.PairsAnalyzed = pairCount

	outcomes := r.adjudicate(ctx, kind, candidates)

	// Persistence order equals the detector's score-descending pair order,
	// which Cluster preserves.
	for i, c := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "pipeline: run cancelled")
		}

		g := candidateGroup(c)
		if out, ok := outcomes[groupKey(kind, i)]; ok {
			trimmed, keep := validate.Apply(c, out)
			if !keep {
				res.GroupsRejected++
				continue
			}
			g = candidateGroup(trimmed)
			g.Source = model.SourceTrigramLLM
			g.LLMDetails = out.Raw
		}

		if err := r.store.CreateGroup(ctx, g); err != nil {
			return nil, err
		}
		res.GroupsCreated++
	}
	return res, nil
}

// detect finds pairs, drops the ones already covered by an open group, and
// clusters the remainder.
func (r *Runner) detect(ctx context.Context, kind model.EntityKind) ([]detect.Candidate, int, error) {
	pairs, err := r.detector.FindPairs(ctx, kind)
	if err != nil {
		return nil, 0, err
	}

	known, err := r.detector.ExistingMemberIDs(ctx, kind)
	if err != nil {
		return nil, 0, err
	}
	fresh := detect.FilterKnown(pairs, known)

	return detect.Cluster(kind, fresh), len(pairs), nil
}

// adjudicate runs the LLM pass; with no validator, or on total failure, an
// empty map means every candidate passes through unvalidated.
func (r *Runner) adjudicate(ctx context.Context, kind model.EntityKind, candidates []detect.Candidate) map[string]validate.Outcome {
	if r.validator == nil || len(candidates) == 0 {
		return nil
	}

	inputs := make([]validate.GroupInput, len(candidates))
	for i, c := range candidates {
		inputs[i] = validate.GroupInput{
			Key:         groupKey(kind, i),
			Kind:        kind,
			MemberIDs:   c.MemberIDs,
			MemberNames: c.MemberNames,
		}
		// The city scope is the state code itself.
		if kind == model.KindCity {
			inputs[i].State = c.ParentID
		}
		// Deeper kinds get their hierarchy from the host schema; the rubric's
		// geography-dependent rules need it.
		if r.contexts != nil {
			mcs, err := r.contexts.ResolveContexts(ctx, &model.DuplicateGroup{
				EntityKind: kind,
				MemberIDs:  c.MemberIDs,
			})
			if err != nil {
				r.log.Warn("candidate context resolution failed",
					zap.String("kind", string(kind)),
					zap.Error(err),
				)
				continue
			}
			state, city, neighborhood, street := enrich.ContextSummary(mcs)
			if state != "" {
				inputs[i].State = state
			}
			inputs[i].City = city
			inputs[i].Neighborhood = neighborhood
			inputs[i].Street = street
		}
	}

	outcomes, err := r.validator.ValidateAll(ctx, inputs)
	if err != nil {
		r.log.Warn("llm validation incomplete; unvalidated groups persist as trigram-only",
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
	}
	return outcomes
}

func groupKey(kind model.EntityKind, i int) string {
	return fmt.Sprintf("%s-%d", kind, i)
}

func candidateGroup(c detect.Candidate) *model.DuplicateGroup {
	g := &model.DuplicateGroup{
		EntityKind:     c.Kind,
		NormalizedName: c.NormalizedName,
		MemberIDs:      c.MemberIDs,
		MemberNames:    c.MemberNames,
		MeanScore:      c.MeanScore,
		Source:         model.SourceTrigram,
		Status:         model.StatusPending,
	}
	if c.ParentID != "" {
		parent := c.ParentID
		g.ParentID = &parent
	}
	return g
}

// ScanSync runs detection for one kind without persisting anything,
// optionally restricted to a parent scope. Backs the synchronous preview
// endpoint.
func (r *Runner) ScanSync(ctx context.Context, kind model.EntityKind, parentID string) ([]detect.Candidate, error) {
	pairs, err := r.detector.FindPairs(ctx, kind)
	if err != nil {
		return nil, err
	}
	if parentID != "" {
		scoped := pairs[:0:0]
		for _, p := range pairs {
			if p.ParentID == parentID {
				scoped = append(scoped, p)
			}
		}
		pairs = scoped
	}
	return detect.Cluster(kind, pairs), nil
}
