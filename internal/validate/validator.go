// Package validate adjudicates candidate duplicate groups with an LLM under
// a fixed rubric, suppressing the near-name false positives trigram
// similarity cannot tell apart.
package validate

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/imobcrm/geodedup/internal/cache"
	"github.com/imobcrm/geodedup/internal/detect"
	"github.com/imobcrm/geodedup/internal/normalize"
	"github.com/imobcrm/geodedup/pkg/llm"
)

const (
	// DefaultBatchSize is how many groups share one prompt.
	DefaultBatchSize = 10

	decisionCacheTTL = 7 * 24 * time.Hour
	maxTokens        = 4096
)

// Outcome pairs a group's decision with the raw response fragment kept for
// audit in llm_details.
type Outcome struct {
	Decision Decision
	Raw      json.RawMessage
}

// Validator runs batched adjudication with a decision cache.
type Validator struct {
	client    llm.Client
	cache     cache.Cache
	model     string
	batchSize int
}

// NewValidator creates a Validator. cache may be a cache.Noop.
func NewValidator(client llm.Client, c cache.Cache, model string, batchSize int) *Validator {
	if model == "" {
		model = llm.DefaultModel
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Validator{client: client, cache: c, model: model, batchSize: batchSize}
}

// cacheKey identifies a decision by the folded member-name tuple, so the same
// group re-detected later reuses the previous verdict.
func cacheKey(names []string) string {
	return "llmdec:" + normalize.Fold(strings.Join(names, "|"))
}

// ValidateAll adjudicates groups in fixed-size sequential batches, preserving
// input order in the result. A batch-level failure returns an error for that
// batch's groups only; the caller persists those without validation.
func (v *Validator) ValidateAll(ctx context.Context, groups []GroupInput) (map[string]Outcome, error) {
	outcomes := make(map[string]Outcome, len(groups))

	var pending []GroupInput
	for _, g := range groups {
		if cached, ok := v.cachedDecision(ctx, g); ok {
			outcomes[g.Key] = cached
			continue
		}
		pending = append(pending, g)
	}

	var firstErr error
	for start := 0; start < len(pending); start += v.batchSize {
		end := min(start+v.batchSize, len(pending))
		batch := pending[start:end]

		batchOutcomes, err := v.validateBatch(ctx, batch)
		if err != nil {
			// Non-fatal: these groups will be persisted unvalidated.
			zap.L().Warn("llm batch validation failed; groups pass through unvalidated",
				zap.Int("batch_start", start),
				zap.Int("batch_size", len(batch)),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for key, out := range batchOutcomes {
			outcomes[key] = out
		}
	}
	return outcomes, firstErr
}

func (v *Validator) cachedDecision(ctx context.Context, g GroupInput) (Outcome, bool) {
	blob, ok := v.cache.Get(ctx, cacheKey(g.MemberNames))
	if !ok || blob == cache.Miss {
		return Outcome{}, false
	}
	var d Decision
	if err := json.Unmarshal([]byte(blob), &d); err != nil {
		return Outcome{}, false
	}
	d.Group = g.Key
	raw, _ := json.Marshal(d)
	return Outcome{Decision: d, Raw: raw}, true
}

// validateBatch sends one prompt for a batch and maps decisions back by key.
func (v *Validator) validateBatch(ctx context.Context, batch []GroupInput) (map[string]Outcome, error) {
	resp, err := v.client.CreateMessage(ctx, llm.MessageRequest{
		Model:     v.model,
		MaxTokens: maxTokens,
		System:    SystemPrompt(),
		Messages:  []llm.Message{{Role: "user", Content: BatchPrompt(batch)}},
	})
	if err != nil {
		return nil, eris.Wrap(err, "validate: create message")
	}

	decisions, err := ParseDecisions(resp.Text)
	if err != nil {
		return nil, eris.Wrap(err, "validate: parse decisions")
	}

	byKey := make(map[string]Decision, len(decisions))
	for _, d := range decisions {
		byKey[d.Group] = d
	}

	outcomes := make(map[string]Outcome, len(batch))
	for _, g := range batch {
		d, ok := byKey[g.Key]
		if !ok {
			// The model skipped a group; treat as unvalidated rather than
			// guessing a verdict.
			zap.L().Warn("llm response missing group", zap.String("group", g.Key))
			continue
		}
		raw, _ := json.Marshal(d)
		outcomes[g.Key] = Outcome{Decision: d, Raw: raw}

		if blob, err := json.Marshal(d); err == nil {
			v.cache.Set(ctx, cacheKey(g.MemberNames), string(blob), decisionCacheTTL)
		}
	}

	zap.L().Info("llm batch validated",
		zap.Int("groups", len(batch)),
		zap.Int("decided", len(outcomes)),
		zap.Int64("input_tokens", resp.Usage.InputTokens),
		zap.Int64("output_tokens", resp.Usage.OutputTokens),
	)
	return outcomes, nil
}

// Apply folds a decision into a candidate. The returned bool is false when
// the group is rejected outright (not persisted). A confirmed strict-subset
// verdict trims the members, preserving their original relative order; a
// non-empty canonical name replaces the normalized name.
func Apply(c detect.Candidate, out Outcome) (detect.Candidate, bool) {
	d := out.Decision
	if !d.Confirmed {
		return c, false
	}

	if len(d.ValidMemberIDs) >= 2 && len(d.ValidMemberIDs) < len(c.MemberIDs) {
		valid := make(map[string]bool, len(d.ValidMemberIDs))
		for _, id := range d.ValidMemberIDs {
			valid[id] = true
		}
		var ids, names []string
		for i, id := range c.MemberIDs {
			if valid[id] {
				ids = append(ids, id)
				names = append(names, c.MemberNames[i])
			}
		}
		if len(ids) < 2 {
			return c, false
		}
		c.MemberIDs, c.MemberNames = ids, names
	}

	if d.CanonicalName != "" {
		c.NormalizedName = normalize.FoldForKind(d.CanonicalName, c.Kind)
	}
	return c, true
}
