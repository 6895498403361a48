package validate

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/imobcrm/geodedup/internal/cache"
	"github.com/imobcrm/geodedup/internal/detect"
	"github.com/imobcrm/geodedup/internal/model"
	"github.com/imobcrm/geodedup/pkg/llm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// fakeClient returns canned responses and records prompts.
type fakeClient struct {
	responses []string
	err       error
	prompts   []llm.MessageRequest
}

func (f *fakeClient) CreateMessage(ctx context.Context, req llm.MessageRequest) (*llm.MessageResponse, error) {
	f.prompts = append(f.prompts, req)
	if f.err != nil {
		return nil, f.err
	}
	idx := len(f.prompts) - 1
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	return &llm.MessageResponse{Text: f.responses[idx]}, nil
}

// memCache is a map-backed Cache for tests.
type memCache struct {
	data map[string]string
}

func newMemCache() *memCache { return &memCache{data: map[string]string{}} }

func (m *memCache) Get(ctx context.Context, key string) (string, bool) {
	v, ok := m.data[key]
	return v, ok
}

func (m *memCache) Set(ctx context.Context, key, value string, ttl time.Duration) {
	m.data[key] = value
}

func (m *memCache) Del(ctx context.Context, key string) {
	delete(m.data, key)
}

func decisionsJSON(t *testing.T, ds []Decision) string {
	t.Helper()
	blob, err := json.Marshal(ds)
	require.NoError(t, err)
	return string(blob)
}

func groupInput(key string, kind model.EntityKind, ids, names []string) GroupInput {
	return GroupInput{Key: key, Kind: kind, MemberIDs: ids, MemberNames: names, City: "Goiânia", State: "GO"}
}

func TestSystemPrompt_EmbedsRubricVerbatim(t *testing.T) {
	assert.Contains(t, SystemPrompt(), Rubric)
}

func TestRubric_CoversAllRules(t *testing.T) {
	for _, fragment := range []string{
		"NUMERIC SUFFIX",
		"CARDINAL DIRECTION",
		"Norte/Sul/Leste/Oeste",
		"São Geraldo do Baixio",
		"Setor Marista Sul",
		"SPELLING VARIATION",
		"Ed. Aurora",
		"PREFIX EQUIVALENCE",
		"Belvedere 1",
	} {
		assert.Contains(t, Rubric, fragment)
	}
}

func TestBatchPrompt_ListsGroupsAndContext(t *testing.T) {
	groups := []GroupInput{
		groupInput("g1", model.KindNeighborhood, []string{"1", "2"}, []string{"Jardim Aurora", "Jd Aurora"}),
	}
	prompt := BatchPrompt(groups)
	assert.Contains(t, prompt, "Group g1")
	assert.Contains(t, prompt, "bairro")
	assert.Contains(t, prompt, `name="Jardim Aurora"`)
	assert.Contains(t, prompt, "city: Goiânia")
	assert.Contains(t, prompt, "state: GO")
}

func TestParseDecisions_BareArray(t *testing.T) {
	ds, err := ParseDecisions(`[{"group":"g1","confirmed":true,"confidence":0.95,"canonical_name":"Jardim Aurora","rationale":"spelling variation","valid_member_ids":["1","2"]}]`)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.True(t, ds[0].Confirmed)
	assert.Equal(t, 0.95, ds[0].Confidence)
}

func TestParseDecisions_FencedBlock(t *testing.T) {
	ds, err := ParseDecisions("```json\n[{\"group\":\"g1\",\"confirmed\":false}]\n```")
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.False(t, ds[0].Confirmed)
}

func TestParseDecisions_Garbage(t *testing.T) {
	_, err := ParseDecisions("sorry, I cannot help with that")
	assert.Error(t, err)
}

func TestValidateAll_ConfirmAndReject(t *testing.T) {
	fc := &fakeClient{responses: []string{decisionsJSON(t, []Decision{
		{Group: "g1", Confirmed: true, Confidence: 0.95, CanonicalName: "Jardim Aurora", ValidMemberIDs: []string{"1", "2"}},
		{Group: "g2", Confirmed: false, Confidence: 0.9, Rationale: "numeric suffix distinctness"},
	})}}

	v := NewValidator(fc, cache.Noop{}, "", 10)
	outcomes, err := v.ValidateAll(context.Background(), []GroupInput{
		groupInput("g1", model.KindNeighborhood, []string{"1", "2"}, []string{"Jardim Aurora", "Jd Aurora"}),
		groupInput("g2", model.KindNeighborhood, []string{"3", "4"}, []string{"Parque Industrial I", "Parque Industrial II"}),
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.True(t, outcomes["g1"].Decision.Confirmed)
	assert.False(t, outcomes["g2"].Decision.Confirmed)
	require.Len(t, fc.prompts, 1)
	assert.Contains(t, fc.prompts[0].System, Rubric)
}

func TestValidateAll_Batching(t *testing.T) {
	var groups []GroupInput
	var ds []Decision
	for i := 0; i < 25; i++ {
		key := fmt.Sprintf("g%d", i)
		groups = append(groups, groupInput(key, model.KindStreet,
			[]string{fmt.Sprintf("a%d", i), fmt.Sprintf("b%d", i)},
			[]string{fmt.Sprintf("Rua %d", i), fmt.Sprintf("R. %d", i)}))
		ds = append(ds, Decision{Group: key, Confirmed: true, Confidence: 0.9, ValidMemberIDs: []string{fmt.Sprintf("a%d", i), fmt.Sprintf("b%d", i)}})
	}
	// Each batch response carries all decisions; extras for absent groups are ignored.
	fc := &fakeClient{responses: []string{decisionsJSON(t, ds), decisionsJSON(t, ds), decisionsJSON(t, ds)}}

	v := NewValidator(fc, cache.Noop{}, "", 10)
	outcomes, err := v.ValidateAll(context.Background(), groups)
	require.NoError(t, err)
	assert.Len(t, outcomes, 25)
	assert.Len(t, fc.prompts, 3) // 10 + 10 + 5
}

func TestValidateAll_BatchFailureIsNonFatal(t *testing.T) {
	fc := &fakeClient{err: assert.AnError}
	v := NewValidator(fc, cache.Noop{}, "", 10)

	outcomes, err := v.ValidateAll(context.Background(), []GroupInput{
		groupInput("g1", model.KindCity, []string{"1", "2"}, []string{"Goiania", "Goiânia"}),
	})
	assert.Error(t, err)
	assert.Empty(t, outcomes)
}

func TestValidateAll_CacheHitSkipsClient(t *testing.T) {
	mc := newMemCache()
	g := groupInput("g1", model.KindCity, []string{"1", "2"}, []string{"Goiania", "Goiânia"})

	fc := &fakeClient{responses: []string{decisionsJSON(t, []Decision{
		{Group: "g1", Confirmed: true, Confidence: 0.9, ValidMemberIDs: []string{"1", "2"}},
	})}}
	v := NewValidator(fc, mc, "", 10)

	_, err := v.ValidateAll(context.Background(), []GroupInput{g})
	require.NoError(t, err)
	require.Len(t, fc.prompts, 1)

	// Second run answers from the decision cache without a new prompt.
	outcomes, err := v.ValidateAll(context.Background(), []GroupInput{g})
	require.NoError(t, err)
	assert.Len(t, fc.prompts, 1)
	assert.True(t, outcomes["g1"].Decision.Confirmed)
}

func TestApply_Rejection(t *testing.T) {
	c := detect.Candidate{Kind: model.KindNeighborhood, MemberIDs: []string{"1", "2"}, MemberNames: []string{"A", "B"}}
	_, keep := Apply(c, Outcome{Decision: Decision{Confirmed: false}})
	assert.False(t, keep)
}

func TestApply_TrimPreservesOrder(t *testing.T) {
	c := detect.Candidate{
		Kind:        model.KindNeighborhood,
		MemberIDs:   []string{"1", "2", "3", "4"},
		MemberNames: []string{"A", "B", "C", "D"},
	}
	out := Outcome{Decision: Decision{Confirmed: true, ValidMemberIDs: []string{"4", "1", "3"}}}

	got, keep := Apply(c, out)
	require.True(t, keep)
	assert.Equal(t, []string{"1", "3", "4"}, got.MemberIDs)
	assert.Equal(t, []string{"A", "C", "D"}, got.MemberNames)
}

func TestApply_CanonicalNameReplacesNormalized(t *testing.T) {
	c := detect.Candidate{
		Kind:           model.KindNeighborhood,
		MemberIDs:      []string{"1", "2"},
		MemberNames:    []string{"Jd America", "Jardim América"},
		NormalizedName: "america",
	}
	out := Outcome{Decision: Decision{Confirmed: true, CanonicalName: "Jardim América", ValidMemberIDs: []string{"1", "2"}}}

	got, keep := Apply(c, out)
	require.True(t, keep)
	assert.Equal(t, "america", got.NormalizedName)
}

func TestApply_TrimBelowTwoRejects(t *testing.T) {
	c := detect.Candidate{
		Kind:        model.KindCondo,
		MemberIDs:   []string{"1", "2", "3"},
		MemberNames: []string{"A", "B", "C"},
	}
	out := Outcome{Decision: Decision{Confirmed: true, ValidMemberIDs: []string{"2", "zz"}}}

	_, keep := Apply(c, out)
	assert.False(t, keep)
}
