package model

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// GroupStatus is the lifecycle state of a duplicate group.
type GroupStatus string

const (
	StatusPending   GroupStatus = "pending"
	StatusExecuted  GroupStatus = "executed"
	StatusDiscarded GroupStatus = "discarded"
	StatusReverted  GroupStatus = "reverted"
)

// ParseStatus converts a string into a GroupStatus.
func ParseStatus(s string) (GroupStatus, error) {
	switch s {
	case "pending", "pendente":
		return StatusPending, nil
	case "executed", "executado":
		return StatusExecuted, nil
	case "discarded", "descartado":
		return StatusDiscarded, nil
	case "reverted", "revertido":
		return StatusReverted, nil
	default:
		return "", eris.Errorf("unknown group status: %q", s)
	}
}

// Group sources.
const (
	SourceTrigram    = "trigram"
	SourceTrigramLLM = "trigram+llm"
)

// Canonical-name origins.
const (
	OriginRegistry  = "ibge"
	OriginPostalCEP = "viacep"
	OriginGeocoder  = "google_geocoding"
	OriginPlaces    = "google_places"
)

// SimilarPair is one row from the scoped trigram query: two host rows whose
// folded names score above the threshold within the same parent scope.
type SimilarPair struct {
	IDA      string  `json:"id_a"`
	IDB      string  `json:"id_b"`
	NameA    string  `json:"name_a"`
	NameB    string  `json:"name_b"`
	ParentID string  `json:"parent_id"`
	Score    float64 `json:"score"`
}

// DuplicateGroup is a connected component of similar members within a parent
// scope, plus everything the operator needs to decide and execute a merge.
type DuplicateGroup struct {
	ID             string      `json:"id"`
	EntityKind     EntityKind  `json:"entity_kind"`
	ParentID       *string     `json:"parent_id"`
	NormalizedName string      `json:"normalized_name"`
	MemberIDs      []string    `json:"member_ids"`
	MemberNames    []string    `json:"member_names"`
	MeanScore      float64     `json:"mean_score"`
	Source         string      `json:"source"`
	Status         GroupStatus `json:"status"`

	// LLM validation output; opaque to the pipeline, consumed by audit/UI.
	LLMDetails json.RawMessage `json:"llm_details,omitempty"`

	// Enrichment output.
	CanonicalName        *string `json:"canonical_name,omitempty"`
	CanonicalSource      *string `json:"canonical_source,omitempty"`
	CanonicalAddress     *string `json:"canonical_address,omitempty"`
	SuggestedCanonicalID *string `json:"suggested_canonical_id,omitempty"`

	// Execution output.
	ChosenCanonicalID  *string         `json:"chosen_canonical_id,omitempty"`
	ChosenName         *string         `json:"chosen_name,omitempty"`
	ExecutedAt         *time.Time      `json:"executed_at,omitempty"`
	ExecutedBy         *string         `json:"executed_by,omitempty"`
	RevertedAt         *time.Time      `json:"reverted_at,omitempty"`
	TotalFKsRedirected *int            `json:"total_fks_redirected,omitempty"`
	DecisionContext    json.RawMessage `json:"decision_context,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// HasMember reports whether id is one of the group's members.
func (g *DuplicateGroup) HasMember(id string) bool {
	for _, m := range g.MemberIDs {
		if m == id {
			return true
		}
	}
	return false
}

// NameOf returns the original spelling recorded for a member id.
func (g *DuplicateGroup) NameOf(id string) string {
	for i, m := range g.MemberIDs {
		if m == id && i < len(g.MemberNames) {
			return g.MemberNames[i]
		}
	}
	return ""
}

// MemberContext is the hierarchy resolved from the host schema for one
// (group, member) pair, used by enrichment and the operator UI.
type MemberContext struct {
	GroupID  string `json:"group_id"`
	MemberID string `json:"member_id"`

	StateCode        string  `json:"state_code,omitempty"`
	CityID           *string `json:"city_id,omitempty"`
	CityName         string  `json:"city_name,omitempty"`
	NeighborhoodID   *string `json:"neighborhood_id,omitempty"`
	NeighborhoodName string  `json:"neighborhood_name,omitempty"`
	StreetID         *string `json:"street_id,omitempty"`
	StreetName       string  `json:"street_name,omitempty"`

	PostalCodes   []string `json:"postal_codes,omitempty"`
	ChildrenCount int      `json:"children_count"`
}

// MergeLogEntry records a single FK row rewritten by a merge. Granularity is
// per affected row so a revert restores the exact prior reference graph.
type MergeLogEntry struct {
	ID               int64      `json:"id"`
	GroupID          string     `json:"group_id"`
	AbsorbedMemberID string     `json:"absorbed_member_id"`
	TableName        string     `json:"table"`
	ColumnName       string     `json:"column"`
	AffectedRowPK    string     `json:"affected_row_pk"`
	OldValue         string     `json:"old_value"`
	NewValue         string     `json:"new_value"`
	Reverted         bool       `json:"reverted"`
	RevertedAt       *time.Time `json:"reverted_at,omitempty"`
	ExecutedAt       time.Time  `json:"executed_at"`
}

// Run-log statuses.
const (
	RunStarted   = "started"
	RunCompleted = "completed"
	RunErrored   = "errored"
)

// RunLog is one batch detection pass over a single entity kind.
type RunLog struct {
	ID            int64      `json:"id"`
	EntityKind    EntityKind `json:"entity_kind"`
	Status        string     `json:"status"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	TotalAnalyzed int        `json:"total_analyzed"`
	TotalGroups   int        `json:"total_groups"`
	Error         string     `json:"error,omitempty"`
}
