package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/imobcrm/geodedup/internal/model"
)

const groupColumns = `id, entity_kind, parent_id, normalized_name, member_ids, member_names,
	mean_score, source, status, llm_details,
	canonical_name, canonical_source, canonical_address, suggested_canonical_id,
	chosen_canonical_id, chosen_name, executed_at, executed_by, reverted_at,
	total_fks_redirected, decision_context, created_at`

// scanGroup reads one dedup_group row in groupColumns order.
func scanGroup(row pgx.Row) (*model.DuplicateGroup, error) {
	var g model.DuplicateGroup
	var kind string
	var llmDetails []byte
	if err := row.Scan(
		&g.ID, &kind, &g.ParentID, &g.NormalizedName, &g.MemberIDs, &g.MemberNames,
		&g.MeanScore, &g.Source, &g.Status, &llmDetails,
		&g.CanonicalName, &g.CanonicalSource, &g.CanonicalAddress, &g.SuggestedCanonicalID,
		&g.ChosenCanonicalID, &g.ChosenName, &g.ExecutedAt, &g.ExecutedBy, &g.RevertedAt,
		&g.TotalFKsRedirected, &g.DecisionContext, &g.CreatedAt,
	); err != nil {
		return nil, err
	}
	g.EntityKind = model.EntityKind(kind)
	g.LLMDetails = llmDetails
	return &g, nil
}

// CreateGroup inserts a new group. A missing ID is generated; a missing
// status defaults to pending.
func (s *Store) CreateGroup(ctx context.Context, g *model.DuplicateGroup) error {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.Status == "" {
		g.Status = model.StatusPending
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO dedup_group
			(id, entity_kind, parent_id, normalized_name, member_ids, member_names,
			 mean_score, source, status, llm_details, canonical_name, canonical_source,
			 canonical_address, suggested_canonical_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		g.ID, string(g.EntityKind), g.ParentID, g.NormalizedName, g.MemberIDs, g.MemberNames,
		g.MeanScore, g.Source, string(g.Status), []byte(g.LLMDetails), g.CanonicalName,
		g.CanonicalSource, g.CanonicalAddress, g.SuggestedCanonicalID, g.CreatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "store: create group %s", g.ID)
	}
	return nil
}

// GetGroup fetches one group by id, ErrNotFound when absent.
func (s *Store) GetGroup(ctx context.Context, id string) (*model.DuplicateGroup, error) {
	row := s.pool.QueryRow(ctx,
		"SELECT "+groupColumns+" FROM dedup_group WHERE id = $1", id)
	g, err := scanGroup(row)
	if err != nil {
		if strings.Contains(err.Error(), "no rows in result set") {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "store: get group %s", id)
	}
	return g, nil
}

// ListGroups returns a page of groups matching the filter plus the total
// match count. Results are ordered by mean_score descending, newest first on
// ties.
func (s *Store) ListGroups(ctx context.Context, f GroupFilter) ([]model.DuplicateGroup, int, error) {
	var conds []string
	var args []any
	add := func(cond string, val any) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.Kind != "" {
		add("entity_kind = $%d", string(f.Kind))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.ParentID != "" {
		add("parent_id = $%d", f.ParentID)
	}
	if f.Search != "" {
		add("normalized_name ILIKE $%d", "%"+f.Search+"%")
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.pool.QueryRow(ctx,
		"SELECT count(*) FROM dedup_group"+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, eris.Wrap(err, "store: count groups")
	}

	page := f.Page
	if page < 1 {
		page = 1
	}
	size := f.PageSize
	if size < 1 {
		size = 20
	}
	args = append(args, size, (page-1)*size)
	query := fmt.Sprintf(
		"SELECT %s FROM dedup_group%s ORDER BY mean_score DESC, created_at DESC LIMIT $%d OFFSET $%d",
		groupColumns, where, len(args)-1, len(args),
	)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, eris.Wrap(err, "store: list groups")
	}
	defer rows.Close()

	var groups []model.DuplicateGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, 0, eris.Wrap(err, "store: scan group")
		}
		groups = append(groups, *g)
	}
	return groups, total, rows.Err()
}

// ParentNames resolves parent scope IDs to display names for a kind's groups.
// Cities are scoped by state code, which is its own display name, so no lookup
// happens there. Condos share the city scope with neighborhoods.
func (s *Store) ParentNames(ctx context.Context, kind model.EntityKind, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	var table string
	switch kind {
	case model.KindCity:
		for _, id := range ids {
			out[id] = id
		}
		return out, nil
	case model.KindNeighborhood, model.KindCondo:
		table = "cities"
	case model.KindStreet:
		table = "neighborhoods"
	default:
		return nil, eris.Errorf("store: unknown entity kind %q", kind)
	}

	rows, err := s.pool.Query(ctx,
		fmt.Sprintf("SELECT id::text, name FROM %s WHERE id::text = ANY($1)", table), ids)
	if err != nil {
		return nil, eris.Wrapf(err, "store: parent names from %s", table)
	}
	defer rows.Close()

	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, eris.Wrap(err, "store: scan parent name")
		}
		out[id] = name
	}
	return out, rows.Err()
}

// Discard moves a pending group to discarded. Groups in any other state are
// left untouched and reported as ErrNotFound.
func (s *Store) Discard(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE dedup_group SET status = 'discarded' WHERE id = $1 AND status = 'pending'", id)
	if err != nil {
		return eris.Wrapf(err, "store: discard group %s", id)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetLLMDetails stores the adjudication verdict and flips the source to
// reflect LLM involvement.
func (s *Store) SetLLMDetails(ctx context.Context, id string, details json.RawMessage) error {
	_, err := s.pool.Exec(ctx,
		"UPDATE dedup_group SET llm_details = $1, source = $2 WHERE id = $3",
		[]byte(details), model.SourceTrigramLLM, id)
	if err != nil {
		return eris.Wrapf(err, "store: set llm details for group %s", id)
	}
	return nil
}

// SetEnrichment stores the canonical-name suggestion produced by the external
// enrichment cascade.
func (s *Store) SetEnrichment(ctx context.Context, id string, name, source, address string, suggestedID *string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE dedup_group
		 SET canonical_name = $1, canonical_source = $2, canonical_address = nullif($3, ''),
		     suggested_canonical_id = $4
		 WHERE id = $5`,
		name, source, address, suggestedID, id)
	if err != nil {
		return eris.Wrapf(err, "store: set enrichment for group %s", id)
	}
	return nil
}

// PendingWithoutCanonical returns pending groups of a kind that enrichment
// has not yet touched, oldest first so retries drain in order.
func (s *Store) PendingWithoutCanonical(ctx context.Context, kind model.EntityKind, limit int) ([]model.DuplicateGroup, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+groupColumns+` FROM dedup_group
		 WHERE entity_kind = $1 AND status = 'pending' AND canonical_name IS NULL
		 ORDER BY created_at ASC LIMIT $2`,
		string(kind), limit)
	if err != nil {
		return nil, eris.Wrap(err, "store: pending without canonical")
	}
	defer rows.Close()

	var groups []model.DuplicateGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, eris.Wrap(err, "store: scan group")
		}
		groups = append(groups, *g)
	}
	return groups, rows.Err()
}

// PendingWithoutLLM returns pending groups across all kinds that never got
// an adjudication verdict, oldest first.
func (s *Store) PendingWithoutLLM(ctx context.Context) ([]model.DuplicateGroup, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+groupColumns+` FROM dedup_group
		 WHERE status = 'pending' AND llm_details IS NULL
		 ORDER BY created_at ASC`)
	if err != nil {
		return nil, eris.Wrap(err, "store: pending without llm")
	}
	defer rows.Close()

	var groups []model.DuplicateGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, eris.Wrap(err, "store: scan group")
		}
		groups = append(groups, *g)
	}
	return groups, rows.Err()
}

// UpdateMembers rewrites a group's member set after a partial-confirmation
// trim.
func (s *Store) UpdateMembers(ctx context.Context, id string, memberIDs, memberNames []string, normalizedName string) error {
	_, err := s.pool.Exec(ctx,
		"UPDATE dedup_group SET member_ids = $1, member_names = $2, normalized_name = $3 WHERE id = $4",
		memberIDs, memberNames, normalizedName, id)
	if err != nil {
		return eris.Wrapf(err, "store: update members of group %s", id)
	}
	return nil
}

// AutoApprovable lists pending groups safe to merge unattended: enrichment
// produced a canonical suggestion and the LLM verdict is confirmed with
// confidence at or above the threshold.
func (s *Store) AutoApprovable(ctx context.Context, kind model.EntityKind, minConfidence float64) ([]model.DuplicateGroup, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+groupColumns+` FROM dedup_group
		 WHERE entity_kind = $1 AND status = 'pending'
		   AND suggested_canonical_id IS NOT NULL
		   AND canonical_name IS NOT NULL
		   AND (llm_details->>'confirmed')::bool
		   AND (llm_details->>'confidence')::float8 >= $2
		 ORDER BY (llm_details->>'confidence')::float8 DESC`,
		string(kind), minConfidence)
	if err != nil {
		return nil, eris.Wrap(err, "store: auto approvable groups")
	}
	defer rows.Close()

	var groups []model.DuplicateGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, eris.Wrap(err, "store: scan group")
		}
		groups = append(groups, *g)
	}
	return groups, rows.Err()
}

// SaveMemberContexts upserts the resolved hierarchy for a group's members.
func (s *Store) SaveMemberContexts(ctx context.Context, ctxs []model.MemberContext) error {
	for _, mc := range ctxs {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO dedup_member_context
				(group_id, member_id, state_code, city_id, city_name,
				 neighborhood_id, neighborhood_name, street_id, street_name,
				 postal_codes, children_count)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			 ON CONFLICT (group_id, member_id) DO UPDATE SET
				state_code = EXCLUDED.state_code,
				city_id = EXCLUDED.city_id,
				city_name = EXCLUDED.city_name,
				neighborhood_id = EXCLUDED.neighborhood_id,
				neighborhood_name = EXCLUDED.neighborhood_name,
				street_id = EXCLUDED.street_id,
				street_name = EXCLUDED.street_name,
				postal_codes = EXCLUDED.postal_codes,
				children_count = EXCLUDED.children_count`,
			mc.GroupID, mc.MemberID, mc.StateCode, mc.CityID, mc.CityName,
			mc.NeighborhoodID, mc.NeighborhoodName, mc.StreetID, mc.StreetName,
			mc.PostalCodes, mc.ChildrenCount,
		)
		if err != nil {
			return eris.Wrapf(err, "store: save member context %s/%s", mc.GroupID, mc.MemberID)
		}
	}
	return nil
}

// MemberContexts returns the saved contexts for a group, member order not
// guaranteed.
func (s *Store) MemberContexts(ctx context.Context, groupID string) ([]model.MemberContext, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT group_id, member_id, state_code, city_id, city_name,
			neighborhood_id, neighborhood_name, street_id, street_name,
			postal_codes, children_count
		 FROM dedup_member_context WHERE group_id = $1`,
		groupID)
	if err != nil {
		return nil, eris.Wrapf(err, "store: member contexts for group %s", groupID)
	}
	defer rows.Close()

	var out []model.MemberContext
	for rows.Next() {
		mc, err := scanMemberContext(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *mc)
	}
	return out, rows.Err()
}

// scanMemberContext reads one dedup_member_context row; nullable name columns
// collapse to empty strings.
func scanMemberContext(row pgx.Row) (*model.MemberContext, error) {
	var mc model.MemberContext
	var state, cityName, neighName, streetName *string
	if err := row.Scan(
		&mc.GroupID, &mc.MemberID, &state, &mc.CityID, &cityName,
		&mc.NeighborhoodID, &neighName, &mc.StreetID, &streetName,
		&mc.PostalCodes, &mc.ChildrenCount,
	); err != nil {
		return nil, eris.Wrap(err, "store: scan member context")
	}
	if state != nil {
		mc.StateCode = *state
	}
	if cityName != nil {
		mc.CityName = *cityName
	}
	if neighName != nil {
		mc.NeighborhoodName = *neighName
	}
	if streetName != nil {
		mc.StreetName = *streetName
	}
	return &mc, nil
}

// GroupMemberContexts returns the saved contexts for many groups in one
// query, keyed by group id. Groups without saved contexts are absent from the
// map.
func (s *Store) GroupMemberContexts(ctx context.Context, groupIDs []string) (map[string][]model.MemberContext, error) {
	out := make(map[string][]model.MemberContext)
	if len(groupIDs) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT group_id, member_id, state_code, city_id, city_name,
			neighborhood_id, neighborhood_name, street_id, street_name,
			postal_codes, children_count
		 FROM dedup_member_context WHERE group_id = ANY($1)`,
		groupIDs)
	if err != nil {
		return nil, eris.Wrap(err, "store: member contexts for groups")
	}
	defer rows.Close()

	for rows.Next() {
		mc, err := scanMemberContext(rows)
		if err != nil {
			return nil, err
		}
		out[mc.GroupID] = append(out[mc.GroupID], *mc)
	}
	return out, rows.Err()
}

// MergeLogEntries returns the change log for a group, oldest first.
func (s *Store) MergeLogEntries(ctx context.Context, groupID string) ([]model.MergeLogEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, group_id, absorbed_member_id, table_name, column_name,
			affected_row_pk, old_value, new_value, reverted, reverted_at, executed_at
		 FROM dedup_merge_log WHERE group_id = $1 ORDER BY id ASC`,
		groupID)
	if err != nil {
		return nil, eris.Wrapf(err, "store: merge log for group %s", groupID)
	}
	defer rows.Close()

	var out []model.MergeLogEntry
	for rows.Next() {
		var e model.MergeLogEntry
		if err := rows.Scan(
			&e.ID, &e.GroupID, &e.AbsorbedMemberID, &e.TableName, &e.ColumnName,
			&e.AffectedRowPK, &e.OldValue, &e.NewValue, &e.Reverted, &e.RevertedAt, &e.ExecutedAt,
		); err != nil {
			return nil, eris.Wrap(err, "store: scan merge log entry")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
