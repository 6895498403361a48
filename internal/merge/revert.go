package merge

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/imobcrm/geodedup/internal/fkmap"
	"github.com/imobcrm/geodedup/internal/model"
	"github.com/imobcrm/geodedup/internal/store"
)

// RevertResult summarizes a reversal.
type RevertResult struct {
	GroupID      string `json:"group_id"`
	RowsRestored int    `json:"rows_restored"`
}

// Reverser undoes executed merges from the change log.
type Reverser struct {
	store *store.Store
	log   *zap.Logger
}

// NewReverser creates a Reverser on the store's pool.
func NewReverser(st *store.Store) *Reverser {
	return &Reverser{store: st, log: zap.L().With(zap.String("component", "revert"))}
}

// Revert restores every FK value an executed merge rewrote, un-excludes the
// absorbed rows, and moves the group to reverted. With no unreverted log
// entries the call is a no-op that changes nothing. Single transaction, same
// timeout as the merge.
func (r *Reverser) Revert(ctx context.Context, groupID string) (*RevertResult, error) {
	g, err := r.store.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if g.Status != model.StatusExecuted {
		return nil, eris.Wrapf(ErrPrecondition, "group %s has status %s, want executed", g.ID, g.Status)
	}

	txCtx, cancel := context.WithTimeout(ctx, txTimeout)
	defer cancel()

	tx, err := r.store.Pool().Begin(txCtx)
	if err != nil {
		return nil, eris.Wrap(err, "revert: begin transaction")
	}
	defer tx.Rollback(txCtx) //nolint:errcheck // no-op after commit

	entries, err := pendingEntries(txCtx, tx, g.ID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		// Nothing was ever redirected; leave the group as is.
		return &RevertResult{GroupID: g.ID}, nil
	}

	for _, e := range entries {
		fk, ok := fkmap.Edge(e.TableName, e.ColumnName)
		if !ok {
			return nil, eris.Wrapf(ErrPrecondition, "log entry %d references unmapped edge %s.%s", e.ID, e.TableName, e.ColumnName)
		}
		restoreSQL := fmt.Sprintf("UPDATE %s SET %s = $1%s WHERE %s::text = $2",
			e.TableName, e.ColumnName, fk.Cast(), fk.PK())
		if _, err := tx.Exec(txCtx, restoreSQL, e.OldValue, e.AffectedRowPK); err != nil {
			return nil, eris.Wrapf(err, "revert: restore %s.%s row %s", e.TableName, e.ColumnName, e.AffectedRowPK)
		}
	}

	if g.EntityKind.HasExcludedFlag() {
		seen := map[string]bool{}
		for _, e := range entries {
			if seen[e.AbsorbedMemberID] {
				continue
			}
			seen[e.AbsorbedMemberID] = true
			includeSQL := fmt.Sprintf("UPDATE %s SET excluded = false WHERE id = $1%s",
				g.EntityKind.Table(), idCast(g.EntityKind))
			if _, err := tx.Exec(txCtx, includeSQL, e.AbsorbedMemberID); err != nil {
				return nil, eris.Wrapf(err, "revert: restore member %s", e.AbsorbedMemberID)
			}
		}
	}

	if _, err := tx.Exec(txCtx,
		`UPDATE dedup_merge_log SET reverted = true, reverted_at = now()
		 WHERE group_id = $1 AND NOT reverted`,
		g.ID,
	); err != nil {
		return nil, eris.Wrap(err, "revert: mark log entries")
	}

	if _, err := tx.Exec(txCtx,
		`UPDATE dedup_group SET status = 'reverted', reverted_at = now() WHERE id = $1`,
		g.ID,
	); err != nil {
		return nil, eris.Wrapf(err, "revert: update group %s", g.ID)
	}

	if err := tx.Commit(txCtx); err != nil {
		return nil, eris.Wrap(err, "revert: commit")
	}

	r.log.Info("group reverted",
		zap.String("group", g.ID),
		zap.Int("rows_restored", len(entries)),
	)
	return &RevertResult{GroupID: g.ID, RowsRestored: len(entries)}, nil
}

func pendingEntries(ctx context.Context, q querier, groupID string) ([]model.MergeLogEntry, error) {
	rows, err := q.Query(ctx,
		`SELECT id, group_id, absorbed_member_id, table_name, column_name,
			affected_row_pk, old_value, new_value
		 FROM dedup_merge_log
		 WHERE group_id = $1 AND NOT reverted
		 ORDER BY id ASC`,
		groupID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "revert: load log entries for group %s", groupID)
	}
	defer rows.Close()

	var entries []model.MergeLogEntry
	for rows.Next() {
		var e model.MergeLogEntry
		if err := rows.Scan(&e.ID, &e.GroupID, &e.AbsorbedMemberID, &e.TableName,
			&e.ColumnName, &e.AffectedRowPK, &e.OldValue, &e.NewValue); err != nil {
			return nil, eris.Wrap(err, "revert: scan log entry")
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
