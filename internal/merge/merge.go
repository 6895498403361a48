// Package merge executes and reverses group unifications: every inbound FK of
// every absorbed member is redirected to the chosen canonical row inside one
// transaction, and every rewritten row is logged so the exact prior reference
// graph can be restored.
package merge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/imobcrm/geodedup/internal/fkmap"
	"github.com/imobcrm/geodedup/internal/model"
	"github.com/imobcrm/geodedup/internal/store"
)

// txTimeout bounds the merge and revert transactions.
const txTimeout = 30 * time.Second

// querier is the slice of pgx.Tx both engines read through.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// ErrPrecondition marks a request refused before any write happened.
var ErrPrecondition = eris.New("merge: precondition failed")

// Request identifies the group and the member that absorbs the others.
type Request struct {
	GroupID           string
	ChosenCanonicalID string
	ChosenName        string // optional rename of the canonical row
	ExecutedBy        string
	DecisionContext   json.RawMessage
}

// Result summarizes an executed merge.
type Result struct {
	GroupID           string   `json:"group_id"`
	ChosenCanonicalID string   `json:"chosen_canonical_id"`
	AbsorbedMembers   []string `json:"absorbed_members"`
	FKsRedirected     int      `json:"fks_redirected"`
}

// Merger executes unifications against the host database.
type Merger struct {
	store *store.Store
	log   *zap.Logger
}

// NewMerger creates a Merger on the store's pool.
func NewMerger(st *store.Store) *Merger {
	return &Merger{store: st, log: zap.L().With(zap.String("component", "merge"))}
}

// idCast returns the bind-parameter cast for an entity table's primary key.
func idCast(kind model.EntityKind) string {
	if kind == model.KindCondo {
		return "::uuid"
	}
	return "::int"
}

// Execute runs a merge. Preconditions: the group exists, its status is
// pending or reverted, and the chosen canonical is one of its members. All
// writes happen in a single transaction; a failure anywhere leaves the group
// untouched.
func (m *Merger) Execute(ctx context.Context, req Request) (*Result, error) {
	g, err := m.store.GetGroup(ctx, req.GroupID)
	if err != nil {
		return nil, err
	}
	if g.Status != model.StatusPending && g.Status != model.StatusReverted {
		return nil, eris.Wrapf(ErrPrecondition, "group %s has status %s", g.ID, g.Status)
	}
	if !g.HasMember(req.ChosenCanonicalID) {
		return nil, eris.Wrapf(ErrPrecondition, "canonical %s is not a member of group %s", req.ChosenCanonicalID, g.ID)
	}

	txCtx, cancel := context.WithTimeout(ctx, txTimeout)
	defer cancel()

	tx, err := m.store.Pool().Begin(txCtx)
	if err != nil {
		return nil, eris.Wrap(err, "merge: begin transaction")
	}
	defer tx.Rollback(txCtx) //nolint:errcheck // no-op after commit

	absorbed := make([]string, 0, len(g.MemberIDs)-1)
	for _, id := range g.MemberIDs {
		if id != req.ChosenCanonicalID {
			absorbed = append(absorbed, id)
		}
	}

	edges := fkmap.For(g.EntityKind)
	totalRedirected := 0

	for _, member := range absorbed {
		for _, fk := range edges {
			pks, err := affectedRows(txCtx, tx, fk, member)
			if err != nil {
				return nil, err
			}
			if len(pks) == 0 {
				continue
			}

			updateSQL := fmt.Sprintf("UPDATE %s SET %s = $1%s WHERE %s = $2%s",
				fk.Table, fk.Column, fk.Cast(), fk.Column, fk.Cast())
			if _, err := tx.Exec(txCtx, updateSQL, req.ChosenCanonicalID, member); err != nil {
				return nil, eris.Wrapf(err, "merge: redirect %s.%s from %s", fk.Table, fk.Column, member)
			}

			for _, pk := range pks {
				if _, err := tx.Exec(txCtx,
					`INSERT INTO dedup_merge_log
						(group_id, absorbed_member_id, table_name, column_name,
						 affected_row_pk, old_value, new_value, executed_at)
					 VALUES ($1, $2, $3, $4, $5, $6, $7, now())`,
					g.ID, member, fk.Table, fk.Column, pk, member, req.ChosenCanonicalID,
				); err != nil {
					return nil, eris.Wrap(err, "merge: write log entry")
				}
			}
			totalRedirected += len(pks)
		}

		if g.EntityKind.HasExcludedFlag() {
			excludeSQL := fmt.Sprintf("UPDATE %s SET excluded = true WHERE id = $1%s",
				g.EntityKind.Table(), idCast(g.EntityKind))
			if _, err := tx.Exec(txCtx, excludeSQL, member); err != nil {
				return nil, eris.Wrapf(err, "merge: exclude member %s", member)
			}
		}
	}

	if req.ChosenName != "" {
		renameSQL := fmt.Sprintf("UPDATE %s SET name = $1 WHERE id = $2%s",
			g.EntityKind.Table(), idCast(g.EntityKind))
		if _, err := tx.Exec(txCtx, renameSQL, req.ChosenName, req.ChosenCanonicalID); err != nil {
			return nil, eris.Wrapf(err, "merge: rename canonical %s", req.ChosenCanonicalID)
		}
	}

	if _, err := tx.Exec(txCtx,
		`UPDATE dedup_group
		 SET status = 'executed', chosen_canonical_id = $1, chosen_name = nullif($2, ''),
		     executed_at = now(), executed_by = nullif($3, ''),
		     total_fks_redirected = $4, decision_context = $5
		 WHERE id = $6`,
		req.ChosenCanonicalID, req.ChosenName, req.ExecutedBy,
		totalRedirected, []byte(req.DecisionContext), g.ID,
	); err != nil {
		return nil, eris.Wrapf(err, "merge: update group %s", g.ID)
	}

	if err := tx.Commit(txCtx); err != nil {
		return nil, eris.Wrap(err, "merge: commit")
	}

	m.log.Info("group merged",
		zap.String("group", g.ID),
		zap.String("kind", string(g.EntityKind)),
		zap.String("canonical", req.ChosenCanonicalID),
		zap.Int("fks_redirected", totalRedirected),
		zap.Int("members_absorbed", len(absorbed)),
	)

	return &Result{
		GroupID:           g.ID,
		ChosenCanonicalID: req.ChosenCanonicalID,
		AbsorbedMembers:   absorbed,
		FKsRedirected:     totalRedirected,
	}, nil
}

// affectedRows returns the primary keys of rows referencing member through
// fk, as text regardless of the pk's native type.
func affectedRows(ctx context.Context, q querier, fk fkmap.ForeignKey, member string) ([]string, error) {
	selectSQL := fmt.Sprintf("SELECT %s::text FROM %s WHERE %s = $1%s",
		fk.PK(), fk.Table, fk.Column, fk.Cast())
	rows, err := q.Query(ctx, selectSQL, member)
	if err != nil {
		return nil, eris.Wrapf(err, "merge: select affected rows of %s.%s", fk.Table, fk.Column)
	}
	defer rows.Close()

	var pks []string
	for rows.Next() {
		var pk string
		if err := rows.Scan(&pk); err != nil {
			return nil, eris.Wrap(err, "merge: scan affected row pk")
		}
		pks = append(pks, pk)
	}
	return pks, rows.Err()
}
