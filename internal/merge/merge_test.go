package merge

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/imobcrm/geodedup/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func ptr[T any](v T) *T { return &v }

const (
	uuidA = "11111111-1111-1111-1111-111111111111"
	uuidB = "22222222-2222-2222-2222-222222222222"
)

func condoGroupRow(status string) *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "entity_kind", "parent_id", "normalized_name", "member_ids", "member_names",
		"mean_score", "source", "status", "llm_details",
		"canonical_name", "canonical_source", "canonical_address", "suggested_canonical_id",
		"chosen_canonical_id", "chosen_name", "executed_at", "executed_by", "reverted_at",
		"total_fks_redirected", "decision_context", "created_at",
	}).AddRow(
		"g1", "condo", ptr("100"), "aurora", []string{uuidA, uuidB}, []string{"Ed. Aurora", "Edifício Aurora"},
		0.91, "trigram+llm", status, []byte(nil),
		(*string)(nil), (*string)(nil), (*string)(nil), (*string)(nil),
		(*string)(nil), (*string)(nil), (*time.Time)(nil), (*string)(nil), (*time.Time)(nil),
		(*int)(nil), []byte(nil), time.Now(),
	)
}

func expectGetGroup(mock pgxmock.PgxPoolIface, status string) {
	mock.ExpectQuery("SELECT (.+) FROM dedup_group WHERE id").
		WithArgs("g1").WillReturnRows(condoGroupRow(status))
}

func TestExecute_RedirectsLogsAndExcludes(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectGetGroup(mock, "pending")
	mock.ExpectBegin()

	// Absorbed member uuidB: two property rows reference it, no leads.
	mock.ExpectQuery("SELECT id::text FROM properties WHERE condo_id").
		WithArgs(uuidB).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("p1").AddRow("p2"))
	mock.ExpectExec("UPDATE properties SET condo_id").
		WithArgs(uuidA, uuidB).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectExec("INSERT INTO dedup_merge_log").
		WithArgs("g1", uuidB, "properties", "condo_id", "p1", uuidB, uuidA).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO dedup_merge_log").
		WithArgs("g1", uuidB, "properties", "condo_id", "p2", uuidB, uuidA).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT id::text FROM leads WHERE condo_id").
		WithArgs(uuidB).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	mock.ExpectExec("UPDATE condos SET excluded = true").
		WithArgs(uuidB).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE condos SET name").
		WithArgs("Edifício Aurora", uuidA).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE dedup_group").
		WithArgs(uuidA, "Edifício Aurora", "operator@crm", 2, []byte(nil), "g1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	m := NewMerger(store.New(mock))
	res, err := m.Execute(context.Background(), Request{
		GroupID:           "g1",
		ChosenCanonicalID: uuidA,
		ChosenName:        "Edifício Aurora",
		ExecutedBy:        "operator@crm",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.FKsRedirected)
	assert.Equal(t, []string{uuidB}, res.AbsorbedMembers)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_RejectsNonMemberCanonical(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectGetGroup(mock, "pending")

	m := NewMerger(store.New(mock))
	_, err = m.Execute(context.Background(), Request{GroupID: "g1", ChosenCanonicalID: "not-a-member"})
	assert.ErrorIs(t, err, ErrPrecondition)
}

func TestExecute_RejectsExecutedGroup(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectGetGroup(mock, "executed")

	m := NewMerger(store.New(mock))
	_, err = m.Execute(context.Background(), Request{GroupID: "g1", ChosenCanonicalID: uuidA})
	assert.ErrorIs(t, err, ErrPrecondition)
}

func TestExecute_AllowsRevertedGroup(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectGetGroup(mock, "reverted")
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id::text FROM properties").
		WithArgs(uuidB).WillReturnRows(pgxmock.NewRows([]string{"id"}))
	mock.ExpectQuery("SELECT id::text FROM leads").
		WithArgs(uuidB).WillReturnRows(pgxmock.NewRows([]string{"id"}))
	mock.ExpectExec("UPDATE condos SET excluded = true").
		WithArgs(uuidB).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE dedup_group").
		WithArgs(uuidA, "", "", 0, []byte(nil), "g1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	m := NewMerger(store.New(mock))
	res, err := m.Execute(context.Background(), Request{GroupID: "g1", ChosenCanonicalID: uuidA})
	require.NoError(t, err)
	assert.Zero(t, res.FKsRedirected)
}

func TestExecute_MidTransactionFailureRollsBack(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectGetGroup(mock, "pending")
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id::text FROM properties").
		WithArgs(uuidB).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("p1"))
	mock.ExpectExec("UPDATE properties SET condo_id").
		WithArgs(uuidA, uuidB).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	m := NewMerger(store.New(mock))
	_, err = m.Execute(context.Background(), Request{GroupID: "g1", ChosenCanonicalID: uuidA})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRevert_RestoresAndMarks(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectGetGroup(mock, "executed")
	mock.ExpectBegin()

	logRows := pgxmock.NewRows([]string{
		"id", "group_id", "absorbed_member_id", "table_name", "column_name",
		"affected_row_pk", "old_value", "new_value",
	}).
		AddRow(int64(1), "g1", uuidB, "properties", "condo_id", "p1", uuidB, uuidA).
		AddRow(int64(2), "g1", uuidB, "properties", "condo_id", "p2", uuidB, uuidA)
	mock.ExpectQuery("FROM dedup_merge_log").WithArgs("g1").WillReturnRows(logRows)

	mock.ExpectExec("UPDATE properties SET condo_id").
		WithArgs(uuidB, "p1").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE properties SET condo_id").
		WithArgs(uuidB, "p2").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE condos SET excluded = false").
		WithArgs(uuidB).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE dedup_merge_log SET reverted = true").
		WithArgs("g1").WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectExec("UPDATE dedup_group SET status = 'reverted'").
		WithArgs("g1").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	r := NewReverser(store.New(mock))
	res, err := r.Revert(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.RowsRestored)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRevert_EmptyLogIsNoOp(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectGetGroup(mock, "executed")
	mock.ExpectBegin()
	mock.ExpectQuery("FROM dedup_merge_log").WithArgs("g1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "group_id", "absorbed_member_id", "table_name", "column_name",
			"affected_row_pk", "old_value", "new_value",
		}))
	mock.ExpectRollback()

	r := NewReverser(store.New(mock))
	res, err := r.Revert(context.Background(), "g1")
	require.NoError(t, err)
	assert.Zero(t, res.RowsRestored)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRevert_RejectsPendingGroup(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectGetGroup(mock, "pending")

	r := NewReverser(store.New(mock))
	_, err = r.Revert(context.Background(), "g1")
	assert.ErrorIs(t, err, ErrPrecondition)
}
