package pgsql

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeRows serves a single nullable bigint column.
type fakeRows struct {
	ids    []*int64
	pos    int
	err    error
	closed bool
}

func (r *fakeRows) Close()                                       { r.closed = true }
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }

func (r *fakeRows) Next() bool {
	if r.pos >= len(r.ids) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	p, ok := dest[0].(**int64)
	if !ok {
		return errors.New("unexpected scan target")
	}
	*p = r.ids[r.pos-1]
	return nil
}

func (r *fakeRows) Values() ([]any, error) { return []any{r.ids[r.pos-1]}, nil }

type fakeQuerier struct {
	rows     *fakeRows
	err      error
	sql      string
	args     []any
	deadline bool
}

func (q *fakeQuerier) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	q.sql, q.args = sql, args
	_, q.deadline = ctx.Deadline()
	if q.err != nil {
		return nil, q.err
	}
	return q.rows, nil
}

func ptr(n int64) *int64 { return &n }

func TestRunner_CollectsIDs(t *testing.T) {
	rows := &fakeRows{ids: []*int64{ptr(3), nil, ptr(1), ptr(3)}}
	q := &fakeQuerier{rows: rows}
	r := NewRunner(q)

	ids, err := r.QueryPatientIDs(context.Background(), "SELECT id FROM t WHERE d <= $1", []any{"2024-06-30"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 3 || ids[0] != 3 || ids[1] != 1 || ids[2] != 3 {
		t.Errorf("ids = %v, want [3 1 3] with the NULL skipped", ids)
	}
	if q.sql != "SELECT id FROM t WHERE d <= $1" || len(q.args) != 1 {
		t.Errorf("query not passed through: %q %v", q.sql, q.args)
	}
	if !rows.closed {
		t.Error("rows not closed")
	}
	if q.deadline {
		t.Error("no deadline expected without WithTimeout")
	}
}

func TestRunner_Timeout(t *testing.T) {
	q := &fakeQuerier{rows: &fakeRows{}}
	r := NewRunner(q, WithTimeout(time.Second))
	if _, err := r.QueryPatientIDs(context.Background(), "SELECT 1", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !q.deadline {
		t.Error("expected the query context to carry a deadline")
	}
}

func TestRunner_PreservesCause(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "42P01", Message: `relation "obs" does not exist`, Position: 15}
	r := NewRunner(&fakeQuerier{err: pgErr})
	_, err := r.QueryPatientIDs(context.Background(), "SELECT id FROM obs", nil)
	var got *pgconn.PgError
	if !errors.As(err, &got) || got.Code != "42P01" {
		t.Errorf("expected the PgError to be reachable, got %v", err)
	}

	rowErr := errors.New("conn closed")
	r = NewRunner(&fakeQuerier{rows: &fakeRows{err: rowErr}})
	if _, err := r.QueryPatientIDs(context.Background(), "SELECT 1", nil); !errors.Is(err, rowErr) {
		t.Errorf("expected row error, got %v", err)
	}
}
