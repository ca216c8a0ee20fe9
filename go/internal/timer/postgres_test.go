package timer

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeQuerier keeps timers rows keyed by user_id
type fakeQuerier struct {
	rows    map[string][]any
	execErr error
	queries []string
}

func newFakeQuerier() *fakeQuerier {
	return &fakeQuerier{rows: make(map[string][]any)}
}

func (q *fakeQuerier) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	q.queries = append(q.queries, sql)
	if q.execErr != nil {
		return pgconn.CommandTag{}, q.execErr
	}
	switch {
	case strings.Contains(sql, "INSERT INTO timers"):
		q.rows[args[0].(string)] = args
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	case strings.Contains(sql, "DELETE FROM timers"):
		delete(q.rows, args[0].(string))
		return pgconn.NewCommandTag("DELETE 1"), nil
	}
	return pgconn.NewCommandTag("CREATE TABLE"), nil
}

func (q *fakeQuerier) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	q.queries = append(q.queries, sql)
	row, ok := q.rows[args[0].(string)]
	if !ok {
		return fakeRow{err: pgx.ErrNoRows}
	}
	return fakeRow{values: row}
}

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return errors.New("column count mismatch")
	}
	for i, d := range dest {
		reflect.ValueOf(d).Elem().Set(reflect.ValueOf(r.values[i]))
	}
	return nil
}

func TestPostgresRepository_SaveLoadDelete(t *testing.T) {
	ctx := context.Background()
	q := newFakeQuerier()
	repo := NewPostgresRepository(q)

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	want := Snapshot{
		UserID:              "u1",
		Status:              StatusPaused,
		StartedAt:           now.Add(-time.Minute),
		ElapsedMs:           42000,
		IsApplicationPaused: true,
		UpdatedAt:           now,
	}
	require.NoError(t, repo.Save(ctx, want))

	got, err := repo.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	require.NoError(t, repo.Delete(ctx, "u1"))
	_, err = repo.Load(ctx, "u1")
	assert.ErrorIs(t, err, ErrTimerNotFound)
}

func TestPostgresRepository_SaveOverwrites(t *testing.T) {
	ctx := context.Background()
	repo := NewPostgresRepository(newFakeQuerier())

	first := Snapshot{UserID: "u1", Status: StatusRunning, UpdatedAt: time.Unix(0, 0).UTC()}
	second := first
	second.Status = StatusPaused
	second.ElapsedMs = 10

	require.NoError(t, repo.Save(ctx, first))
	require.NoError(t, repo.Save(ctx, second))

	got, err := repo.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, got.Status)
	assert.Equal(t, int64(10), got.ElapsedMs)
}

func TestPostgresRepository_EnsureSchema(t *testing.T) {
	q := newFakeQuerier()
	repo := NewPostgresRepository(q)

	require.NoError(t, repo.EnsureSchema(context.Background()))
	require.Len(t, q.queries, 1)
	assert.Contains(t, q.queries[0], "CREATE TABLE IF NOT EXISTS timers")
}

func TestPostgresRepository_ExecError(t *testing.T) {
	q := newFakeQuerier()
	q.execErr = errors.New("connection reset")
	repo := NewPostgresRepository(q)

	err := repo.Save(context.Background(), Snapshot{UserID: "u1"})
	assert.ErrorIs(t, err, q.execErr)
	err = repo.Delete(context.Background(), "u1")
	assert.ErrorIs(t, err, q.execErr)
}
