package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// mockRow implements pgx.Row.
type mockRow struct {
	scanFunc func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

// mockRows implements pgx.Rows over canned row data.
type mockRows struct {
	data   [][]any
	idx    int
	err    error
	closed bool
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.err }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }

func (r *mockRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *mockRows) Scan(dest ...any) error {
	row := r.data[r.idx-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: expected %d columns, got %d destinations", len(row), len(dest))
	}
	for i, v := range row {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *time.Time:
			*d = v.(time.Time)
		default:
			return fmt.Errorf("scan: unsupported type at index %d: %T", i, dest[i])
		}
	}
	return nil
}

// mockDB implements the DB interface.
type mockDB struct {
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	queryFunc    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	execFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (db *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return db.queryRowFunc(ctx, sql, args...)
}

func (db *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return db.queryFunc(ctx, sql, args...)
}

func (db *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return db.execFunc(ctx, sql, args...)
}

func TestPostgres_Migrate(t *testing.T) {
	t.Parallel()

	var executed string
	db := &mockDB{
		execFunc: func(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
			executed = sql
			return pgconn.CommandTag{}, nil
		},
	}
	if err := NewPostgres(db).Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	for _, table := range []string{"cvs", "jobs", "transcripts"} {
		if !strings.Contains(executed, table) {
			t.Errorf("schema does not create table %q", table)
		}
	}
}

func TestPostgres_GetCV(t *testing.T) {
	t.Parallel()

	now := time.Now()
	t.Run("by user id", func(t *testing.T) {
		t.Parallel()
		db := &mockDB{
			queryRowFunc: func(_ context.Context, sql string, args ...any) pgx.Row {
				if !strings.Contains(sql, "WHERE user_id = $1") {
					t.Errorf("query should filter by user_id: %s", sql)
				}
				if len(args) != 1 || args[0] != "u1" {
					t.Errorf("args = %v", args)
				}
				return &mockRow{scanFunc: func(dest ...any) error {
					*dest[0].(*string) = "u1"
					*dest[1].(*string) = "简历内容"
					*dest[2].(*time.Time) = now
					return nil
				}}
			},
		}
		cv, err := NewPostgres(db).GetCV(context.Background(), "u1")
		if err != nil {
			t.Fatalf("GetCV: %v", err)
		}
		if cv.UserID != "u1" || cv.Content != "简历内容" {
			t.Errorf("cv = %+v", cv)
		}
	})

	t.Run("default picks latest", func(t *testing.T) {
		t.Parallel()
		db := &mockDB{
			queryRowFunc: func(_ context.Context, sql string, args ...any) pgx.Row {
				if !strings.Contains(sql, "ORDER BY updated_at DESC LIMIT 1") {
					t.Errorf("default lookup should order by recency: %s", sql)
				}
				if len(args) != 0 {
					t.Errorf("args = %v, want none", args)
				}
				return &mockRow{scanFunc: func(dest ...any) error {
					*dest[0].(*string) = "u9"
					*dest[1].(*string) = "最新简历"
					*dest[2].(*time.Time) = now
					return nil
				}}
			},
		}
		cv, err := NewPostgres(db).GetCV(context.Background(), "")
		if err != nil || cv.UserID != "u9" {
			t.Errorf("GetCV(default) = (%+v, %v)", cv, err)
		}
	})

	t.Run("not found", func(t *testing.T) {
		t.Parallel()
		db := &mockDB{
			queryRowFunc: func(context.Context, string, ...any) pgx.Row {
				return &mockRow{scanFunc: func(...any) error { return pgx.ErrNoRows }}
			},
		}
		cv, err := NewPostgres(db).GetCV(context.Background(), "ghost")
		if err != nil || cv != nil {
			t.Errorf("GetCV(missing) = (%v, %v), want (nil, nil)", cv, err)
		}
	})
}

func TestPostgres_UpsertJob(t *testing.T) {
	t.Parallel()

	db := &mockDB{
		queryRowFunc: func(_ context.Context, sql string, args ...any) pgx.Row {
			if !strings.Contains(sql, "ON CONFLICT (session_id) DO UPDATE") {
				t.Errorf("upsert should be conflict-tolerant: %s", sql)
			}
			if len(args) != 4 {
				t.Errorf("args = %v, want 4", args)
			}
			return &mockRow{scanFunc: func(dest ...any) error {
				*dest[0].(*time.Time) = time.Now()
				return nil
			}}
		},
	}
	job := &Job{SessionID: "s1", Title: "后端工程师", Requirements: "精通Go"}
	if err := NewPostgres(db).UpsertJob(context.Background(), job); err != nil {
		t.Fatalf("UpsertJob: %v", err)
	}
	if job.UpdatedAt.IsZero() {
		t.Error("UpsertJob should populate UpdatedAt from RETURNING")
	}
}

func TestPostgres_SaveTranscript(t *testing.T) {
	t.Parallel()

	var gotArgs []any
	db := &mockDB{
		execFunc: func(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			if !strings.Contains(sql, "INSERT INTO transcripts") {
				t.Errorf("sql = %s", sql)
			}
			gotArgs = args
			return pgconn.CommandTag{}, nil
		},
	}
	now := time.Now()
	tr := &Transcript{
		SessionID: "s1", Source: "mic", Speaker: "candidate",
		Content: "我叫李明", StartAt: now, EndAt: now.Add(time.Second),
	}
	if err := NewPostgres(db).SaveTranscript(context.Background(), tr); err != nil {
		t.Fatalf("SaveTranscript: %v", err)
	}
	if len(gotArgs) != 6 || gotArgs[3] != "我叫李明" {
		t.Errorf("args = %v", gotArgs)
	}
}

func TestPostgres_Transcripts(t *testing.T) {
	t.Parallel()

	now := time.Now()
	rows := &mockRows{data: [][]any{
		{"s1", "mic", "candidate", "第一句", now, now.Add(time.Second)},
		{"s1", "sys", "interviewer", "第二句", now.Add(2 * time.Second), now.Add(3 * time.Second)},
	}}
	db := &mockDB{
		queryFunc: func(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
			if !strings.Contains(sql, "ORDER BY id") {
				t.Errorf("transcripts must come back in insertion order: %s", sql)
			}
			return rows, nil
		},
	}
	out, err := NewPostgres(db).Transcripts(context.Background(), "s1", 0)
	if err != nil {
		t.Fatalf("Transcripts: %v", err)
	}
	if len(out) != 2 || out[0].Content != "第一句" || out[1].Speaker != "interviewer" {
		t.Errorf("out = %+v", out)
	}
	if !rows.closed {
		t.Error("rows not closed")
	}
}

func TestPostgres_ErrorsAreWrapped(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection refused")
	db := &mockDB{
		queryRowFunc: func(context.Context, string, ...any) pgx.Row {
			return &mockRow{scanFunc: func(...any) error { return boom }}
		},
		execFunc: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
			return pgconn.CommandTag{}, boom
		},
	}
	s := NewPostgres(db)
	if _, err := s.GetCV(context.Background(), "u1"); !errors.Is(err, boom) {
		t.Errorf("GetCV error = %v, want wrapped cause", err)
	}
	if err := s.Ping(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Ping error = %v, want wrapped cause", err)
	}
}
