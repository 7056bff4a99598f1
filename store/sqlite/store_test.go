package sqlite_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/acidic"
	"github.com/xraph/acidic/record"
	"github.com/xraph/acidic/store"
	"github.com/xraph/acidic/store/sqlite"
	"github.com/xraph/acidic/store/storetest"
)

var _ store.Store = (*sqlite.Store)(nil)

var dbSeq atomic.Int64

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:acidic_test_%d?mode=memory&cache=shared", dbSeq.Add(1))
	s, err := sqlite.New(dsn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return newStore(t) })
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newStore(t)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	var n int
	if err := s.DB().QueryRow(`SELECT COUNT(*) FROM acidic_migrations`).Scan(&n); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if n != 1 {
		t.Fatalf("migrations recorded = %d, want 1", n)
	}
}

// A handler's own writes through Tx commit or roll back with the record.
func TestTx_HandlerWritesShareTransaction(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if _, err := s.DB().Exec(`CREATE TABLE rides (id INTEGER PRIMARY KEY, charged INTEGER NOT NULL)`); err != nil {
		t.Fatalf("create rides: %v", err)
	}
	if _, err := s.DB().Exec(`INSERT INTO rides (id, charged) VALUES (1, 0)`); err != nil {
		t.Fatalf("insert ride: %v", err)
	}

	r := storetest.NewRecord("ride-1")
	if err := s.CreateRecord(ctx, r); err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}
	token := record.LockToken(time.Now())
	if ok, err := s.TryLock(ctx, r.ID, token, token.Add(-time.Hour)); err != nil || !ok {
		t.Fatalf("TryLock = %v, %v", ok, err)
	}

	boom := errors.New("charge declined")
	err := s.InTx(ctx, func(ctx context.Context) error {
		tx, ok := sqlite.Tx(ctx)
		if !ok {
			t.Fatal("no transaction on context")
		}
		if _, err := tx.ExecContext(ctx, `UPDATE rides SET charged = 1 WHERE id = 1`); err != nil {
			return err
		}
		if err := s.Advance(ctx, r.ID, token, record.Advance{RecoveryPoint: "b"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx err = %v, want %v", err, boom)
	}

	var charged int
	_ = s.DB().QueryRow(`SELECT charged FROM rides WHERE id = 1`).Scan(&charged)
	if charged != 0 {
		t.Fatal("handler write survived rollback")
	}
	got, _ := s.GetRecord(ctx, r.ID)
	if got.RecoveryPoint != "a" {
		t.Fatalf("recovery point = %q, want a", got.RecoveryPoint)
	}

	err = s.InTx(ctx, func(ctx context.Context) error {
		tx, _ := sqlite.Tx(ctx)
		if _, err := tx.ExecContext(ctx, `UPDATE rides SET charged = 1 WHERE id = 1`); err != nil {
			return err
		}
		return s.Advance(ctx, r.ID, token, record.Advance{RecoveryPoint: "b"})
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}
	_ = s.DB().QueryRow(`SELECT charged FROM rides WHERE id = 1`).Scan(&charged)
	got, _ = s.GetRecord(ctx, r.ID)
	if charged != 1 || got.RecoveryPoint != "b" {
		t.Fatalf("charged=%d point=%q, want 1 and b", charged, got.RecoveryPoint)
	}
}

func TestCreateRecord_LargeArgs(t *testing.T) {
	s := newStore(t)
	r := storetest.NewRecord("big")
	big := make([]byte, 0, 64<<10)
	big = append(big, `{"blob":"`...)
	for range 60 << 10 {
		big = append(big, 'x')
	}
	big = append(big, `"}`...)
	r.JobArgs = big
	if err := s.CreateRecord(context.Background(), r); err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}
	dup := storetest.NewRecord("big")
	dup.JobArgs = big
	if err := s.CreateRecord(context.Background(), dup); !errors.Is(err, acidic.ErrRecordAlreadyExists) {
		t.Fatalf("duplicate: err = %v, want ErrRecordAlreadyExists", err)
	}
}
