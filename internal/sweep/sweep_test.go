package sweep

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/options-engine/internal/lock"
	"github.com/atmx/options-engine/internal/model"
	"github.com/atmx/options-engine/internal/trade"
)

type fakeSettler struct {
	calls    atomic.Int32
	results  []trade.Settlement
	err      error
	block    chan struct{}
	deadline atomic.Pointer[time.Time]
}

// SettleExpiredBatch mirrors the engine: cancellation ends the batch with
// what was settled so far and no error.
func (f *fakeSettler) SettleExpiredBatch(ctx context.Context) ([]trade.Settlement, error) {
	f.calls.Add(1)
	if d, ok := ctx.Deadline(); ok {
		f.deadline.Store(&d)
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, nil
		}
	}
	return f.results, f.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunOnce_CountsFreshSettlements(t *testing.T) {
	f := &fakeSettler{results: []trade.Settlement{
		{Trade: &model.Trade{ID: "a"}},
		{Trade: &model.Trade{ID: "b"}, AlreadySettled: true},
		{Trade: &model.Trade{ID: "c"}},
	}}
	s := New(f, lock.NewLocalLocker(), time.Minute, time.Minute, quietLogger())

	n, err := s.RunOnce(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("expected 2 settled, got %d %v", n, err)
	}

	// The lock is released after the run.
	if _, err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if f.calls.Load() != 2 {
		t.Errorf("expected 2 batch calls, got %d", f.calls.Load())
	}
}

func TestRunOnce_SkipsWhenLockHeld(t *testing.T) {
	locker := lock.NewLocalLocker()
	release, err := locker.Acquire(context.Background(), LockName, time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release(context.Background())

	f := &fakeSettler{}
	s := New(f, locker, time.Minute, time.Minute, quietLogger())
	n, err := s.RunOnce(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("expected skipped run, got %d %v", n, err)
	}
	if f.calls.Load() != 0 {
		t.Error("batch must not run while the lock is held elsewhere")
	}
}

func TestRunOnce_BatchErrorReleasesLock(t *testing.T) {
	f := &fakeSettler{err: errors.New("list expired trades: db down")}
	s := New(f, lock.NewLocalLocker(), time.Minute, time.Minute, quietLogger())

	if _, err := s.RunOnce(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	f.err = nil
	if _, err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("lock not released after failure: %v", err)
	}
	if f.calls.Load() != 2 {
		t.Errorf("expected 2 calls, got %d", f.calls.Load())
	}
}

func TestRunOnce_TwoReplicasShareRedisLock(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	blocking := &fakeSettler{block: make(chan struct{})}
	replicaA := New(blocking, lock.NewRedisLocker(rdb, ""), time.Minute, time.Minute, quietLogger())
	other := &fakeSettler{}
	replicaB := New(other, lock.NewRedisLocker(rdb, ""), time.Minute, time.Minute, quietLogger())

	done := make(chan struct{})
	go func() {
		defer close(done)
		replicaA.RunOnce(context.Background())
	}()

	deadline := time.Now().Add(2 * time.Second)
	for blocking.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if blocking.calls.Load() == 0 {
		t.Fatal("replica A never started its batch")
	}

	if _, err := replicaB.RunOnce(context.Background()); err != nil {
		t.Fatalf("replica B: %v", err)
	}
	if other.calls.Load() != 0 {
		t.Error("replica B swept while replica A held the lock")
	}

	close(blocking.block)
	<-done
	if mr.Exists("lock:" + LockName) {
		t.Error("lock not released after replica A finished")
	}
}

func TestRunOnce_EndsBeforeLockExpires(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	const ttl = 200 * time.Millisecond
	f := &fakeSettler{block: make(chan struct{})}
	s := New(f, lock.NewRedisLocker(rdb, ""), time.Minute, ttl, quietLogger())

	start := time.Now()
	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := s.RunOnce(context.Background()); err != nil {
			t.Errorf("RunOnce: %v", err)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		close(f.block)
		t.Fatal("sweep outlived its lock")
	}

	d := f.deadline.Load()
	if d == nil || d.After(start.Add(ttl)) {
		t.Errorf("batch deadline %v is not within the lock ttl", d)
	}
	if mr.Exists("lock:" + LockName) {
		t.Error("lock not released after the cut-short run")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := &fakeSettler{}
	s := New(f, lock.NewLocalLocker(), 10*time.Millisecond, time.Minute, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for f.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	if f.calls.Load() < 2 {
		t.Errorf("expected repeated sweeps, got %d", f.calls.Load())
	}
}
