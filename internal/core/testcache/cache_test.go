package testcache

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fuzoj/internal/core/artifact"
	"fuzoj/internal/core/result"
	"fuzoj/internal/core/spec"
)

// fakeEngine writes the requested ordinal as the generator's stdout, so
// the cache's EnsureCases produces files whose contents are verifiable.
type fakeEngine struct {
	runs     int32
	failAll  bool
	runDelay time.Duration
}

func (f *fakeEngine) Run(ctx context.Context, runSpec spec.RunSpec) (result.Outcome, error) {
	atomic.AddInt32(&f.runs, 1)
	if f.runDelay > 0 {
		time.Sleep(f.runDelay)
	}
	if f.failAll {
		return result.Outcome{Kind: result.ExitedWith, ExitCode: 1}, nil
	}
	k := runSpec.Cmd[len(runSpec.Cmd)-1]
	if err := os.WriteFile(runSpec.StdoutPath, []byte("case-"+k), 0644); err != nil {
		return result.Outcome{}, err
	}
	return result.Outcome{Kind: result.ExitedWith, ExitCode: 0}, nil
}

func (f *fakeEngine) KillSubmission(ctx context.Context, submissionID string) error { return nil }

// fakeLock is a process-local stand-in for cache.LockOps good enough to
// exercise the cache's acquire/wait/unlock sequencing in a single test
// binary; it does not need to behave like a real distributed lock.
type fakeLock struct {
	mu   sync.Mutex
	held map[string]bool
}

func newFakeLock() *fakeLock { return &fakeLock{held: map[string]bool{}} }

func (l *fakeLock) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return false, nil
	}
	l.held[key] = true
	return true, nil
}

func (l *fakeLock) Unlock(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
	return nil
}

func (l *fakeLock) ExtendLock(ctx context.Context, key string, ttl time.Duration) error {
	return nil
}

func TestEnsureCasesMaterializesAndIsIdempotent(t *testing.T) {
	t.Parallel()
	store := artifact.New(t.TempDir())
	eng := &fakeEngine{}
	c := New(store, eng, newFakeLock(), time.Minute, 5*time.Second)

	paths, err := c.EnsureCases(context.Background(), "p1", "/bin/gen", 3)
	if err != nil {
		t.Fatalf("EnsureCases returned error: %v", err)
	}
	if len(paths) != 3 {
		t.Fatalf("expected 3 paths, got %d", len(paths))
	}
	if eng.runs != 3 {
		t.Fatalf("expected 3 generator invocations, got %d", eng.runs)
	}

	// Second call must not re-invoke the generator for cases already on disk.
	paths2, err := c.EnsureCases(context.Background(), "p1", "/bin/gen", 3)
	if err != nil {
		t.Fatalf("second EnsureCases returned error: %v", err)
	}
	if len(paths2) != 3 {
		t.Fatalf("expected 3 paths on second call, got %d", len(paths2))
	}
	if eng.runs != 3 {
		t.Fatalf("expected no additional generator invocations, got %d total", eng.runs)
	}
}

func TestEnsureCasesExtendsPrefix(t *testing.T) {
	t.Parallel()
	store := artifact.New(t.TempDir())
	eng := &fakeEngine{}
	c := New(store, eng, newFakeLock(), time.Minute, 5*time.Second)

	if _, err := c.EnsureCases(context.Background(), "p1", "/bin/gen", 2); err != nil {
		t.Fatalf("EnsureCases(2) returned error: %v", err)
	}
	if eng.runs != 2 {
		t.Fatalf("expected 2 invocations after first call, got %d", eng.runs)
	}

	if _, err := c.EnsureCases(context.Background(), "p1", "/bin/gen", 5); err != nil {
		t.Fatalf("EnsureCases(5) returned error: %v", err)
	}
	if eng.runs != 5 {
		t.Fatalf("expected 5 total invocations after extending prefix, got %d", eng.runs)
	}
}

func TestEnsureCasesGeneratorFailureSurfaces(t *testing.T) {
	t.Parallel()
	store := artifact.New(t.TempDir())
	eng := &fakeEngine{failAll: true}
	c := New(store, eng, newFakeLock(), time.Minute, 5*time.Second)

	if _, err := c.EnsureCases(context.Background(), "p1", "/bin/gen", 1); err == nil {
		t.Fatal("expected error when the generator exits non-zero")
	}
}

func TestEnsureCasesConcurrentCallersShareOneGeneratorInvocation(t *testing.T) {
	t.Parallel()
	store := artifact.New(t.TempDir())
	eng := &fakeEngine{runDelay: 50 * time.Millisecond}
	lock := newFakeLock()
	c := New(store, eng, lock, time.Minute, 5*time.Second)

	const callers = 5
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, err := c.EnsureCases(context.Background(), "shared", "/bin/gen", 1)
			errs[idx] = err
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d returned error: %v", i, err)
		}
	}
	if eng.runs != 1 {
		t.Fatalf("expected exactly 1 generator invocation across %d concurrent callers, got %d", callers, eng.runs)
	}
}

func TestEnsureCasesWaiterTimesOutIfWinnerNeverFinishes(t *testing.T) {
	t.Parallel()
	store := artifact.New(t.TempDir())
	lock := newFakeLock()
	// Pre-acquire the lock to simulate a winner that never releases it or
	// writes the case, forcing the waiter down the timeout path.
	key := fmt.Sprintf("%sstuck:%03d", lockKeyPrefix, 1)
	if ok, err := lock.TryLock(context.Background(), key, time.Minute); err != nil || !ok {
		t.Fatalf("setup: failed to pre-acquire lock: %v", err)
	}

	eng := &fakeEngine{}
	c := New(store, eng, lock, time.Minute, 50*time.Millisecond)

	if _, err := c.EnsureCases(context.Background(), "stuck", "/bin/gen", 1); err == nil {
		t.Fatal("expected a timeout error when the winning caller never materializes the case")
	}
}
