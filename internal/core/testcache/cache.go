// Package testcache implements the lazy, prefix-closed test-case cache
// (spec.md §4.5): EnsureCases materializes cases 1..N for a problem,
// invoking the problem's generator under the Generate profile only for
// ordinals not already on disk, with at most one generator invocation
// per (problem, k) in flight cluster-wide.
package testcache

import (
	"context"
	"fmt"
	"os"
	"time"

	"fuzoj/internal/core/artifact"
	"fuzoj/internal/core/profile"
	"fuzoj/internal/core/result"
	"fuzoj/internal/core/sandboxengine"
	"fuzoj/internal/core/spec"
	appErr "fuzoj/pkg/errors"
	"fuzoj/pkg/utils/logger"

	"fuzoj/internal/common/cache"

	"go.uber.org/zap"
)

const lockKeyPrefix = "testcache:lock:"

// Cache materializes test-case inputs on demand, backed by the shared
// artifact store and a distributed lock enforcing the cache's ordering
// invariant: generation for (problem, k) is totally ordered, at most one
// generator invocation in flight.
type Cache struct {
	store      *artifact.Store
	engine     sandboxengine.Engine
	lock       cache.LockOps
	lockTTL    time.Duration
	lockWait   time.Duration
	genTimeout time.Duration
}

// New builds a Cache. lockTTL bounds how long a winning generator
// invocation may hold the per-(problem,k) lock; lockWait bounds how long
// a losing caller polls for the winner's result before giving up.
func New(store *artifact.Store, engine sandboxengine.Engine, lock cache.LockOps, lockTTL, lockWait time.Duration) *Cache {
	if lockTTL <= 0 {
		lockTTL = 2 * time.Minute
	}
	if lockWait <= 0 {
		lockWait = 90 * time.Second
	}
	return &Cache{store: store, engine: engine, lock: lock, lockTTL: lockTTL, lockWait: lockWait}
}

// EnsureCases materializes test cases 1..N for problemID via the
// generator binary at generatorPath, returning the N case paths in
// order. Idempotent: repeated calls return the same paths and bytes.
func (c *Cache) EnsureCases(ctx context.Context, problemID, generatorPath string, n int) ([]string, error) {
	paths := make([]string, 0, n)
	for k := 1; k <= n; k++ {
		path := c.store.TestCasePath(problemID, k)
		if fileExists(path) {
			paths = append(paths, path)
			continue
		}
		if err := c.ensureCase(ctx, problemID, generatorPath, k); err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	c.store.TouchLastAccess(problemID)
	return paths, nil
}

func (c *Cache) ensureCase(ctx context.Context, problemID, generatorPath string, k int) error {
	lockKey := fmt.Sprintf("%s%s:%03d", lockKeyPrefix, problemID, k)
	locked, err := c.lock.TryLock(ctx, lockKey, c.lockTTL)
	if err != nil {
		return appErr.Wrapf(err, appErr.LockFailed, "acquire testcase lock for %s/%03d", problemID, k)
	}
	if !locked {
		return c.waitForCase(ctx, problemID, k)
	}
	defer func() {
		_ = c.lock.Unlock(ctx, lockKey)
	}()

	path := c.store.TestCasePath(problemID, k)
	if fileExists(path) {
		return nil
	}
	return c.generateCase(ctx, problemID, generatorPath, k)
}

// generateCase runs the generator under the Generate profile with
// argument k, capturing stdout to a scratch file, then renames it into
// place via the artifact store. A non-zero generator exit fails the
// whole request with a system error, leaving partial files intact so a
// later call retries only the missing tail.
func (c *Cache) generateCase(ctx context.Context, problemID, generatorPath string, k int) error {
	scratchDir := c.store.ScratchDir(fmt.Sprintf("gen-%s-%03d", problemID, k))
	if err := os.MkdirAll(scratchDir, 0750); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "create generator scratch dir")
	}
	defer os.RemoveAll(scratchDir)

	outPath := scratchDir + "/stdout"
	runSpec := spec.RunSpec{
		SubmissionID: "testcache",
		TestID:       fmt.Sprintf("%s-%03d", problemID, k),
		Profile:      string(profile.Generate),
		WorkDir:      scratchDir,
		Cmd:          []string{generatorPath, fmt.Sprintf("%d", k)},
		StdoutPath:   outPath,
		Limits:       profile.Defaults[profile.Generate].Limits,
	}

	outcome, err := c.engine.Run(ctx, runSpec)
	if err != nil {
		return appErr.Wrapf(err, appErr.JudgeSystemError, "run generator for %s/%03d", problemID, k)
	}
	if outcome.Kind != result.ExitedWith || outcome.ExitCode != 0 {
		logger.Warn(ctx, "generator failed",
			zap.String("problem_id", problemID), zap.Int("k", k),
			zap.String("outcome", outcome.String()))
		return appErr.New(appErr.JudgeSystemError).WithMessage("generator exited non-zero")
	}

	data, err := os.Open(outPath)
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "open generator output")
	}
	defer data.Close()
	if err := c.store.WriteTestCase(problemID, k, data); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "install generated case")
	}
	return nil
}

// waitForCase polls for the winning generator invocation's result after
// losing the per-(problem,k) lock race.
func (c *Cache) waitForCase(ctx context.Context, problemID string, k int) error {
	path := c.store.TestCasePath(problemID, k)
	deadline := time.Now().Add(c.lockWait)
	for {
		if fileExists(path) {
			return nil
		}
		if time.Now().After(deadline) {
			return appErr.New(appErr.Timeout).WithMessage("wait for test case cache timeout")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
