// Package migration upgrades persisted state documents to the current schema
// version through a chain of versioned steps.
package migration

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"aura/internal/logging"
	"aura/internal/state"
)

// Sentinel errors. Callers fall back to a default tree on any of them and
// never persist the partial result.
var (
	// ErrFutureVersion rejects snapshots written by a newer schema.
	ErrFutureVersion = errors.New("snapshot version is newer than supported")

	// ErrMissingStep is returned in strict mode when an intermediate version
	// has no registered step.
	ErrMissingStep = errors.New("missing migration step")

	// ErrStepFailed wraps an error or panic raised by a step or its validator.
	ErrStepFailed = errors.New("migration step failed")

	// ErrInvalidVersion rejects versions that are not positive integers.
	ErrInvalidVersion = errors.New("invalid snapshot version")

	// ErrDuplicateStep is returned when two steps target the same version.
	ErrDuplicateStep = errors.New("duplicate migration step")
)

// Step upgrades a document from Version-1 to Version.
type Step struct {
	Version int
	Name    string

	// Up transforms the document in place or returns a new one. It must
	// introduce defaults for new slices and drop removed fields explicitly.
	Up func(doc state.Document) (state.Document, error)

	// Validate optionally checks that the output fits the target shape.
	Validate func(doc state.Document) error
}

// Result holds the outcome of one migration run.
type Result struct {
	FromVersion   int
	ToVersion     int
	MigrationsRun int
	Skipped       []int
	Duration      time.Duration
	Warnings      []string
}

// Chain is an ordered set of steps up to a target version.
type Chain struct {
	target  int
	steps   map[int]Step
	lenient bool
}

// Option configures a Chain.
type Option func(*Chain)

// WithLenientGaps makes a missing intermediate step a warning instead of an
// error. The skipped version is recorded in Result.Skipped.
func WithLenientGaps() Option {
	return func(c *Chain) { c.lenient = true }
}

// New builds a chain targeting version target.
func New(target int, steps []Step, opts ...Option) (*Chain, error) {
	if target < 1 {
		return nil, fmt.Errorf("%w: target %d", ErrInvalidVersion, target)
	}
	c := &Chain{target: target, steps: make(map[int]Step, len(steps))}
	for _, s := range steps {
		if s.Version < 2 || s.Version > target {
			return nil, fmt.Errorf("step %q targets version %d outside 2..%d", s.Name, s.Version, target)
		}
		if s.Up == nil {
			return nil, fmt.Errorf("step %q has no Up function", s.Name)
		}
		if _, dup := c.steps[s.Version]; dup {
			return nil, fmt.Errorf("%w: version %d", ErrDuplicateStep, s.Version)
		}
		c.steps[s.Version] = s
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Target returns the version documents are migrated to.
func (c *Chain) Target() int {
	return c.target
}

// Versions returns the versions that have a registered step, ascending.
func (c *Chain) Versions() []int {
	out := make([]int, 0, len(c.steps))
	for v := range c.steps {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// Migrate upgrades doc to the target version. The input is never modified.
// On error the returned document is nil.
func (c *Chain) Migrate(doc state.Document) (state.Document, Result, error) {
	timer := logging.StartTimer(logging.CategoryMigration, "Migrate")
	defer timer.Stop()

	start := time.Now()
	result := Result{ToVersion: c.target}

	from, err := doc.Version()
	if err != nil {
		return nil, result, fmt.Errorf("%w: %v", ErrInvalidVersion, err)
	}
	result.FromVersion = from
	if from < 1 {
		return nil, result, fmt.Errorf("%w: %d", ErrInvalidVersion, from)
	}
	if from > c.target {
		logging.MigrationWarn("rejecting snapshot at version %d (current %d)", from, c.target)
		return nil, result, fmt.Errorf("%w: %d > %d", ErrFutureVersion, from, c.target)
	}

	working := doc.Clone()
	for v := from + 1; v <= c.target; v++ {
		step, ok := c.steps[v]
		if !ok {
			if !c.lenient {
				return nil, result, fmt.Errorf("%w: version %d", ErrMissingStep, v)
			}
			msg := fmt.Sprintf("no step registered for version %d, skipping", v)
			logging.MigrationWarn("%s", msg)
			result.Skipped = append(result.Skipped, v)
			result.Warnings = append(result.Warnings, msg)
			working[state.VersionKey] = v
			continue
		}

		next, err := runStep(step, working)
		if err != nil {
			return nil, result, err
		}
		next[state.VersionKey] = v
		working = next
		result.MigrationsRun++
		logging.MigrationDebug("applied step %d (%s)", v, step.Name)
	}
	working[state.VersionKey] = c.target

	result.Duration = time.Since(start)
	if result.MigrationsRun > 0 || len(result.Skipped) > 0 {
		logging.Migration("migrated snapshot v%d -> v%d (%d steps, %d skipped)",
			from, c.target, result.MigrationsRun, len(result.Skipped))
	}
	return working, result, nil
}

// MigrateTree parses a persisted tree, migrates it and converts the result.
func (c *Chain) MigrateTree(data []byte) (state.Tree, Result, error) {
	doc, err := state.ParseDocument(data)
	if err != nil {
		return state.Tree{}, Result{ToVersion: c.target}, err
	}
	out, result, err := c.Migrate(doc)
	if err != nil {
		return state.Tree{}, result, err
	}
	tree, err := state.FromDocument(out)
	if err != nil {
		return state.Tree{}, result, fmt.Errorf("%w: %v", ErrStepFailed, err)
	}
	return tree, result, nil
}

func runStep(step Step, doc state.Document) (out state.Document, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("%w: v%d %s: panic: %v", ErrStepFailed, step.Version, step.Name, r)
		}
	}()

	out, err = step.Up(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: v%d %s: %v", ErrStepFailed, step.Version, step.Name, err)
	}
	if out == nil {
		return nil, fmt.Errorf("%w: v%d %s: returned nil document", ErrStepFailed, step.Version, step.Name)
	}
	if step.Validate != nil {
		if err := step.Validate(out); err != nil {
			return nil, fmt.Errorf("%w: v%d %s: invalid output: %v", ErrStepFailed, step.Version, step.Name, err)
		}
	}
	return out, nil
}
