// Package resonance tracks a decaying activity score per command namespace.
//
// Every namespaced command adds a fixed increment to its namespace's score,
// clamped to a maximum. Every tick multiplies all scores by a decay factor
// and drops entries that fall below a negligible threshold. The result is a
// leaky-bucket signal that rule conditions can read ("INPUT is hot") without
// unbounded growth.
package resonance

import (
	"math"
	"sort"

	"aura/internal/logging"
	"aura/internal/state"
	"aura/internal/types"
)

// SliceKey is the state slice owned by the tracker.
const SliceKey = "resonance"

// Config holds the tracker constants.
type Config struct {
	Increment float64
	Max       float64
	Decay     float64
	Threshold float64
}

// DefaultConfig returns the standard tracker constants.
func DefaultConfig() Config {
	return Config{
		Increment: 1.0,
		Max:       10.0,
		Decay:     0.9,
		Threshold: 0.01,
	}
}

// WithDefaults returns c with every unusable field replaced by its default.
// Fields are checked one by one, so a partially set Config keeps the values
// it does set.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.Increment <= 0 {
		c.Increment = d.Increment
	}
	if c.Max <= 0 {
		c.Max = math.Max(d.Max, c.Increment)
	}
	if c.Decay <= 0 || c.Decay >= 1 {
		c.Decay = d.Decay
	}
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	return c
}

// Entry is the score of one namespace ("frequency").
type Entry struct {
	Frequency string  `json:"frequency"`
	Score     float64 `json:"score"`
}

// Slice is the persisted shape of the resonance slice.
type Slice struct {
	Entries map[string]float64 `json:"entries"`
}

// Empty returns a slice with no entries.
func Empty() Slice {
	return Slice{Entries: map[string]float64{}}
}

// Observe returns a copy of s with one command in namespace ns counted.
func Observe(s Slice, ns string, cfg Config) Slice {
	out := s.clone()
	out.Entries[ns] = math.Min(out.Entries[ns]+cfg.Increment, cfg.Max)
	return out
}

// Decay returns a copy of s with every score multiplied by cfg.Decay and
// entries below cfg.Threshold, or at zero, removed.
func Decay(s Slice, cfg Config) Slice {
	out := Empty()
	for ns, score := range s.Entries {
		next := math.Max(score*cfg.Decay, 0)
		if next <= 0 || next < cfg.Threshold {
			logging.ResonanceDebug("%s fell silent", ns)
			continue
		}
		out.Entries[ns] = next
	}
	return out
}

// TicksToSilence returns how many ticks without activity remove an entry
// that currently holds score, or -1 when cfg never removes it (Decay >= 1
// with a positive score).
func TicksToSilence(score float64, cfg Config) int {
	if score > 0 && cfg.Decay >= 1 {
		return -1
	}
	ticks := 0
	for score > 0 && score >= cfg.Threshold {
		score = math.Max(score*cfg.Decay, 0)
		ticks++
	}
	return ticks
}

func (s Slice) clone() Slice {
	out := Slice{Entries: make(map[string]float64, len(s.Entries)+1)}
	for k, v := range s.Entries {
		out.Entries[k] = v
	}
	return out
}

// =============================================================================
// STATE ACCESSORS
// =============================================================================

// Read decodes the resonance slice from the tree. A missing slice is empty.
func Read(t state.Tree) Slice {
	s, ok, err := state.Decode[Slice](t, SliceKey)
	if !ok || err != nil || s.Entries == nil {
		return Empty()
	}
	return s
}

// Score returns the current score of namespace ns.
func Score(t state.Tree, ns string) float64 {
	return Read(t).Entries[ns]
}

// Hot reports whether namespace ns scores at or above threshold.
func Hot(t state.Tree, ns string, threshold float64) bool {
	return Score(t, ns) >= threshold
}

// Top returns up to n entries ordered by descending score, ties by name.
// n <= 0 returns all entries.
func Top(t state.Tree, n int) []Entry {
	s := Read(t)
	entries := make([]Entry, 0, len(s.Entries))
	for ns, score := range s.Entries {
		entries = append(entries, Entry{Frequency: ns, Score: score})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].Frequency < entries[j].Frequency
	})
	if n > 0 && len(entries) > n {
		entries = entries[:n]
	}
	return entries
}

// HotCondition builds a rule condition that holds while ns is hot.
func HotCondition(ns string, threshold float64) func(state.Tree) bool {
	return func(t state.Tree) bool {
		return Hot(t, ns, threshold)
	}
}

// =============================================================================
// TRACKER
// =============================================================================

// Tracker is the pipeline tracker that maintains the resonance slice. Tick
// commands decay scores and are not themselves counted.
type Tracker struct {
	cfg Config
}

// NewTracker creates a tracker with cfg, defaulting unset fields.
func NewTracker(cfg Config) *Tracker {
	return &Tracker{cfg: cfg.WithDefaults()}
}

// Name implements pipeline.Handler.
func (t *Tracker) Name() string { return "resonance" }

// Config returns the tracker constants.
func (t *Tracker) Config() Config { return t.cfg }

// Handle implements pipeline.Handler.
func (t *Tracker) Handle(s state.Tree, cmd types.Command) (state.Patch, error) {
	current := Read(s)
	var next Slice
	switch {
	case cmd.Kind == types.KindTick:
		next = Decay(current, t.cfg)
	case cmd.Namespace() != "":
		next = Observe(current, cmd.Namespace(), t.cfg)
	default:
		return nil, nil
	}
	return state.PatchOf(SliceKey, next)
}
