package cortex

import (
	"aura/internal/core"
	"aura/internal/state"
	"aura/internal/types"
)

// SynthesisCap bounds the result log.
const SynthesisCap = 20

// SynthResult is one completed synthesis.
type SynthResult struct {
	TaskID string `json:"taskId"`
	Kind   string `json:"kind"`
	Text   string `json:"text"`
	Tick   int64  `json:"tick"`
}

// Synthesis is the shape of the synthesis slice.
type Synthesis struct {
	Results []SynthResult `json:"results"`
}

// ReadSynthesis decodes the synthesis slice. A missing slice is empty.
func ReadSynthesis(t state.Tree) Synthesis {
	s, ok, err := state.Decode[Synthesis](t, core.SynthesisSliceKey)
	if !ok || err != nil || s.Results == nil {
		return Synthesis{Results: []SynthResult{}}
	}
	return s
}

// LatestResult returns the most recent result, if any.
func LatestResult(t state.Tree) (SynthResult, bool) {
	results := ReadSynthesis(t).Results
	if len(results) == 0 {
		return SynthResult{}, false
	}
	return results[len(results)-1], true
}

// SynthesisHandler owns the synthesis slice.
type SynthesisHandler struct{}

// Name implements pipeline.Handler.
func (SynthesisHandler) Name() string { return "synthesis" }

// Handle implements pipeline.Handler.
func (SynthesisHandler) Handle(s state.Tree, cmd types.Command) (state.Patch, error) {
	if cmd.Kind != types.KindSynthResult {
		return nil, nil
	}
	p, err := types.DecodePayload[types.SynthResultPayload](cmd)
	if err != nil {
		return nil, err
	}
	syn := ReadSynthesis(s)
	syn.Results = append(syn.Results, SynthResult{
		TaskID: p.TaskID,
		Kind:   p.Kind,
		Text:   p.Text,
		Tick:   core.CurrentTick(s),
	})
	if over := len(syn.Results) - SynthesisCap; over > 0 {
		syn.Results = syn.Results[over:]
	}
	return state.PatchOf(core.SynthesisSliceKey, syn)
}
