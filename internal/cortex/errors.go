// Package cortex provides the built-in slices and coprocessor rules that
// make an aura kernel do something on its own: an error log fed by the
// kernel's error channel, a synthesis result log, and the two rules that
// enqueue synthesis work when input resonates and push running tasks
// through the computation bridge.
package cortex

import (
	"aura/internal/core"
	"aura/internal/state"
	"aura/internal/types"
)

// ErrorsCap bounds the error log; the oldest entries are dropped first.
const ErrorsCap = 50

// ErrorEntry is one recorded failure.
type ErrorEntry struct {
	Tick    int64  `json:"tick"`
	Source  string `json:"source"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

// ErrorLog is the shape of the errors slice.
type ErrorLog struct {
	Entries []ErrorEntry `json:"entries"`
}

// ReadErrors decodes the errors slice. A missing slice is empty.
func ReadErrors(t state.Tree) ErrorLog {
	log, ok, err := state.Decode[ErrorLog](t, core.ErrorsSliceKey)
	if !ok || err != nil || log.Entries == nil {
		return ErrorLog{Entries: []ErrorEntry{}}
	}
	return log
}

// ErrorLogHandler owns the errors slice. It records SYSTEM/LOG_ERROR
// stamped with the current tick and empties on SYSTEM/CLEAR_ERRORS.
type ErrorLogHandler struct{}

// Name implements pipeline.Handler.
func (ErrorLogHandler) Name() string { return "errors" }

// Handle implements pipeline.Handler.
func (ErrorLogHandler) Handle(s state.Tree, cmd types.Command) (state.Patch, error) {
	switch cmd.Kind {
	case types.KindLogError:
		p, err := types.DecodePayload[types.LogErrorPayload](cmd)
		if err != nil {
			return nil, err
		}
		log := ReadErrors(s)
		log.Entries = append(log.Entries, ErrorEntry{
			Tick:    core.CurrentTick(s),
			Source:  p.Source,
			Kind:    p.Kind,
			Message: p.Message,
		})
		if over := len(log.Entries) - ErrorsCap; over > 0 {
			log.Entries = log.Entries[over:]
		}
		return state.PatchOf(core.ErrorsSliceKey, log)

	case types.KindClearErrors:
		if len(ReadErrors(s).Entries) == 0 {
			return nil, nil
		}
		return state.PatchOf(core.ErrorsSliceKey, ErrorLog{Entries: []ErrorEntry{}})
	}
	return nil, nil
}
