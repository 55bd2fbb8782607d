package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// PAYLOAD REGISTRY
// =============================================================================
//
// Command args are an open map on the wire. The registry maps each known kind
// to a payload struct so args can be decoded into a typed value and checked
// against its `validate:` tags. Kinds without a registered payload pass
// through untouched.

// ErrInvalidPayload is returned when args do not satisfy the registered payload.
var ErrInvalidPayload = errors.New("invalid command payload")

// payloadValidate is the shared validator instance for command payloads.
var payloadValidate = validator.New()

// EnqueueTaskPayload is the payload of KERNEL/ENQUEUE_TASK.
type EnqueueTaskPayload struct {
	ID        string `json:"id" validate:"required"`
	Kind      string `json:"kind" validate:"required"`
	Priority  int    `json:"priority" validate:"gte=0"`
	CreatedAt string `json:"createdAt,omitempty" validate:"omitempty,datetime=2006-01-02T15:04:05.999999999Z07:00"`
}

// CompleteTaskPayload is the payload of KERNEL/COMPLETE_TASK. An empty ID
// clears whatever is running.
type CompleteTaskPayload struct {
	ID string `json:"id,omitempty"`
}

// RemoveTaskPayload is the payload of KERNEL/REMOVE_TASK.
type RemoveTaskPayload struct {
	ID string `json:"id" validate:"required"`
}

// LogErrorPayload is the payload of SYSTEM/LOG_ERROR.
type LogErrorPayload struct {
	Source  string `json:"source" validate:"required"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message" validate:"required,max=4096"`
}

// SynthResultPayload is the payload of SYNTH/RESULT.
type SynthResultPayload struct {
	TaskID string `json:"taskId" validate:"required"`
	Kind   string `json:"kind" validate:"required"`
	Text   string `json:"text"`
}

// PayloadRegistry is a lookup table from command kind to payload type.
type PayloadRegistry struct {
	mu    sync.RWMutex
	kinds map[string]reflect.Type
}

// NewPayloadRegistry returns a registry preloaded with the reserved kinds.
func NewPayloadRegistry() *PayloadRegistry {
	r := &PayloadRegistry{kinds: make(map[string]reflect.Type)}
	r.Register(KindEnqueueTask, EnqueueTaskPayload{})
	r.Register(KindCompleteTask, CompleteTaskPayload{})
	r.Register(KindRemoveTask, RemoveTaskPayload{})
	r.Register(KindLogError, LogErrorPayload{})
	r.Register(KindSynthResult, SynthResultPayload{})
	return r
}

// Register associates kind with the struct type of proto. Re-registering a
// kind replaces the previous payload type.
func (r *PayloadRegistry) Register(kind string, proto any) {
	t := reflect.TypeOf(proto)
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		panic(fmt.Sprintf("payload for %s must be a struct, got %s", kind, t))
	}
	r.mu.Lock()
	r.kinds[kind] = t
	r.mu.Unlock()
}

// Kinds returns the registered kinds, sorted.
func (r *PayloadRegistry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.kinds))
	for k := range r.kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Decode decodes the command args into a new value of the registered type.
// It returns (nil, nil) for unregistered kinds.
func (r *PayloadRegistry) Decode(c Command) (any, error) {
	r.mu.RLock()
	t, ok := r.kinds[c.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	ptr := reflect.New(t)
	if err := decodeArgs(c.Args, ptr.Interface()); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, c.Kind, err)
	}
	if err := payloadValidate.Struct(ptr.Interface()); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, c.Kind, err)
	}
	return ptr.Elem().Interface(), nil
}

// Validate checks the command args against the registered payload type.
func (r *PayloadRegistry) Validate(c Command) error {
	_, err := r.Decode(c)
	return err
}

// DecodePayload decodes command args into T and validates it.
func DecodePayload[T any](c Command) (T, error) {
	var out T
	if err := decodeArgs(c.Args, &out); err != nil {
		return out, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, c.Kind, err)
	}
	if reflect.TypeOf((*T)(nil)).Elem().Kind() == reflect.Struct {
		if err := payloadValidate.Struct(&out); err != nil {
			return out, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, c.Kind, err)
		}
	}
	return out, nil
}

func decodeArgs(args map[string]any, dst any) error {
	if args == nil {
		args = map[string]any{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}
