package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
)

var (
	ErrUnknownType = errors.New("unknown task type")
	// ErrAbort ends an execution as aborted, without retries. Wrap it to add detail.
	ErrAbort = errors.New("task aborted")
)

// Progress reports completion in percent (0-100). Every call also counts as a
// keep-alive for the inactivity check.
type Progress func(percent float64)

// Task is the payload a queue item or a schedule carries.
// Implementations must round-trip through encoding/json.
type Task interface {
	Type() string
	Priority() int
	Execute(ctx context.Context, progress Progress) error
}

// Envelope is the serialized form of a Task: a type discriminator plus its JSON.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (e Envelope) Empty() bool { return e.Type == "" }

// ErrNilTask is returned by Encode for a nil task, including a typed nil pointer.
var ErrNilTask = errors.New("encode task: nil task")

func Encode(t Task) (Envelope, error) {
	if isNil(t) {
		return Envelope{}, ErrNilTask
	}
	b, err := json.Marshal(t)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode task %s: %w", t.Type(), err)
	}
	return Envelope{Type: t.Type(), Data: b}, nil
}

func isNil(t Task) bool {
	if t == nil {
		return true
	}
	v := reflect.ValueOf(t)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Interface, reflect.Chan:
		return v.IsNil()
	}
	return false
}

// Factory returns a fresh zero value of a task type ready to be decoded into.
type Factory func() Task

// Registry decodes envelopes back into their concrete task type.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(taskType string, f Factory) {
	r.mu.Lock()
	r.factories[taskType] = f
	r.mu.Unlock()
}

func (r *Registry) Decode(e Envelope) (Task, error) {
	r.mu.RLock()
	f, ok := r.factories[e.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	t := f()
	if len(e.Data) > 0 {
		if err := json.Unmarshal(e.Data, t); err != nil {
			return nil, fmt.Errorf("decode task %s: %w", e.Type, err)
		}
	}
	return t, nil
}
