package mapservice

import (
	"bytes"
	"context"
	"sync"

	"github.com/chn0318/replicamap/opmsg"
	"github.com/pkg/errors"
)

var (
	ErrUnknownFunction = errors.New("mapservice: unknown function")
	ErrNotMutation     = errors.New("mapservice: not a mutation")
)

// Function computes a new value for key from its current value (nil if
// absent) and the operation argument. A nil result removes the key; ok=false
// leaves the map unchanged.
type Function func(key, old, arg []byte) (newValue []byte, ok bool)

// Result describes the effect of an applied mutation.
type Result struct {
	Updated  bool
	Previous []byte
	Value    []byte
}

// MapService is the local state of the replicated map. Every replica applies
// the same ops in the same order per partition and ends up with the same map.
type MapService struct {
	mu        sync.RWMutex
	m         map[string][]byte
	functions map[string]Function

	// Highest applied ops offset per partition.
	applied []int64
	notify  chan struct{}
}

// NewMapService creates an empty map tracking partitions ops partitions, with
// the built-in functions registered.
func NewMapService(partitions int32) *MapService {
	s := &MapService{
		m:         make(map[string][]byte),
		functions: make(map[string]Function),
		applied:   make([]int64, partitions),
		notify:    make(chan struct{}),
	}
	for i := range s.applied {
		s.applied[i] = -1
	}
	for name, fn := range builtins {
		s.functions[name] = fn
	}
	return s
}

// Register adds a named function used by compute, compute-if-present and merge.
// All replicas must register the same functions.
func (s *MapService) Register(name string, fn Function) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.functions[name] = fn
}

// Apply applies the operation read at offset of ops partition part. Control
// messages only advance the applied offset. Offsets at or below the applied
// offset are ignored.
func (s *MapService) Apply(part int32, offset int64, msg opmsg.Message) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if offset <= s.applied[part] {
		return Result{}, nil
	}
	s.applied[part] = offset
	defer s.broadcastLocked()

	if !msg.OpType.IsMutation() {
		return Result{}, nil
	}
	return s.applyLocked(msg)
}

func (s *MapService) applyLocked(msg opmsg.Message) (Result, error) {
	key := string(msg.Key)
	old, present := s.m[key]
	res := Result{Previous: old, Value: old}

	var (
		next   []byte
		change bool
	)
	switch msg.OpType {
	case opmsg.OpPut:
		next, change = msg.UpdValue, true
	case opmsg.OpPutIfAbsent:
		next, change = msg.UpdValue, !present
	case opmsg.OpReplaceAny:
		next, change = msg.UpdValue, present
	case opmsg.OpReplaceExact:
		next, change = msg.UpdValue, present && bytes.Equal(old, msg.ExpValue)
	case opmsg.OpRemoveAny:
		next, change = nil, present
	case opmsg.OpRemoveExact:
		next, change = nil, present && bytes.Equal(old, msg.ExpValue)
	case opmsg.OpCompute, opmsg.OpComputeIfPresent, opmsg.OpMerge:
		fn, ok := s.functions[msg.Function]
		if !ok {
			return res, errors.Wrap(ErrUnknownFunction, msg.Function)
		}
		switch {
		case msg.OpType == opmsg.OpComputeIfPresent && !present:
		case msg.OpType == opmsg.OpMerge && !present:
			next, change = msg.UpdValue, true
		default:
			next, change = fn(msg.Key, old, msg.UpdValue)
		}
	default:
		return res, errors.Wrap(ErrNotMutation, msg.OpType.String())
	}

	if !change || (next == nil && !present) {
		return res, nil
	}
	if next == nil {
		delete(s.m, key)
	} else {
		s.m[key] = next
	}
	res.Updated = true
	res.Value = next
	return res, nil
}

// Load sets key to value outside of the ops stream, used while bootstrapping
// from the data channel. A nil value removes the key.
func (s *MapService) Load(key, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value == nil {
		delete(s.m, string(key))
		return
	}
	s.m[string(key)] = value
}

func (s *MapService) Get(key []byte) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[string(key)]
	return v, ok
}

func (s *MapService) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

// AppliedOffset returns the highest applied offset of ops partition part.
func (s *MapService) AppliedOffset(part int32) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.applied[part]
}

// SetAppliedOffset moves the applied offset of part forward, used when replay
// starts after a flushed offset.
func (s *MapService) SetAppliedOffset(part int32, offset int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if offset > s.applied[part] {
		s.applied[part] = offset
		s.broadcastLocked()
	}
}

// WaitApplied blocks until offset of partition part is applied.
func (s *MapService) WaitApplied(ctx context.Context, part int32, offset int64) error {
	for {
		s.mu.RLock()
		done := s.applied[part] >= offset
		notify := s.notify
		s.mu.RUnlock()
		if done {
			return nil
		}
		select {
		case <-notify:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *MapService) broadcastLocked() {
	close(s.notify)
	s.notify = make(chan struct{})
}
