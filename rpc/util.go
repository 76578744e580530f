package rpc

import (
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/exp/slices"
)

type callbackEntry[T any] struct {
	id       uint64
	callback T
}

// listeners that are called in registration order
// the entries are replaced on every update, so `Get` snapshots are never mutated
type CallbackList[T any] struct {
	stateLock sync.Mutex
	nextId    uint64
	entries   []callbackEntry[T]
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		entries: []callbackEntry[T]{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	callbacks := make([]T, len(self.entries))
	for i, entry := range self.entries {
		callbacks[i] = entry.callback
	}
	return callbacks
}

func (self *CallbackList[T]) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.entries)
}

// returns the function that removes `callback`. Removing twice is a noop.
func (self *CallbackList[T]) Add(callback T) func() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	id := self.nextId
	self.nextId += 1
	entries := slices.Clip(slices.Clone(self.entries))
	self.entries = append(entries, callbackEntry[T]{id: id, callback: callback})

	return func() {
		self.remove(id)
	}
}

func (self *CallbackList[T]) remove(id uint64) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.entries = slices.DeleteFunc(slices.Clone(self.entries), func(entry callbackEntry[T]) bool {
		return entry.id == id
	})
}

// the last reported state plus a channel that is closed when it changes
type StateMonitor[S comparable] struct {
	stateLock sync.Mutex
	state     S
	update    chan struct{}
}

func NewStateMonitor[S comparable](state S) *StateMonitor[S] {
	return &StateMonitor[S]{
		state:  state,
		update: make(chan struct{}),
	}
}

// the current state and the channel closed on the next change
func (self *StateMonitor[S]) State() (S, <-chan struct{}) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state, self.update
}

// returns false when `state` is the current state
func (self *StateMonitor[S]) Set(state S) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.state == state {
		return false
	}
	self.state = state
	close(self.update)
	self.update = make(chan struct{})
	return true
}

// numbers decoded with `UseNumber` arrive as `json.Number`
func toInt64(value any) (int64, error) {
	switch v := value.(type) {
	case json.Number:
		return v.Int64()
	case float64:
		return int64(v), nil
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("not an integer: %T", value)
	}
}
