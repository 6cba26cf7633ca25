// Package replay stores the experience elements consumed by the PPO update step.
package replay

import (
	"sync"

	"github.com/pkg/errors"
)

// Element is one unit of PPO experience: the prompt, the generated response and
// the per-response-token signals computed during collection.
//
// LogProbs, Values and Rewards are parallel slices, one entry per response
// token up to and including the first end-of-sequence position.
type Element struct {
	Query    []int32   `msgpack:"query"`
	Response []int32   `msgpack:"response"`
	LogProbs []float32 `msgpack:"logprobs"`
	Values   []float32 `msgpack:"values"`
	Rewards  []float32 `msgpack:"rewards"`
}

// ErrBufferEmpty is returned by Take when no elements are stored.
var ErrBufferEmpty = errors.New("replay buffer is empty")

// Buffer is a mutex-guarded store of experience elements. A zero capacity
// means unbounded.
type Buffer struct {
	mu       sync.Mutex
	elements []Element
	capacity int
}

// NewBuffer creates a buffer. capacity <= 0 means unbounded.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{capacity: capacity}
}

// Push appends a batch of elements. When the buffer has a capacity, the oldest
// elements are evicted to make room.
func (b *Buffer) Push(elements []Element) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.elements = append(b.elements, elements...)
	if b.capacity > 0 && len(b.elements) > b.capacity {
		over := len(b.elements) - b.capacity
		b.elements = append(b.elements[:0], b.elements[over:]...)
	}
}

// Take removes and returns up to n elements, oldest first.
func (b *Buffer) Take(n int) ([]Element, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.elements) == 0 {
		return nil, ErrBufferEmpty
	}
	if n > len(b.elements) {
		n = len(b.elements)
	}
	out := make([]Element, n)
	copy(out, b.elements[:n])
	b.elements = b.elements[n:]
	return out, nil
}

// Len returns the number of stored elements.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.elements)
}
