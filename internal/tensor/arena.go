package tensor

import (
	"errors"
	"fmt"
)

// Handle identifies a Buffer stored in an Arena.
type Handle int

// NoHandle is the zero binding of a layer that has not been connected or
// shaped yet.
const NoHandle Handle = -1

// ErrInvalidHandle is returned when a handle does not name a live buffer.
var ErrInvalidHandle = errors.New("tensor: invalid handle")

// Arena stores the output buffers of every layer in a network.
//
// Each buffer has exactly one producer (the layer that writes its
// activations) and at most one consumer (the next layer, which reads those
// activations as its input and writes gradients back into it). Connecting a
// consumer does not copy anything: producer and consumer share the handle.
type Arena struct {
	slots []slot
}

type slot struct {
	buffer   *Buffer
	producer int
	consumer int
}

// NewArena creates an empty arena.
func NewArena() *Arena {
	return &Arena{}
}

// Allocate creates a buffer of the given unit count owned by producer.
func (a *Arena) Allocate(producer, units int) (Handle, error) {
	buf, err := NewBuffer(units)
	if err != nil {
		return NoHandle, err
	}
	a.slots = append(a.slots, slot{buffer: buf, producer: producer, consumer: -1})
	return Handle(len(a.slots) - 1), nil
}

// Connect records consumer as the reader of the buffer behind h.
func (a *Arena) Connect(h Handle, consumer int) error {
	if !a.valid(h) {
		return fmt.Errorf("%w: %d", ErrInvalidHandle, h)
	}
	s := &a.slots[h]
	if s.consumer >= 0 && s.consumer != consumer {
		return fmt.Errorf("tensor: buffer %d already consumed by layer %d", h, s.consumer)
	}
	s.consumer = consumer
	return nil
}

// Disconnect removes the consumer binding of h. It is a no-op for invalid
// handles.
func (a *Arena) Disconnect(h Handle) {
	if a.valid(h) {
		a.slots[h].consumer = -1
	}
}

// Buffer returns the buffer behind h. It panics on an invalid handle.
func (a *Arena) Buffer(h Handle) *Buffer {
	if !a.valid(h) {
		panic(fmt.Sprintf("tensor: invalid handle %d (arena holds %d buffers)", h, len(a.slots)))
	}
	return a.slots[h].buffer
}

// Producer returns the ID of the layer writing into h, or -1.
func (a *Arena) Producer(h Handle) int {
	if !a.valid(h) {
		return -1
	}
	return a.slots[h].producer
}

// Consumer returns the ID of the layer reading from h, or -1.
func (a *Arena) Consumer(h Handle) int {
	if !a.valid(h) {
		return -1
	}
	return a.slots[h].consumer
}

// Aliases reports whether two handles name the same live storage.
func (a *Arena) Aliases(x, y Handle) bool {
	return a.valid(x) && x == y
}

// Len returns the number of allocated buffers.
func (a *Arena) Len() int {
	return len(a.slots)
}

// Truncate drops every buffer allocated after the first n.
func (a *Arena) Truncate(n int) {
	if n < 0 || n >= len(a.slots) {
		return
	}
	clear(a.slots[n:])
	a.slots = a.slots[:n]
}

func (a *Arena) valid(h Handle) bool {
	return h >= 0 && int(h) < len(a.slots)
}
