package unet

import (
	ts "github.com/sugarme/gotch/tensor"
)

// History holds the pre-pooling encoder activations recorded during one
// Encode pass, ordered oldest first (the unpooled input is the first entry).
// Decode takes ownership: it pops entries last-in-first-out as skip
// connections and drains whatever remains, so a History is valid for exactly
// one Encode -> Decode cycle.
type History struct {
	entries []*ts.Tensor
}

func newHistory() *History {
	return &History{}
}

func (h *History) push(x *ts.Tensor) {
	h.entries = append(h.entries, x)
}

// pop removes and returns the most recent entry. Callers must check Len.
func (h *History) pop() *ts.Tensor {
	last := len(h.entries) - 1
	x := h.entries[last]
	h.entries = h.entries[:last]

	return x
}

// Len reports the number of unconsumed entries.
func (h *History) Len() int {
	return len(h.entries)
}

// drain drops every remaining entry, leaving the stack exhausted.
func (h *History) drain() {
	for _, x := range h.entries {
		x.MustDrop()
	}
	h.entries = h.entries[:0]
}

// Drop releases all held tensors. Only needed when a History is discarded
// without being consumed by Decode.
func (h *History) Drop() {
	h.drain()
}
