// Package window implements the bounded merge window a viewer uses to
// reconcile fetched history with live batches: a fixed-capacity ordered set
// that keeps the highest-ordered items and silently drops duplicates.
package window

import (
	"github.com/google/btree"

	"github.com/mymydata/internal/model"
)

const degree = 8

// Window keeps at most capacity items ordered by less. Items that compare
// equal are the same item, so less must be a total order over the keys in use.
// A Window is not safe for concurrent use.
type Window[T any] struct {
	capacity int
	items    *btree.BTreeG[T]
}

// New returns an empty window. A capacity below 1 is treated as 1.
func New[T any](capacity int, less func(a, b T) bool) *Window[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Window[T]{capacity: capacity, items: btree.NewG[T](degree, less)}
}

// Add inserts item, keeping an already present equal item, and evicts the
// lowest-ordered item once the window is over capacity.
func (w *Window[T]) Add(item T) {
	if w.items.Has(item) {
		return
	}
	w.items.ReplaceOrInsert(item)
	if w.items.Len() > w.capacity {
		w.items.DeleteMin()
	}
}

// AddAll adds items in iteration order.
func (w *Window[T]) AddAll(items []T) {
	for _, it := range items {
		w.Add(it)
	}
}

// Last returns the highest-ordered item.
func (w *Window[T]) Last() (T, bool) {
	return w.items.Max()
}

// RemoveLast removes and returns the highest-ordered item.
func (w *Window[T]) RemoveLast() (T, bool) {
	return w.items.DeleteMax()
}

// Remove drops item if present.
func (w *Window[T]) Remove(item T) {
	w.items.Delete(item)
}

func (w *Window[T]) Clear() {
	w.items.Clear(false)
}

func (w *Window[T]) Len() int {
	return w.items.Len()
}

func (w *Window[T]) Cap() int {
	return w.capacity
}

// Items returns the contents in ascending order.
func (w *Window[T]) Items() []T {
	out := make([]T, 0, w.items.Len())
	w.items.Ascend(func(item T) bool {
		out = append(out, item)
		return true
	})
	return out
}

// ByMessageSequence orders messages by their per-channel sequence number.
func ByMessageSequence(a, b model.Message) bool {
	return a.Sequence < b.Sequence
}

// NewMessages returns a message window ordered by sequence number.
func NewMessages(capacity int) *Window[model.Message] {
	return New[model.Message](capacity, ByMessageSequence)
}
