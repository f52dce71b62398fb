package store

import (
	"container/heap"

	"github.com/moroshma/MiniToolQueue/internal/domain/entity"
)

type item struct {
	msg   *entity.Message
	order int64
}

// readyQueue orders messages by priority, highest first, then by order.
// Tail inserts take increasing orders and head inserts take decreasing ones,
// so FIFO holds within a priority and head requeues jump the line.
type readyQueue []*item

func (q readyQueue) Len() int { return len(q) }

func (q readyQueue) Less(i, j int) bool {
	if q[i].msg.Priority != q[j].msg.Priority {
		return q[i].msg.Priority > q[j].msg.Priority
	}
	return q[i].order < q[j].order
}

func (q readyQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *readyQueue) Push(x any) { *q = append(*q, x.(*item)) }

func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return it
}

// removeIf drops every item matching fn and restores the heap.
func (q *readyQueue) removeIf(fn func(*entity.Message) bool) []*entity.Message {
	var removed []*entity.Message
	kept := (*q)[:0]
	for _, it := range *q {
		if fn(it.msg) {
			removed = append(removed, it.msg)
			continue
		}
		kept = append(kept, it)
	}
	for i := len(kept); i < len(*q); i++ {
		(*q)[i] = nil
	}
	*q = kept
	heap.Init(q)
	return removed
}
