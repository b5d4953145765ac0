package queue

import "github.com/taskgrid/taskgrid/internal/domain"

// entry is a pending task plus the monotonic sequence number it was first
// admitted with. The sequence survives release/requeue so a task returned
// to the pool keeps its original position among equal-priority peers.
type entry struct {
	task *domain.Task
	seq  uint64
	idx  int
}

// taskHeap orders entries by priority (higher first), then created_at
// (earlier first), then admission sequence. Implements container/heap.
type taskHeap []*entry

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.task.Priority != b.task.Priority {
		return a.task.Priority > b.task.Priority
	}
	if !a.task.CreatedAt.Equal(b.task.CreatedAt) {
		return a.task.CreatedAt.Before(b.task.CreatedAt)
	}
	return a.seq < b.seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].idx = i
	h[j].idx = j
}

func (h *taskHeap) Push(x any) {
	e := x.(*entry)
	e.idx = len(*h)
	*h = append(*h, e)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.idx = -1
	*h = old[:n-1]
	return e
}
