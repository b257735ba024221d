package modqueue

import (
	"sync"
	"time"
)

// Queue is the bounded, FIFO collection of pending moderation items.
//
// All mutation and all state transitions happen under a single mutex. The queue does no I/O while holding it, so callers are free to do slow I/O with the returned snapshots.
type Queue struct {
	mu       sync.Mutex
	items    []*Item
	capacity int
	nextID   uint64
}

func NewQueue(capacity int) *Queue {
	return &Queue{
		items:    make([]*Item, 0, capacity),
		capacity: capacity,
		nextID:   1,
	}
}

func (q *Queue) Capacity() int {
	return q.capacity
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Enqueue appends a new pending item and returns a snapshot of it along with its 1-based position, which is also the queue length right after the append. When the queue is at capacity it returns ErrQueueFull, and neither the queue contents nor the id sequence change.
func (q *Queue) Enqueue(submitter SubmitterIdentity, content Content, now time.Time) (Item, int, error) {
	return q.EnqueueIf(submitter, content, now, nil)
}

// EnqueueIf is Enqueue with a final admission check, run under the queue lock once there is room. A non-nil error from admit is returned as is, and nothing is queued. admit must not call back into the queue.
func (q *Queue) EnqueueIf(submitter SubmitterIdentity, content Content, now time.Time, admit func() error) (Item, int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.capacity {
		return Item{}, 0, ErrQueueFull
	}
	if admit != nil {
		if err := admit(); err != nil {
			return Item{}, 0, err
		}
	}
	it := &Item{
		ID:         q.nextID,
		Submitter:  submitter,
		Content:    content,
		Original:   content,
		State:      StatePending,
		EnqueuedAt: now,
	}
	q.nextID++
	q.items = append(q.items, it)
	return it.clone(), len(q.items), nil
}

// caller must hold the lock
func (q *Queue) indexOf(id uint64) int {
	for i, it := range q.items {
		if it.ID == id {
			return i
		}
	}
	return -1
}

// Position returns the live 1-based position of an item.
func (q *Queue) Position(id uint64) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.indexOf(id)
	if idx < 0 {
		return 0, false
	}
	return idx + 1, true
}

// Get returns a snapshot of a pending item and its live position.
func (q *Queue) Get(id uint64) (Item, int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.indexOf(id)
	if idx < 0 {
		return Item{}, 0, false
	}
	return q.items[idx].clone(), idx + 1, true
}

// Remove deletes an item from the queue and returns it. The second return is false if the item was not present (already removed by an earlier caller).
func (q *Queue) Remove(id uint64) (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it := q.removeLocked(id)
	if it == nil {
		return Item{}, false
	}
	return it.clone(), true
}

// caller must hold the lock
func (q *Queue) removeLocked(id uint64) *Item {
	idx := q.indexOf(id)
	if idx < 0 {
		return nil
	}
	it := q.items[idx]
	copy(q.items[idx:], q.items[idx+1:])
	q.items[len(q.items)-1] = nil
	q.items = q.items[:len(q.items)-1]
	return it
}

// Pending returns snapshots of all pending items in FIFO order.
func (q *Queue) Pending() []Item {
	return q.Page(0, 0)
}

// Page returns a FIFO-ordered window of pending items. A non-positive limit means "no limit".
func (q *Queue) Page(offset, limit int) []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if offset < 0 {
		offset = 0
	}
	if offset >= len(q.items) {
		return []Item{}
	}
	end := len(q.items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]Item, 0, end-offset)
	for _, it := range q.items[offset:end] {
		out = append(out, it.clone())
	}
	return out
}

// AttachNotice records where a reviewer was notified about an item. Returns false if the item has already left the queue.
func (q *Queue) AttachNotice(id uint64, ref NoticeRef) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.indexOf(id)
	if idx < 0 {
		return false
	}
	it := q.items[idx]
	for i, n := range it.Notices {
		if n.ReviewerID == ref.ReviewerID {
			it.Notices[i] = ref
			return true
		}
	}
	it.Notices = append(it.Notices, ref)
	return true
}

// Edit replaces the content of a pending item. Concurrent edits are last-writer-wins. The item stays pending.
func (q *Queue) Edit(id uint64, content Content, editor int64) (Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.indexOf(id)
	if idx < 0 {
		return Item{}, ErrItemNotFound
	}
	it := q.items[idx]
	it.Content = content
	it.Edited = true
	it.EditedBy = editor
	return it.clone(), nil
}

// Approve atomically removes a pending item and marks it approved. Exactly one caller per item succeeds; all others get ErrItemNotFound.
func (q *Queue) Approve(id uint64) (Item, error) {
	return q.decide(id, StateApproved)
}

// Reject atomically removes a pending item and marks it rejected, with the same single-winner guarantee as Approve.
func (q *Queue) Reject(id uint64) (Item, error) {
	return q.decide(id, StateRejected)
}

func (q *Queue) decide(id uint64, state State) (Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it := q.removeLocked(id)
	if it == nil {
		return Item{}, ErrItemNotFound
	}
	it.State = state
	return it.clone(), nil
}

// Details is the read-only view of a pending item, with its live position.
func (q *Queue) Details(id uint64) (Item, int, error) {
	it, pos, ok := q.Get(id)
	if !ok {
		return Item{}, 0, ErrItemNotFound
	}
	return it, pos, nil
}

// EditText replaces only the body or caption of a pending item, keeping its kind and media handle. The result must still be valid content.
func (q *Queue) EditText(id uint64, text string, editor int64) (Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.indexOf(id)
	if idx < 0 {
		return Item{}, ErrItemNotFound
	}
	it := q.items[idx]
	next := it.Content.WithText(text)
	if err := next.Validate(); err != nil {
		return Item{}, err
	}
	it.Content = next
	it.Edited = true
	it.EditedBy = editor
	return it.clone(), nil
}
