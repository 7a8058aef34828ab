package reactor

import (
	"container/heap"
	"time"
)

// --------------------------------------------------------------------------
// Timer heap
// --------------------------------------------------------------------------
//
// This file provides the keyed priority queue the reactor schedules its
// delayed tasks on.
//
// The implementation combines a binary heap ordered by fire time with a
// hash map for id-based access, giving O(log n) scheduling and expiry and
// O(log n) removal of an arbitrary timer by id. It is not thread-safe;
// only the owning reactor goroutine touches it.

// timerEntry represents one pending timer registration
type timerEntry struct {
	id     uint64       // Unique identifier for the registration
	fireAt time.Time    // Priority used for ordering in the heap
	task   *DelayedTask // Payload delivered on expiry
	index  int          // Index in the heap, maintained by heap package
}

// timerHeap implements a priority queue of timer registrations with both
// heap operations and id-based access
type timerHeap struct {
	entries  []*timerEntry
	entryMap map[uint64]*timerEntry
}

// newTimerHeap creates an empty timer queue
func newTimerHeap() *timerHeap {
	return &timerHeap{
		entries:  make([]*timerEntry, 0),
		entryMap: make(map[uint64]*timerEntry),
	}
}

// Len returns the number of pending timers (part of heap.Interface)
func (th *timerHeap) Len() int { return len(th.entries) }

// Less orders entries by fire time, earliest first (part of heap.Interface)
func (th *timerHeap) Less(i, j int) bool {
	return th.entries[i].fireAt.Before(th.entries[j].fireAt)
}

// Swap exchanges entries at positions i and j (part of heap.Interface)
func (th *timerHeap) Swap(i, j int) {
	th.entries[i], th.entries[j] = th.entries[j], th.entries[i]
	th.entries[i].index = i
	th.entries[j].index = j
}

// Push adds an entry to the heap (part of heap.Interface)
func (th *timerHeap) Push(x interface{}) {
	n := len(th.entries)
	entry := x.(*timerEntry)
	entry.index = n
	th.entries = append(th.entries, entry)
	th.entryMap[entry.id] = entry
}

// Pop removes and returns the earliest entry (part of heap.Interface)
func (th *timerHeap) Pop() interface{} {
	old := th.entries
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil   // Avoid memory leak
	entry.index = -1 // For safety
	th.entries = old[:n-1]
	delete(th.entryMap, entry.id)
	return entry
}

// add schedules task under id at the given fire time
func (th *timerHeap) add(id uint64, fireAt time.Time, task *DelayedTask) {
	heap.Push(th, &timerEntry{id: id, fireAt: fireAt, task: task})
}

// removeByID drops a registration before it fires
func (th *timerHeap) removeByID(id uint64) (*DelayedTask, bool) {
	entry, exists := th.entryMap[id]
	if !exists {
		return nil, false
	}
	heap.Remove(th, entry.index)
	return entry.task, true
}

// nextFireTime returns the earliest pending fire time
func (th *timerHeap) nextFireTime() (time.Time, bool) {
	if len(th.entries) == 0 {
		return time.Time{}, false
	}
	return th.entries[0].fireAt, true
}

// popDue removes and returns all entries whose fire time is at or before now
func (th *timerHeap) popDue(now time.Time) []*timerEntry {
	var due []*timerEntry
	for len(th.entries) > 0 && !th.entries[0].fireAt.After(now) {
		due = append(due, heap.Pop(th).(*timerEntry))
	}
	return due
}
