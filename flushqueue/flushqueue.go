// Package flushqueue buffers the key/value updates applied from one ops log
// partition since its last compaction.
//
// Writers stage entries on private lock-free stacks. A merge moves every
// staged entry into the shared offset-ordered collection under the queue
// lock; a forced merge blocks on the lock, an opportunistic one only tries it.
// Entries left staged by a failed try are picked up by the next merge from any
// writer, or by Collect and Clean, which always merge.
package flushqueue

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
)

// DefaultForceMergeEvery is the default number of unmerged adds after which a
// Writer promotes an opportunistic merge to a forced one.
const DefaultForceMergeEvery = 64

// Entry is a pending key/value update at a log offset. A nil Value is a
// removal.
type Entry struct {
	Key    []byte
	Value  []byte
	Offset int64
}

type staged struct {
	entry    Entry
	isUpdate bool
	next     *staged
}

// skipRun is a run of consecutive offsets that produced no update.
type skipRun struct {
	first int64
	count int64
}

func (r skipRun) last() int64 { return r.first + r.count - 1 }

// Queue is the flush queue of a single partition.
type Queue struct {
	mu sync.Mutex

	writers []*Writer
	shared  *Writer // Staging handle used by Queue.Add.

	entries []Entry // Updates ordered by offset.
	skips   []skipRun

	// Offsets merged at or below the clean watermark; reported by the next Clean.
	lateCleaned int64

	size           atomic.Int64
	maxAddOffset   atomic.Int64
	maxCleanOffset atomic.Int64

	forceMergeEvery int
}

// Option configures a Queue.
type Option func(*Queue)

// WithForceMergeEvery sets the number of adds after which a Writer forces a
// merge even if the caller did not ask for one. Values <= 0 disable the policy.
func WithForceMergeEvery(n int) Option {
	return func(q *Queue) {
		q.forceMergeEvery = n
	}
}

// New creates an empty queue with both watermarks at -1.
func New(opts ...Option) *Queue {
	q := &Queue{
		forceMergeEvery: DefaultForceMergeEvery,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.maxAddOffset.Store(-1)
	q.maxCleanOffset.Store(-1)
	q.shared = q.NewWriter()
	return q
}

// NewWriter registers a staging handle. Each goroutine feeding the queue
// should own one.
func (q *Queue) NewWriter() *Writer {
	w := &Writer{q: q}
	q.mu.Lock()
	q.writers = append(q.writers, w)
	q.mu.Unlock()
	return w
}

// Add stages e through the queue's shared handle; see Writer.Add.
func (q *Queue) Add(e Entry, isUpdate, forceMerge bool) {
	q.shared.Add(e, isUpdate, forceMerge)
}

// Size returns the number of retained updates, counting every offset of a key
// updated more than once.
func (q *Queue) Size() int { return int(q.size.Load()) }

// IsEmpty reports whether no entries are retained.
func (q *Queue) IsEmpty() bool { return q.Size() == 0 }

// MaxAddOffset returns the highest merged or cleaned log offset.
func (q *Queue) MaxAddOffset() int64 { return q.maxAddOffset.Load() }

// MaxCleanOffset returns the offset up to which all updates are durable and
// reclaimed.
func (q *Queue) MaxCleanOffset() int64 { return q.maxCleanOffset.Load() }

// Merge forces a merge of all staged entries.
func (q *Queue) Merge() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.mergeLocked()
}

// Collect merges all staged entries and returns, for every key updated at an
// offset <= maxOffset, its latest such update. The queue is not modified.
func (q *Queue) Collect(maxOffset int64) *Batch {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.mergeLocked()

	n := 0
	latest := make(map[string]int)
	for ; n < len(q.entries) && q.entries[n].Offset <= maxOffset; n++ {
		latest[string(q.entries[n].Key)] = n
	}
	b := &Batch{
		index:        make(map[string]int, len(latest)),
		entries:      make([]Entry, 0, len(latest)),
		collectedAll: int64(n),
		maxOffset:    -1,
	}
	if n > 0 {
		b.maxOffset = q.entries[n-1].Offset
	}
	for i, e := range q.entries[:n] {
		if latest[string(e.Key)] == i {
			b.index[string(e.Key)] = len(b.entries)
			b.entries = append(b.entries, e)
		}
	}
	for _, r := range q.skips {
		if r.first > maxOffset {
			break
		}
		b.collectedAll += min(r.count, maxOffset-r.first+1)
	}
	return b
}

// Clean advances the clean watermark to maxOffset and drops every entry at or
// below it. Values not above the current watermark only settle staged entries.
// It returns the number of log offsets reclaimed.
func (q *Queue) Clean(maxOffset int64) int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.mergeLocked()

	cleaned := q.lateCleaned
	q.lateCleaned = 0

	if maxOffset <= q.maxCleanOffset.Load() {
		return cleaned
	}
	q.maxCleanOffset.Store(maxOffset)
	if maxOffset > q.maxAddOffset.Load() {
		q.maxAddOffset.Store(maxOffset)
	}

	i := 0
	for i < len(q.entries) && q.entries[i].Offset <= maxOffset {
		i++
	}
	cleaned += int64(i)
	q.size.Add(-int64(i))
	clear(q.entries[:i])
	q.entries = q.entries[i:]

	j := 0
	for ; j < len(q.skips) && q.skips[j].first <= maxOffset; j++ {
		r := &q.skips[j]
		if r.last() > maxOffset {
			n := maxOffset - r.first + 1
			cleaned += n
			r.first += n
			r.count -= n
			break
		}
		cleaned += r.count
	}
	q.skips = q.skips[j:]
	return cleaned
}

func (q *Queue) String() string {
	return fmt.Sprintf("FlushQueue{size=%d maxAddOffset=%d maxCleanOffset=%d}",
		q.Size(), q.MaxAddOffset(), q.MaxCleanOffset())
}

func (q *Queue) mergeLocked() {
	var pending []*staged
	for _, w := range q.writers {
		head := w.head.Swap(nil)
		start := len(pending)
		for s := head; s != nil; s = s.next {
			pending = append(pending, s)
		}
		// Stacks pop newest first.
		slices.Reverse(pending[start:])
	}
	if len(pending) == 0 {
		return
	}
	if len(q.writers) > 1 {
		slices.SortStableFunc(pending, func(a, b *staged) int {
			return cmpOffset(a.entry.Offset, b.entry.Offset)
		})
	}
	for _, s := range pending {
		q.insertLocked(s.entry, s.isUpdate)
	}
}

func (q *Queue) insertLocked(e Entry, isUpdate bool) {
	if e.Offset > q.maxAddOffset.Load() {
		q.maxAddOffset.Store(e.Offset)
	}
	if e.Offset <= q.maxCleanOffset.Load() {
		q.lateCleaned++
		return
	}
	if !isUpdate {
		q.insertSkipLocked(e.Offset)
		return
	}
	q.size.Add(1)
	if l := len(q.entries); l == 0 || q.entries[l-1].Offset < e.Offset {
		q.entries = append(q.entries, e)
		return
	}
	i, _ := slices.BinarySearchFunc(q.entries, e.Offset, func(x Entry, off int64) int {
		return cmpOffset(x.Offset, off)
	})
	q.entries = slices.Insert(q.entries, i, e)
}

func (q *Queue) insertSkipLocked(offset int64) {
	if l := len(q.skips); l > 0 {
		last := &q.skips[l-1]
		if last.last()+1 == offset {
			last.count++
			return
		}
		if last.last() < offset {
			q.skips = append(q.skips, skipRun{first: offset, count: 1})
			return
		}
	} else {
		q.skips = append(q.skips, skipRun{first: offset, count: 1})
		return
	}
	i, _ := slices.BinarySearchFunc(q.skips, offset, func(r skipRun, off int64) int {
		return cmpOffset(r.first, off)
	})
	q.skips = slices.Insert(q.skips, i, skipRun{first: offset, count: 1})
}

func cmpOffset(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
