package flushqueue

import "sync/atomic"

// Writer is a staging handle owned by one goroutine. Staging never blocks;
// only the merge that may follow takes the queue lock.
type Writer struct {
	q    *Queue
	head atomic.Pointer[staged]
	adds atomic.Int64
}

// Add records a pending update. Entries with isUpdate unset only advance the
// offset bookkeeping. With forceMerge the call blocks until every staged
// entry of every writer is merged, otherwise the merge happens only if the
// queue lock is free. Once ForceMergeEvery adds went by without this writer
// merging, the next merge is forced regardless.
func (w *Writer) Add(e Entry, isUpdate, forceMerge bool) {
	s := &staged{entry: e, isUpdate: isUpdate}
	for {
		old := w.head.Load()
		s.next = old
		if w.head.CompareAndSwap(old, s) {
			break
		}
	}

	if every := w.q.forceMergeEvery; every > 0 && !forceMerge {
		if w.adds.Add(1) >= int64(every) {
			forceMerge = true
		}
	}
	if forceMerge {
		w.adds.Store(0)
		w.q.Merge()
		return
	}
	if w.q.mu.TryLock() {
		w.adds.Store(0)
		w.q.mergeLocked()
		w.q.mu.Unlock()
	}
}

// Merge forces a merge without adding an entry.
func (w *Writer) Merge() {
	w.adds.Store(0)
	w.q.Merge()
}
