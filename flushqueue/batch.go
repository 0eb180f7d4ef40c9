package flushqueue

// Batch is an immutable view of the updates collected from a Queue, holding
// the latest update of each key.
type Batch struct {
	entries      []Entry // Ordered by offset.
	index        map[string]int
	collectedAll int64
	maxOffset    int64
}

// Size returns the number of distinct keys in the batch.
func (b *Batch) Size() int { return len(b.entries) }

// IsEmpty reports whether the batch holds no updates.
func (b *Batch) IsEmpty() bool { return len(b.entries) == 0 }

// Keys returns the batch keys in offset order.
func (b *Batch) Keys() [][]byte {
	keys := make([][]byte, len(b.entries))
	for i, e := range b.entries {
		keys[i] = e.Key
	}
	return keys
}

// Entries returns the batch entries in offset order. The slice must not be
// modified.
func (b *Batch) Entries() []Entry { return b.entries }

// Get returns the latest update for key.
func (b *Batch) Get(key []byte) (Entry, bool) {
	i, ok := b.index[string(key)]
	if !ok {
		return Entry{}, false
	}
	return b.entries[i], true
}

// MaxOffset returns the highest offset in the batch, or -1 if it is empty.
func (b *Batch) MaxOffset() int64 { return b.maxOffset }

// CollectedAll returns the number of log offsets the batch range absorbed,
// including coalesced updates and offsets that changed nothing.
func (b *Batch) CollectedAll() int64 { return b.collectedAll }
