package storage

import (
	"sync"
)

// IndexEntry is one key and the location of its latest Set record.
type IndexEntry struct {
	Key      string
	Location Location
}

type indexNode struct {
	entry   IndexEntry
	forward []*indexNode
}

// Index maps each live key to the location of its latest Set record. It is a
// skip list, so Snapshot yields keys in order, which keeps compaction output
// deterministic.
type Index struct {
	head      *indexNode
	level     int
	count     int
	liveBytes int64
	mu        sync.RWMutex
	rng       uint64 // XorShift64 state for level generation
}

const maxIndexLevel = 16

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{
		head: &indexNode{
			forward: make([]*indexNode, maxIndexLevel),
		},
		rng: uint64(1),
	}
}

// nextRand steps the index's xorshift state.
func (idx *Index) nextRand() uint64 {
	idx.rng ^= idx.rng << 13
	idx.rng ^= idx.rng >> 7
	idx.rng ^= idx.rng << 17
	return idx.rng
}

// randomLevel draws a level from a geometric distribution with p = 1/4, taking
// two bits of state per coin flip.
func (idx *Index) randomLevel() int {
	level := 0
	r, bits := idx.nextRand(), 64
	for level < maxIndexLevel-1 && r&3 == 0 {
		level++
		r >>= 2
		if bits -= 2; bits == 0 {
			r, bits = idx.nextRand(), 64
		}
	}
	return level
}

// findPredecessors fills update with the rightmost node before key at every level
// and returns the node at key, if present. Caller holds mu.
func (idx *Index) findPredecessors(key string, update []*indexNode) *indexNode {
	current := idx.head
	for i := idx.level; i >= 0; i-- {
		for current.forward[i] != nil && current.forward[i].entry.Key < key {
			current = current.forward[i]
		}
		if update != nil {
			update[i] = current
		}
	}

	next := current.forward[0]
	if next != nil && next.entry.Key == key {
		return next
	}
	return nil
}

// Set points key at loc. It returns the previous location, if any.
func (idx *Index) Set(key string, loc Location) (Location, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	update := make([]*indexNode, maxIndexLevel)
	if node := idx.findPredecessors(key, update); node != nil {
		prev := node.entry.Location
		node.entry.Location = loc
		idx.liveBytes += loc.Length - prev.Length
		return prev, true
	}

	level := idx.randomLevel()
	if level > idx.level {
		for i := idx.level + 1; i <= level; i++ {
			update[i] = idx.head
		}
		idx.level = level
	}

	node := &indexNode{
		entry:   IndexEntry{Key: key, Location: loc},
		forward: make([]*indexNode, level+1),
	}
	for i := 0; i <= level; i++ {
		node.forward[i] = update[i].forward[i]
		update[i].forward[i] = node
	}

	idx.count++
	idx.liveBytes += loc.Length
	return Location{}, false
}

// Get returns the location of key's latest Set record.
func (idx *Index) Get(key string) (Location, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if node := idx.findPredecessors(key, nil); node != nil {
		return node.entry.Location, true
	}
	return Location{}, false
}

// Delete drops key and returns the location it pointed at.
func (idx *Index) Delete(key string) (Location, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	update := make([]*indexNode, maxIndexLevel)
	node := idx.findPredecessors(key, update)
	if node == nil {
		return Location{}, false
	}

	for i := 0; i <= idx.level; i++ {
		if update[i].forward[i] != node {
			break
		}
		update[i].forward[i] = node.forward[i]
	}
	for idx.level > 0 && idx.head.forward[idx.level] == nil {
		idx.level--
	}

	idx.count--
	idx.liveBytes -= node.entry.Location.Length
	return node.entry.Location, true
}

// Len returns the number of live keys.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.count
}

// LiveBytes returns the total length of the records the index points at.
func (idx *Index) LiveBytes() int64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.liveBytes
}

// Snapshot returns every entry in key order.
func (idx *Index) Snapshot() []IndexEntry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	entries := make([]IndexEntry, 0, idx.count)
	for node := idx.head.forward[0]; node != nil; node = node.forward[0] {
		entries = append(entries, node.entry)
	}
	return entries
}

// BuildIndex replays every segment of the archive in order and returns the
// resulting index. A torn record at the end of the writable segment is cut off
// so later appends follow the last complete record. A torn record at the end of
// a sealed segment is left in place and only logged.
func BuildIndex(a *Archive) (*Index, error) {
	idx := NewIndex()
	for _, seg := range a.Segments() {
		if err := replaySegment(a, seg, idx); err != nil {
			return nil, err
		}
	}
	return idx, nil
}

func replaySegment(a *Archive, seg *Segment, idx *Index) error {
	it, err := seg.NewIterator()
	if err != nil {
		return err
	}
	defer it.Close()

	var records int
	for it.Next() {
		e := it.Entry()
		switch cmd := e.Command.(type) {
		case SetCommand:
			idx.Set(cmd.Key, e.Location)
		case RemoveCommand:
			idx.Delete(cmd.Key)
		}
		records++
	}
	if err := it.Err(); err != nil {
		return err
	}

	if it.Torn() {
		dropped := seg.Size() - it.Offset()
		if seg == a.Active() {
			a.logger.Warn().Uint64("segment_id", seg.ID()).Int64("offset", it.Offset()).Int64("dropped_bytes", dropped).Msg("truncating torn record")
			if err := seg.truncate(it.Offset()); err != nil {
				return err
			}
		} else {
			a.logger.Warn().Uint64("segment_id", seg.ID()).Int64("offset", it.Offset()).Int64("dropped_bytes", dropped).Msg("ignoring torn record in sealed segment")
		}
	}

	a.logger.Debug().Uint64("segment_id", seg.ID()).Int("records", records).Msg("replayed segment")
	return nil
}
