package store

import "context"

// Filter narrows a scan to records whose view satisfies it. Filters never
// see tombstoned or otherwise-invisible versions.
type Filter func(*RecordView) bool

// ScanIterator is a lazy, finite, restartable sequence over the records of
// one class visible at a transaction's read version (spec §4.1).
// "Restartable" means Reset() replays the same id snapshot from the
// beginning; it does not pick up records created after the scan began.
type ScanIterator struct {
	cc     *classContainer
	view   TxnView
	filter Filter
	ids    []uint64
	pos    int
}

// Scan returns a restartable iterator over class, applying filter (nil
// means no filter) to each visible record.
func (s *Store) Scan(view TxnView, class string, filter Filter) (*ScanIterator, error) {
	cc := s.container(class)
	if cc == nil {
		return nil, errUnknownClass(class)
	}
	cc.mu.RLock()
	ids := append([]uint64(nil), cc.order...)
	cc.mu.RUnlock()
	return &ScanIterator{cc: cc, view: view, filter: filter, ids: ids}, nil
}

// Reset rewinds the iterator to its starting snapshot.
func (it *ScanIterator) Reset() { it.pos = 0 }

// Next advances the iterator and returns the next visible record, or
// (nil, false, nil) at end of sequence. It checks ctx between ids so long
// scans cooperate with cancellation (spec §5).
func (it *ScanIterator) Next(ctx context.Context) (*RecordView, bool, error) {
	for it.pos < len(it.ids) {
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		default:
		}
		id := it.ids[it.pos]
		it.pos++

		it.cc.mu.RLock()
		head := it.cc.chains[id]
		it.cc.mu.RUnlock()
		if head == nil {
			continue
		}
		v := visible(head, it.view)
		if v == nil || v.tombstone {
			continue
		}
		view := v.toView(it.cc.desc.Name, id)
		if it.filter != nil && !it.filter(view) {
			continue
		}
		return view, true, nil
	}
	return nil, false, nil
}
