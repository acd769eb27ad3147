package heapstore

import "sort"

// Iterator walks every live record in a container, in ascending page id
// then ascending slot id order. The set of pages it visits is fixed at
// construction time (a snapshot of the page count); it is not isolated
// against concurrent inserts, updates, or deletes happening on pages it
// has not yet reached, or against in-place changes to a page it is
// currently positioned on.
type Iterator struct {
	sm        *StorageManager
	container ContainerId
	numPages  PageId

	pid     PageId
	pageIt  func() ([]byte, SlotId, bool)
	slot    SlotId
	started bool
}

func newIterator(sm *StorageManager, container ContainerId, numPages PageId) *Iterator {
	return &Iterator{sm: sm, container: container, numPages: numPages}
}

// Next returns the next live record's bytes and its ValueId. It returns
// ok == false once every page in the snapshot has been exhausted.
func (it *Iterator) Next(tid TransactionId) (value []byte, id ValueId, ok bool, err error) {
	for {
		if it.pageIt == nil {
			if it.pid >= it.numPages {
				return nil, ValueId{}, false, nil
			}
			page, ferr := it.sm.GetPage(it.container, it.pid, tid, ReadOnly)
			if ferr != nil {
				return nil, ValueId{}, false, ferr
			}
			it.pageIt = valueIterWithSlots(page)
			it.sm.pool.Unpin(it.container, it.pid, false)
		}

		v, slot, more := it.pageIt()
		if !more {
			it.pageIt = nil
			it.pid++
			continue
		}
		return v, ValueId{Container: it.container, Page: it.pid, Slot: slot}, true, nil
	}
}

// valueIterWithSlots adapts Page.Iter to also yield the slot id each value
// came from, since Iterator needs it to build a ValueId.
func valueIterWithSlots(p *Page) func() ([]byte, SlotId, bool) {
	ordered := make([]slotEntry, len(p.slots))
	copy(ordered, p.slots)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].id < ordered[j].id })

	i := 0
	return func() ([]byte, SlotId, bool) {
		if i >= len(ordered) {
			return nil, 0, false
		}
		s := ordered[i]
		i++
		out := make([]byte, s.length)
		copy(out, p.data[s.offset:int(s.offset)+int(s.length)])
		return out, s.id, true
	}
}
