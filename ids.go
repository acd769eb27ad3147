package heapstore

import "sync/atomic"

// PageSize is the fixed size, in bytes, of every page in every HeapFile.
// Varying it between a writer and a reader of the same files is undefined.
const PageSize = 4096

// PageSlots is the number of page frames the Buffer Pool caches across all
// containers.
const PageSlots = 50

// FixedHeaderFloor is the maximum size, in bytes, of a page's fixed header.
const FixedHeaderFloor = 8

// PerSlotHeaderFloor is the maximum size, in bytes, of one slot directory
// entry.
const PerSlotHeaderFloor = 6

// ContainerId names a HeapFile within a Storage Manager.
type ContainerId uint16

// PageId is the 0-based position of a page within a HeapFile.
type PageId uint16

// SlotId is the stable logical identifier of a record within a page.
type SlotId uint16

// ValueId locates a single record: the container, page, and slot it lives
// in.
type ValueId struct {
	Container ContainerId
	Page      PageId
	Slot      SlotId
}

// Permissions requests read or read-write access when fetching a page.
type Permissions int

const (
	ReadOnly Permissions = iota
	ReadWrite
)

// TransactionId is an opaque identifier threaded through every operation.
// It has no semantic effect in this core: no isolation, no locking, no
// undo/redo are implemented here.
type TransactionId uint64

var txnCounter uint64

// NewTransactionId returns the next value from a process-wide monotone
// counter. Initialization is lazy; teardown is a no-op, since ids are
// values, not resources.
func NewTransactionId() TransactionId {
	return TransactionId(atomic.AddUint64(&txnCounter, 1) - 1)
}
