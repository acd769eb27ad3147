package heapstore

import (
	"testing"

	"github.com/d4l3k/messagediff"
	"github.com/stretchr/testify/require"
)

func TestStorageManagerInsertAndGetValue(t *testing.T) {
	sm, err := NewTest()
	require.NoError(t, err)
	require.NoError(t, sm.CreateContainer(1))

	tid := NewTransactionId()
	val := randomBytes(t, 30)
	id, err := sm.InsertValue(1, val, tid)
	require.NoError(t, err)

	got, err := sm.GetValue(id, tid, ReadOnly)
	require.NoError(t, err)
	if diff, equal := messagediff.PrettyDiff(val, got); !equal {
		t.Fatalf("round-tripped value differs: %s", diff)
	}
}

func TestStorageManagerGetValueMissingContainer(t *testing.T) {
	sm, err := NewTest()
	require.NoError(t, err)

	_, err = sm.GetValue(ValueId{Container: 99}, NewTransactionId(), ReadOnly)
	require.Error(t, err)
	var serr *StorageError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, KindNotFound, serr.Kind)
}

func TestStorageManagerMultipleInsertsFirstFit(t *testing.T) {
	sm, err := NewTest()
	require.NoError(t, err)
	require.NoError(t, sm.CreateContainer(1))

	tid := NewTransactionId()
	var ids []ValueId
	for i := 0; i < 50; i++ {
		id, err := sm.InsertValue(1, randomBytes(t, 50), tid)
		require.NoError(t, err)
		// 50 records of 50 bytes fit on one page, so first fit keeps every
		// one of them on page 0.
		require.Equal(t, PageId(0), id.Page)
		ids = append(ids, id)
	}
	for _, id := range ids {
		_, err := sm.GetValue(id, tid, ReadOnly)
		require.NoError(t, err)
	}
}

func TestStorageManagerDeleteValueIsIdempotent(t *testing.T) {
	sm, err := NewTest()
	require.NoError(t, err)
	require.NoError(t, sm.CreateContainer(1))

	tid := NewTransactionId()
	id, err := sm.InsertValue(1, randomBytes(t, 10), tid)
	require.NoError(t, err)

	require.NoError(t, sm.DeleteValue(id, tid))
	require.NoError(t, sm.DeleteValue(id, tid))

	_, err = sm.GetValue(id, tid, ReadOnly)
	require.Error(t, err)
}

func TestStorageManagerUpdateValue(t *testing.T) {
	sm, err := NewTest()
	require.NoError(t, err)
	require.NoError(t, sm.CreateContainer(1))

	tid := NewTransactionId()
	id, err := sm.InsertValue(1, randomBytes(t, 10), tid)
	require.NoError(t, err)

	newVal := randomBytes(t, 100)
	newID, err := sm.UpdateValue(newVal, id, tid)
	require.NoError(t, err)

	got, err := sm.GetValue(newID, tid, ReadOnly)
	require.NoError(t, err)
	require.Equal(t, newVal, got)
}

func TestStorageManagerIterateAllRecords(t *testing.T) {
	sm, err := NewTest()
	require.NoError(t, err)
	require.NoError(t, sm.CreateContainer(1))

	tid := NewTransactionId()
	inserted := make(map[ValueId][]byte)
	for i := 0; i < 30; i++ {
		v := randomBytes(t, 20)
		id, err := sm.InsertValue(1, v, tid)
		require.NoError(t, err)
		inserted[id] = v
	}

	it, err := sm.GetIterator(1, tid, ReadOnly)
	require.NoError(t, err)

	seen := make(map[ValueId][]byte)
	for {
		v, id, ok, err := it.Next(tid)
		require.NoError(t, err)
		if !ok {
			break
		}
		seen[id] = v
	}
	require.Equal(t, len(inserted), len(seen))
	for id, v := range inserted {
		require.Equal(t, v, seen[id])
	}
}

func TestStorageManagerIterateSkipsDeleted(t *testing.T) {
	sm, err := NewTest()
	require.NoError(t, err)
	require.NoError(t, sm.CreateContainer(1))

	tid := NewTransactionId()
	id1, err := sm.InsertValue(1, randomBytes(t, 10), tid)
	require.NoError(t, err)
	_, err = sm.InsertValue(1, randomBytes(t, 10), tid)
	require.NoError(t, err)
	require.NoError(t, sm.DeleteValue(id1, tid))

	it, err := sm.GetIterator(1, tid, ReadOnly)
	require.NoError(t, err)
	count := 0
	for {
		_, _, ok, err := it.Next(tid)
		require.NoError(t, err)
		if !ok {
			break
		}
		count++
	}
	require.Equal(t, 1, count)
}

func TestStorageManagerShutdownAndRestartRecoversContainers(t *testing.T) {
	dir := t.TempDir()
	sm, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, sm.CreateContainer(1))

	tid := NewTransactionId()
	id, err := sm.InsertValue(1, randomBytes(t, 25), tid)
	require.NoError(t, err)
	require.NoError(t, sm.Shutdown())

	restarted, err := New(dir)
	require.NoError(t, err)
	got, err := restarted.GetValue(id, tid, ReadOnly)
	require.NoError(t, err)
	require.Len(t, got, 25)
}

func TestStorageManagerResetRemovesEveryContainer(t *testing.T) {
	sm, err := NewTest()
	require.NoError(t, err)
	require.NoError(t, sm.CreateContainer(1))
	require.NoError(t, sm.CreateContainer(2))

	require.NoError(t, sm.Reset())

	_, err = sm.GetValue(ValueId{Container: 1}, NewTransactionId(), ReadOnly)
	require.Error(t, err)
	_, err = sm.GetValue(ValueId{Container: 2}, NewTransactionId(), ReadOnly)
	require.Error(t, err)
}
