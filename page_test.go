package heapstore

import (
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/require"
)

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	out := make([]byte, n)
	for i := range out {
		out[i] = gofakeit.Uint8()
	}
	return out
}

func TestPageCreateIsEmpty(t *testing.T) {
	p := NewPage(0)
	require.Equal(t, PageId(0), p.ID())
	require.Equal(t, FixedHeaderFloor, p.HeaderSize())
	require.Equal(t, PageSize-FixedHeaderFloor, p.LargestFreeContiguous())
}

func TestPageSimpleInsert(t *testing.T) {
	p := NewPage(0)
	val := randomBytes(t, 33)
	slot, ok := p.AddValue(val)
	require.True(t, ok)
	require.Equal(t, SlotId(0), slot)

	got, ok := p.GetValue(slot)
	require.True(t, ok)
	require.Equal(t, val, got)
}

func TestPageSpaceAccounting(t *testing.T) {
	p := NewPage(0)
	for i := 0; i < 4; i++ {
		_, ok := p.AddValue(randomBytes(t, 10))
		require.True(t, ok)
	}
	require.Equal(t, FixedHeaderFloor+4*PerSlotHeaderFloor, p.HeaderSize())
	require.GreaterOrEqual(t, p.LargestFreeContiguous(), PageSize-32-40)
}

func TestPageGetValueMissing(t *testing.T) {
	p := NewPage(0)
	_, ok := p.GetValue(7)
	require.False(t, ok)
}

func TestPageNoSpaceForOversizedValue(t *testing.T) {
	p := NewPage(0)
	_, ok := p.AddValue(randomBytes(t, PageSize))
	require.False(t, ok)
}

func TestPageSimpleDelete(t *testing.T) {
	p := NewPage(0)
	slot, ok := p.AddValue(randomBytes(t, 20))
	require.True(t, ok)

	require.True(t, p.DeleteValue(slot))
	_, ok = p.GetValue(slot)
	require.False(t, ok)
	require.False(t, p.DeleteValue(slot))
}

func TestPageDeleteOfSecondSlotLeavesFirstUntouched(t *testing.T) {
	p := NewPage(0)
	valA := randomBytes(t, 20)
	valB := randomBytes(t, 20)
	slotA, ok := p.AddValue(valA)
	require.True(t, ok)
	slotB, ok := p.AddValue(valB)
	require.True(t, ok)

	require.True(t, p.DeleteValue(slotB))

	gotA, ok := p.GetValue(slotA)
	require.True(t, ok)
	require.Equal(t, valA, gotA)
}

func TestPageDeleteThenInsertReusesSmallestSlotID(t *testing.T) {
	p := NewPage(0)
	s0, _ := p.AddValue(randomBytes(t, 10))
	s1, _ := p.AddValue(randomBytes(t, 10))
	require.True(t, p.DeleteValue(s0))

	s2, ok := p.AddValue(randomBytes(t, 10))
	require.True(t, ok)
	require.Equal(t, s0, s2)
	require.NotEqual(t, s1, s2)
}

func TestPageAllocatesFromTheBack(t *testing.T) {
	p := NewPage(0)
	_, ok := p.AddValue(randomBytes(t, 100))
	require.True(t, ok)
	require.Equal(t, PageSize-100-FixedHeaderFloor-PerSlotHeaderFloor, p.LargestFreeContiguous())
}

func TestPageByteRoundTrip(t *testing.T) {
	p := NewPage(5)
	v1 := randomBytes(t, 12)
	v2 := randomBytes(t, 48)
	s1, _ := p.AddValue(v1)
	s2, _ := p.AddValue(v2)

	raw := p.Bytes()
	restored := PageFromBytes(&raw)

	require.Equal(t, p.ID(), restored.ID())
	got1, ok := restored.GetValue(s1)
	require.True(t, ok)
	require.Equal(t, v1, got1)
	got2, ok := restored.GetValue(s2)
	require.True(t, ok)
	require.Equal(t, v2, got2)
}

func TestPageIterAscendingSlotOrder(t *testing.T) {
	p := NewPage(0)
	var values [][]byte
	for i := 0; i < 5; i++ {
		v := randomBytes(t, gofakeit.Number(1, 50))
		values = append(values, v)
		_, ok := p.AddValue(v)
		require.True(t, ok)
	}

	it := p.Iter()
	i := 0
	for {
		v, ok := it()
		if !ok {
			break
		}
		require.Equal(t, values[i], v)
		i++
	}
	require.Equal(t, len(values), i)
}

func TestPageIterSkipsDeleted(t *testing.T) {
	p := NewPage(0)
	s0, _ := p.AddValue(randomBytes(t, 10))
	_, _ = p.AddValue(randomBytes(t, 10))
	require.True(t, p.DeleteValue(s0))

	it := p.Iter()
	count := 0
	for {
		_, ok := it()
		if !ok {
			break
		}
		count++
	}
	require.Equal(t, 1, count)
}
