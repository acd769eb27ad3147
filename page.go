package heapstore

import (
	"encoding/binary"
	"sort"
)

// slotEntry is one directory entry: a stable logical id paired with the
// offset and length of the record it describes. slotEntry.id is never the
// directory's index — ids survive reordering and compaction of the
// directory itself.
type slotEntry struct {
	id     SlotId
	offset uint16
	length uint16
}

// Page is a fixed PageSize-byte block holding a small header, a slot
// directory, and variable-length records. Records are packed into the data
// region from the end of the block downward; the directory grows from the
// front. A Page is not safe for concurrent use — callers serialize access
// to it the same way the Buffer Pool serializes access to a frame.
type Page struct {
	id    PageId
	slots []slotEntry
	data  [PageSize]byte
}

// NewPage returns an empty page with the given id and full free space.
func NewPage(id PageId) *Page {
	return &Page{id: id}
}

// ID returns the page's identifier.
func (p *Page) ID() PageId {
	return p.id
}

// HeaderSize returns the number of bytes reserved for the fixed header and
// slot directory: 8 + 6*live_slots. The serialized header written by Bytes
// takes 4 + 6*live_slots, so it always fits inside this reservation.
func (p *Page) HeaderSize() int {
	return FixedHeaderFloor + PerSlotHeaderFloor*len(p.slots)
}

type freeGap struct {
	start, end int
}

// freeGaps returns the maximal free byte ranges in the data region, given
// a floor below which nothing may be placed (the header boundary). Gaps
// are computed fresh from the live slot set on every call: the header
// floor shifts as slots are added and removed, so nothing here may be
// cached across calls.
func (p *Page) freeGaps(headerFloor int) []freeGap {
	occupied := make([]freeGap, len(p.slots))
	for i, s := range p.slots {
		occupied[i] = freeGap{int(s.offset), int(s.offset) + int(s.length)}
	}
	sort.Slice(occupied, func(i, j int) bool { return occupied[i].start < occupied[j].start })

	var gaps []freeGap
	cursor := headerFloor
	for _, iv := range occupied {
		if iv.start > cursor {
			gaps = append(gaps, freeGap{cursor, iv.start})
		}
		if iv.end > cursor {
			cursor = iv.end
		}
	}
	if cursor < PageSize {
		gaps = append(gaps, freeGap{cursor, PageSize})
	}
	return gaps
}

// LargestFreeContiguous returns the size, in bytes, of the largest single
// free byte range currently available in the data region.
func (p *Page) LargestFreeContiguous() int {
	best := 0
	for _, g := range p.freeGaps(p.HeaderSize()) {
		if size := g.end - g.start; size > best {
			best = size
		}
	}
	return best
}

func (p *Page) nextSlotID() SlotId {
	used := make(map[SlotId]struct{}, len(p.slots))
	for _, s := range p.slots {
		used[s.id] = struct{}{}
	}
	var id SlotId
	for {
		if _, taken := used[id]; !taken {
			return id
		}
		id++
	}
}

// AddValue places bytes into the data region and returns the assigned
// slot id. It returns false if the page cannot accommodate the bytes plus
// the directory entry the insert would require.
//
// The new slot id is the smallest non-negative id not currently in use.
// Among all byte ranges the record could occupy without overlapping a
// live record or the (possibly just-grown) header, the one yielding the
// highest possible start offset is chosen, so the data region fills from
// the back and any holes left by deletes accumulate toward the front.
func (p *Page) AddValue(bytes []byte) (SlotId, bool) {
	newHeaderFloor := FixedHeaderFloor + PerSlotHeaderFloor*(len(p.slots)+1)

	best := -1
	for _, g := range p.freeGaps(newHeaderFloor) {
		if g.end-g.start < len(bytes) {
			continue
		}
		if offset := g.end - len(bytes); offset > best {
			best = offset
		}
	}
	if best < 0 {
		return 0, false
	}

	id := p.nextSlotID()
	copy(p.data[best:best+len(bytes)], bytes)
	p.slots = append(p.slots, slotEntry{id: id, offset: uint16(best), length: uint16(len(bytes))})
	return id, true
}

// GetValue returns a copy of the bytes stored at slot id, or false if the
// slot is not currently live.
func (p *Page) GetValue(id SlotId) ([]byte, bool) {
	for _, s := range p.slots {
		if s.id == id {
			out := make([]byte, s.length)
			copy(out, p.data[s.offset:int(s.offset)+int(s.length)])
			return out, true
		}
	}
	return nil, false
}

// DeleteValue removes the slot's directory entry, returning false if the
// slot was not live. The freed bytes are zeroed; the space becomes
// available to a later AddValue, but surviving slot ids never change.
func (p *Page) DeleteValue(id SlotId) bool {
	for i, s := range p.slots {
		if s.id == id {
			for j := s.offset; j < s.offset+s.length; j++ {
				p.data[j] = 0
			}
			p.slots = append(p.slots[:i:i], p.slots[i+1:]...)
			return true
		}
	}
	return false
}

// Bytes serializes the page to its canonical on-disk form: a little-endian
// page id, live slot count, slot directory, and the data region, packed
// into exactly PageSize bytes.
func (p *Page) Bytes() [PageSize]byte {
	var out [PageSize]byte
	copy(out[:], p.data[:])

	binary.LittleEndian.PutUint16(out[0:2], uint16(p.id))
	binary.LittleEndian.PutUint16(out[2:4], uint16(len(p.slots)))

	idx := 4
	for _, s := range p.slots {
		binary.LittleEndian.PutUint16(out[idx:idx+2], uint16(s.id))
		binary.LittleEndian.PutUint16(out[idx+2:idx+4], s.offset)
		binary.LittleEndian.PutUint16(out[idx+4:idx+6], s.length)
		idx += PerSlotHeaderFloor
	}
	return out
}

// PageFromBytes deserializes the canonical on-disk form produced by Bytes.
// Behavior is unspecified on malformed input; callers must only feed it
// the output of Bytes.
func PageFromBytes(raw *[PageSize]byte) *Page {
	id := PageId(binary.LittleEndian.Uint16(raw[0:2]))
	n := int(binary.LittleEndian.Uint16(raw[2:4]))

	slots := make([]slotEntry, 0, n)
	idx := 4
	for i := 0; i < n; i++ {
		sid := SlotId(binary.LittleEndian.Uint16(raw[idx : idx+2]))
		offset := binary.LittleEndian.Uint16(raw[idx+2 : idx+4])
		length := binary.LittleEndian.Uint16(raw[idx+4 : idx+6])
		slots = append(slots, slotEntry{id: sid, offset: offset, length: length})
		idx += PerSlotHeaderFloor
	}

	p := &Page{id: id, slots: slots}
	copy(p.data[:], raw[:])
	return p
}

// Iter returns a function yielding a copy of each live record's bytes, in
// ascending slot id order. The returned function yields (nil, false) once
// every live slot has been visited.
func (p *Page) Iter() func() ([]byte, bool) {
	ordered := make([]slotEntry, len(p.slots))
	copy(ordered, p.slots)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].id < ordered[j].id })

	i := 0
	return func() ([]byte, bool) {
		if i >= len(ordered) {
			return nil, false
		}
		s := ordered[i]
		i++
		out := make([]byte, s.length)
		copy(out, p.data[s.offset:int(s.offset)+int(s.length)])
		return out, true
	}
}
