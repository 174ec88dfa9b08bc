package util

// Bitmap is a validity mask. A nil word slice means all rows are valid.
type Bitmap struct {
	Bits []uint64
}

func EntryCount(cnt int) int {
	return (cnt + 63) / 64
}

func GetEntryIndex(idx uint64) (uint64, uint64) {
	return idx / 64, idx % 64
}

func (bm *Bitmap) Init(count int) {
	bm.Bits = make([]uint64, EntryCount(count))
	for i := range bm.Bits {
		bm.Bits[i] = ^uint64(0)
	}
}

func (bm *Bitmap) AllValid() bool {
	return len(bm.Bits) == 0
}

func (bm *Bitmap) RowIsValid(idx uint64) bool {
	if bm.AllValid() {
		return true
	}
	eIdx, pos := GetEntryIndex(idx)
	if eIdx >= uint64(len(bm.Bits)) {
		return true
	}
	return bm.Bits[eIdx]&(1<<pos) != 0
}

func (bm *Bitmap) Set(idx uint64, valid bool) {
	if valid {
		bm.SetValid(idx)
	} else {
		bm.SetInvalid(idx)
	}
}

func (bm *Bitmap) SetValid(idx uint64) {
	if bm.AllValid() {
		return
	}
	eIdx, pos := GetEntryIndex(idx)
	if eIdx >= uint64(len(bm.Bits)) {
		return
	}
	bm.Bits[eIdx] |= 1 << pos
}

func (bm *Bitmap) SetInvalid(idx uint64) {
	eIdx, pos := GetEntryIndex(idx)
	if bm.AllValid() {
		bm.Init(max(DefaultVectorSize, int(idx)+1))
	}
	bm.Resize(int(idx) + 1)
	bm.Bits[eIdx] &= ^(1 << pos)
}

// Resize grows the mask so that it covers cnt rows. New rows are valid.
func (bm *Bitmap) Resize(cnt int) {
	if bm.AllValid() {
		return
	}
	need := EntryCount(cnt)
	for len(bm.Bits) < need {
		bm.Bits = append(bm.Bits, ^uint64(0))
	}
}

func (bm *Bitmap) Reset() {
	bm.Bits = nil
}

func (bm *Bitmap) CopyFrom(other *Bitmap) {
	if other.AllValid() {
		bm.Bits = nil
		return
	}
	bm.Bits = make([]uint64, len(other.Bits))
	copy(bm.Bits, other.Bits)
}
