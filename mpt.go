package s2mpu

// Prot represents DMA protection bits for a physical range.
type Prot uint8

const (
	ProtNone Prot = 0
	ProtR    Prot = 1 << 0
	ProtW    Prot = 1 << 1
	ProtRW   Prot = ProtR | ProtW

	protMask = uint32(ProtRW)
)

// FMPT is one giga-block entry of the protection table: the exclusively-owned
// SMPT buffer backing it, its default protection and its granularity.
// A giga-block is either resolved by a single aggregate protection value
// (Gran1G) or subdivided into per-page bits held in the SMPT buffer.
type FMPT struct {
	// SMPT is the hypervisor mapping of the donated buffer, SMPTWordsPerGB
	// words long. nil means the giga-block has no owned buffer.
	SMPT []uint32

	// PA is the physical address of the backing buffer; this is what the
	// hardware L2 table address registers are programmed with.
	PA uint64

	Gran1G bool
	Prot   Prot
}

// MPT is the logical protection table for one protected address space,
// independent of its hardware encoding. Exactly one live MPT governs the
// host at any time; it is owned by the Driver.
type MPT struct {
	Blocks [NumGigabytes]FMPT
}

// reset drops every giga-block. Buffers must already have been reclaimed.
func (m *MPT) reset() {
	for gb := range m.Blocks {
		m.Blocks[gb] = FMPT{}
	}
}

// smptIndex locates the word and bit shift for a page inside a giga-block.
func smptIndex(page int) (word int, shift uint) {
	return page / SMPTPagesPerWord, uint(page%SMPTPagesPerWord) * SMPTProtBits
}

func smptSet(words []uint32, page int, prot Prot) {
	w, s := smptIndex(page)
	words[w] = words[w]&^(protMask<<s) | uint32(prot)<<s
}

func smptGet(words []uint32, page int) Prot {
	w, s := smptIndex(page)
	return Prot(words[w] >> s & protMask)
}

// smptFill sets every page of a giga-block to prot.
func smptFill(words []uint32, prot Prot) {
	var pattern uint32
	for i := 0; i < SMPTPagesPerWord; i++ {
		pattern |= uint32(prot) << (uint(i) * SMPTProtBits)
	}
	for i := range words {
		words[i] = pattern
	}
}

// prepareRange stages prot for the inclusive byte range [first, last] without
// any hardware visibility. Giga-blocks fully covered collapse back to a
// single 1G entry; partially covered ones are subdivided, inheriting their
// previous protection outside the range.
func (m *MPT) prepareRange(first, last uint64, prot Prot) {
	for gb := int(first / GigabyteSize); gb <= int(last/GigabyteSize); gb++ {
		f := &m.Blocks[gb]
		gbStart := uint64(gb) * GigabyteSize
		gbLast := gbStart + GigabyteSize - 1

		lo := first
		if lo < gbStart {
			lo = gbStart
		}
		hi := last
		if hi > gbLast {
			hi = gbLast
		}

		if lo == gbStart && hi == gbLast {
			f.Gran1G = true
			f.Prot = prot
			continue
		}

		if f.Gran1G {
			// Subdivide: carry the aggregate protection into the SMPT
			// before punching the new range into it.
			smptFill(f.SMPT, f.Prot)
			f.Gran1G = false
		}
		firstPage := int((lo - gbStart) >> PageShift)
		lastPage := int((hi - gbStart) >> PageShift)
		for p := firstPage; p <= lastPage; p++ {
			smptSet(f.SMPT, p, prot)
		}
	}
}

// ProtAt returns the staged protection for the page containing pa.
func (m *MPT) ProtAt(pa uint64) Prot {
	if pa >= PAMax {
		return ProtNone
	}
	f := &m.Blocks[pa/GigabyteSize]
	if f.Gran1G {
		return f.Prot
	}
	if f.SMPT == nil {
		return ProtNone
	}
	return smptGet(f.SMPT, int(pa%GigabyteSize>>PageShift))
}

// toValidRange clamps [start, end) to the addressable maximum and aligns it
// outward to SMPT granularity. Returns false if the clamped range is empty
// or inverted, in which case callers treat the update as a no-op.
func toValidRange(start, end uint64) (uint64, uint64, bool) {
	if end > PAMax {
		end = PAMax
	}
	start = start &^ (SMPTGran - 1)
	end = (end + SMPTGran - 1) &^ (SMPTGran - 1)
	if start >= end {
		return 0, 0, false
	}
	return start, end, true
}
