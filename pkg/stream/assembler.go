package stream

// assembler reassembles a single chunked frame. Chunks may arrive in
// any order and at most one missing chunk per parity group can be
// recovered.
type assembler struct {
	index       uint32
	count       int
	totalLength int
	chunkSize   int
	groupSize   int

	chunks    [][]byte
	parities  map[int][]byte
	have      int
	recovered int
}

func newAssembler(index uint32, count, totalLength, chunkSize, groupSize int) *assembler {
	return &assembler{
		index:       index,
		count:       count,
		totalLength: totalLength,
		chunkSize:   chunkSize,
		groupSize:   groupSize,
		chunks:      make([][]byte, count),
		parities:    make(map[int][]byte),
	}
}

// addChunk stores one chunk and reports whether it was new.
func (a *assembler) addChunk(chunk int, data []byte) bool {
	if chunk < 0 || chunk >= a.count || a.chunks[chunk] != nil {
		return false
	}
	a.chunks[chunk] = data
	a.have++
	return true
}

// addParity stores a group parity block and reports whether it was new.
func (a *assembler) addParity(group int, data []byte) bool {
	if _, exists := a.parities[group]; exists {
		return false
	}
	a.parities[group] = data
	return true
}

// chunkLength returns the expected length of chunk i. Every chunk is
// chunkSize except the last which holds the remainder.
func (a *assembler) chunkLength(i int) int {
	if i == a.count-1 {
		return a.totalLength - (a.count-1)*a.chunkSize
	}
	return a.chunkSize
}

// complete tries to reassemble the frame, recovering missing chunks
// first. Returns the stored frame bytes once every chunk is accounted
// for. Safe to call repeatedly as chunks trickle in.
func (a *assembler) complete() ([]byte, bool) {
	if a.have < a.count {
		a.recover()
	}
	if a.have < a.count {
		return nil, false
	}

	out := make([]byte, 0, a.totalLength)
	for _, chunk := range a.chunks {
		out = append(out, chunk...)
	}
	if len(out) != a.totalLength {
		return nil, false
	}
	return out, true
}

func (a *assembler) recover() {
	if a.groupSize < MinFECGroupSize {
		return
	}

	for group, parity := range a.parities {
		start := group * a.groupSize
		end := start + a.groupSize
		if end > a.count {
			end = a.count
		}
		if start < 0 || start >= end {
			continue
		}

		missing := -1
		lost := 0
		var present [][]byte
		for i := start; i < end; i++ {
			if a.chunks[i] == nil {
				missing = i
				lost++
			} else {
				present = append(present, a.chunks[i])
			}
		}
		if lost != 1 {
			continue
		}

		want := a.chunkLength(missing)
		if want <= 0 || want > len(parity) {
			continue
		}

		a.chunks[missing] = recoverChunk(present, parity, want)
		a.have++
		a.recovered++
	}
}

// audioAssembler reassembles the session audio track.
type audioAssembler struct {
	count       int
	totalLength int
	chunks      [][]byte
	have        int
	done        bool
}

func newAudioAssembler(count, totalLength int) *audioAssembler {
	return &audioAssembler{
		count:       count,
		totalLength: totalLength,
		chunks:      make([][]byte, count),
	}
}

// add stores one audio chunk. Returns the full track once the final
// chunk arrives.
func (a *audioAssembler) add(chunk int, data []byte) ([]byte, bool) {
	if a.done || chunk < 0 || chunk >= a.count || a.chunks[chunk] != nil {
		return nil, false
	}
	a.chunks[chunk] = data
	a.have++

	if a.have < a.count {
		return nil, false
	}
	a.done = true

	out := make([]byte, 0, a.totalLength)
	for _, c := range a.chunks {
		out = append(out, c...)
	}
	if len(out) != a.totalLength {
		return nil, false
	}
	return out, true
}
