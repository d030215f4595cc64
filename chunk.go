package picprog

// chunk is a run of consecutive words sent or read in one command.
type chunk struct {
	Address uint16
	Words   []uint16
}

// rowChunks groups the words of mem into rows of rowSize words aligned to the
// row size. Only rows holding at least one word are returned; the gaps in a
// row are filled with ErasedWord.
func rowChunks(mem *Memory, rowSize uint32) []chunk {
	var chunks []chunk
	for addr, word := range mem.All() {
		base := uint16(uint32(addr) - uint32(addr)%rowSize)
		if len(chunks) == 0 || chunks[len(chunks)-1].Address != base {
			words := make([]uint16, rowSize)
			for i := range words {
				words[i] = ErasedWord
			}
			chunks = append(chunks, chunk{Address: base, Words: words})
		}
		chunks[len(chunks)-1].Words[uint32(addr)-uint32(base)] = word
	}
	return chunks
}

// runChunks splits the words of mem into runs of consecutive addresses, each
// at most maxLen words. Absent words are never included.
func runChunks(mem *Memory, maxLen uint32) []chunk {
	var chunks []chunk
	var next uint32
	for addr, word := range mem.All() {
		n := len(chunks)
		if n == 0 || uint32(addr) != next || uint32(len(chunks[n-1].Words)) >= maxLen {
			chunks = append(chunks, chunk{Address: addr})
			n++
		}
		chunks[n-1].Words = append(chunks[n-1].Words, word)
		next = uint32(addr) + 1
	}
	return chunks
}

// splitChunks splits words written from address into pieces of at most maxLen
// words.
func splitChunks(address uint16, words []uint16, maxLen uint32) []chunk {
	var chunks []chunk
	for offset := 0; offset < len(words); offset += int(maxLen) {
		end := offset + int(maxLen)
		if end > len(words) {
			end = len(words)
		}
		chunks = append(chunks, chunk{Address: address + uint16(offset), Words: words[offset:end]})
	}
	return chunks
}

// span is an address range to be read.
type span struct {
	Address uint16
	Length  uint16
}

// readSpans splits count words starting at start into reads of at most
// maxLen words.
func readSpans(start, count, maxLen uint32) []span {
	var spans []span
	for addr := start; addr < start+count; addr += maxLen {
		n := maxLen
		if start+count-addr < n {
			n = start + count - addr
		}
		spans = append(spans, span{Address: uint16(addr), Length: uint16(n)})
	}
	return spans
}
