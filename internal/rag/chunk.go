package rag

// ChunkText splits text into overlapping pieces of at most size characters
// (runes, not bytes). Consecutive pieces share exactly overlap characters,
// except possibly the final pair; the last piece may be shorter than size.
//
// size <= 0 yields the whole text as one piece. overlap is clamped into
// [0, size-1] so the split always advances. Empty text yields no pieces.
func ChunkText(text string, size, overlap int) []string {
	if text == "" {
		return nil
	}
	if size <= 0 {
		return []string{text}
	}
	overlap = min(max(overlap, 0), size-1)

	runes := []rune(text)
	var chunks []string
	for start := 0; ; {
		end := min(start+size, len(runes))
		chunks = append(chunks, string(runes[start:end]))
		if end >= len(runes) {
			break
		}
		start = end - overlap
	}
	return chunks
}
