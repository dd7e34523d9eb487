package retriever

import "strings"

// maxChunkChars bounds a single chunk. Sentences are never split, so one
// oversize sentence becomes its own oversize chunk.
const maxChunkChars = 1000

// splitSentences cuts text after runs of sentence terminators (.!?),
// keeping terminators and trailing whitespace attached so the pieces
// concatenate back to the original text.
func splitSentences(text string) []string {
	var out []string
	start := 0
	inTerminator := false
	for i, r := range text {
		switch r {
		case '.', '!', '?':
			inTerminator = true
		default:
			if inTerminator && !isSpace(r) {
				out = append(out, text[start:i])
				start = i
			}
			if !isSpace(r) {
				inTerminator = false
			}
		}
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}

// chunkContent greedy-packs sentences into chunks of at most maxChunkChars
// without crossing sentence boundaries. Empty or terminator-free input
// produces one chunk equal to the whole content. Concatenating the chunks
// in order reproduces the content exactly.
func chunkContent(content string) []string {
	sentences := splitSentences(content)
	if len(sentences) == 0 {
		return []string{content}
	}

	var chunks []string
	var b strings.Builder
	for _, s := range sentences {
		if b.Len() > 0 && b.Len()+len(s) > maxChunkChars {
			chunks = append(chunks, b.String())
			b.Reset()
		}
		b.WriteString(s)
	}
	if b.Len() > 0 {
		chunks = append(chunks, b.String())
	}
	return chunks
}
