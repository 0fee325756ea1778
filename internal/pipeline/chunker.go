package pipeline

import (
	"strings"
	"unicode/utf8"
)

// splitChunks breaks content into search-sized slices. Short content stays a
// single chunk. Longer content splits on paragraph boundaries, merging small
// paragraphs up to maxSize; paragraphs that still exceed maxSize are split on
// sentence boundaries with overlap characters of trailing context carried
// into the next chunk.
func splitChunks(content string, maxSize, overlap int) []string {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	if len(content) <= maxSize {
		return []string{content}
	}

	var chunks []string
	var accum string

	flush := func() {
		if accum != "" {
			chunks = append(chunks, accum)
			accum = ""
		}
	}

	for _, para := range splitParagraphs(content) {
		if len(para) > maxSize {
			flush()
			chunks = append(chunks, splitLong(para, maxSize, overlap)...)
			continue
		}
		if accum == "" {
			accum = para
			continue
		}
		if len(accum)+2+len(para) <= maxSize {
			accum = accum + "\n\n" + para
		} else {
			flush()
			accum = para
		}
	}
	flush()
	return chunks
}

func splitParagraphs(content string) []string {
	var paras []string
	for _, p := range strings.Split(content, "\n\n") {
		p = strings.TrimSpace(p)
		if p != "" {
			paras = append(paras, p)
		}
	}
	return paras
}

// splitLong hard-splits one oversized paragraph on sentence boundaries.
func splitLong(text string, maxSize, overlap int) []string {
	sentences := splitSentences(text)
	var chunks []string
	var current string

	for _, s := range sentences {
		if current == "" {
			current = s
			continue
		}
		if len(current)+1+len(s) <= maxSize {
			current = current + " " + s
			continue
		}
		chunks = append(chunks, current)
		// carry trailing context into the next chunk, starting on a rune
		// boundary so the overlap never begins mid-character
		if overlap > 0 && len(current) > overlap {
			cut := len(current) - overlap
			for cut < len(current) && !utf8.RuneStart(current[cut]) {
				cut++
			}
			current = current[cut:] + " " + s
		} else {
			current = s
		}
	}
	if current != "" {
		chunks = append(chunks, current)
	}
	return chunks
}

// splitSentences splits on terminal punctuation followed by whitespace.
func splitSentences(text string) []string {
	var sentences []string
	start := 0
	for i := 0; i < len(text)-1; i++ {
		c := text[i]
		if (c == '.' || c == '!' || c == '?') && (text[i+1] == ' ' || text[i+1] == '\n') {
			s := strings.TrimSpace(text[start : i+1])
			if s != "" {
				sentences = append(sentences, s)
			}
			start = i + 1
		}
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}
