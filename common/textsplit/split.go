// Package textsplit breaks long text into ordered pages of bounded length.
//
// Lengths are counted in runes so that CJK text is measured in characters,
// not bytes.
package textsplit

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ParagraphSeparator is placed between paragraphs that share a page
const ParagraphSeparator = "\n\n"

var paragraphBoundary = regexp.MustCompile(`\n\s*\n`)

// Split returns text as pages of at most max runes each.
//
// Paragraphs (blank-line separated) are packed greedily and joined with
// ParagraphSeparator. Text with a single paragraph is packed by sentence
// instead, with no separator, so joining those pages reproduces the input.
// A paragraph or sentence longer than max is hard-sliced at rune boundaries.
func Split(text string, max int) []string {
	if max <= 0 || utf8.RuneCountInString(text) <= max {
		return []string{text}
	}

	paragraphs := splitParagraphs(text)
	if len(paragraphs) > 1 {
		return pack(paragraphs, ParagraphSeparator, max)
	}
	return pack(splitSentences(text), "", max)
}

func splitParagraphs(text string) []string {
	raw := paragraphBoundary.Split(text, -1)
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// splitSentences cuts after a terminator and any whitespace following it.
// ASCII terminators only count when followed by whitespace or end of text.
func splitSentences(text string) []string {
	var out []string
	runes := []rune(text)
	start := 0
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if !isTerminator(r) {
			continue
		}
		if r < utf8.RuneSelf && i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		end := i + 1
		for end < len(runes) && unicode.IsSpace(runes[end]) {
			end++
		}
		out = append(out, string(runes[start:end]))
		start = end
		i = end - 1
	}
	if start < len(runes) {
		out = append(out, string(runes[start:]))
	}
	return out
}

func isTerminator(r rune) bool {
	switch r {
	case '.', '!', '?', '。', '！', '？':
		return true
	}
	return false
}

func pack(segments []string, sep string, max int) []string {
	var pages []string
	var current strings.Builder
	currentLen := 0
	sepLen := utf8.RuneCountInString(sep)

	flush := func() {
		if currentLen > 0 {
			pages = append(pages, current.String())
		}
		current.Reset()
		currentLen = 0
	}

	for _, seg := range segments {
		segLen := utf8.RuneCountInString(seg)
		if segLen == 0 {
			continue
		}

		need := segLen
		if currentLen > 0 {
			need += sepLen
		}
		if currentLen+need <= max {
			if currentLen > 0 {
				current.WriteString(sep)
			}
			current.WriteString(seg)
			currentLen += need
			continue
		}

		flush()
		if segLen <= max {
			current.WriteString(seg)
			currentLen = segLen
			continue
		}

		// Oversized segment: emit full slices, keep the tail open for packing.
		runes := []rune(seg)
		for len(runes) > max {
			pages = append(pages, string(runes[:max]))
			runes = runes[max:]
		}
		current.WriteString(string(runes))
		currentLen = len(runes)
	}
	flush()

	return pages
}
