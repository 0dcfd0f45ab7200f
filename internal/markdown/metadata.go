// Package markdown computes display metadata for markdown bodies.
package markdown

import (
	"strings"
	"unicode"
)

const wordsPerMinute = 200

type Metadata struct {
	WordCount          int
	ReadingTimeMinutes int
}

// Calculator counts words the way a reader would see them: tokens made only of
// markdown punctuation (headings, list bullets, rules, fences) are skipped.
type Calculator struct {
	WordsPerMinute int
}

func NewCalculator() Calculator {
	return Calculator{WordsPerMinute: wordsPerMinute}
}

func (c Calculator) Calculate(content string) Metadata {
	words := 0
	for _, token := range strings.Fields(content) {
		if hasWordRune(token) {
			words++
		}
	}
	wpm := c.WordsPerMinute
	if wpm <= 0 {
		wpm = wordsPerMinute
	}
	minutes := 0
	if words > 0 {
		minutes = (words + wpm - 1) / wpm
	}
	return Metadata{WordCount: words, ReadingTimeMinutes: minutes}
}

func hasWordRune(token string) bool {
	for _, r := range token {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}
