package turn

import (
	"strings"
	"unicode"
)

// Garbled-text heuristic tuning.
const (
	// maxCharRun is the longest run of one identical character a real
	// transcript is assumed to contain.
	maxCharRun = 4

	// maxWordRepeat is the longest consecutive repetition of one word a
	// real transcript is assumed to contain.
	maxWordRepeat = 2

	// minAlphaRatio is the minimum share of letters among non-space
	// characters for text of garbleMinLength or more.
	minAlphaRatio = 0.3

	// garbleMinLength is the length below which the alphabetic-ratio check
	// does not apply; very short transcripts ("ok", "no") are legitimate.
	garbleMinLength = 5
)

// Garbled reports whether a transcript looks like transcription noise rather
// than speech: a long run of one character, a word stuttered several times in
// a row, or text that is mostly non-alphabetic. Garbled transcripts are
// discarded silently; they are expected noise, not faults.
func Garbled(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return true
	}

	run := 0
	var prev rune
	for i, r := range trimmed {
		if i > 0 && r == prev {
			run++
			if run > maxCharRun {
				return true
			}
		} else {
			run = 1
		}
		prev = r
	}

	repeat := 0
	prevWord := ""
	for _, w := range strings.Fields(strings.ToLower(trimmed)) {
		if w == prevWord {
			repeat++
			if repeat > maxWordRepeat {
				return true
			}
		} else {
			repeat = 1
		}
		prevWord = w
	}

	var letters, total int
	for _, r := range trimmed {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if unicode.IsLetter(r) {
			letters++
		}
	}
	if total >= garbleMinLength && float64(letters)/float64(total) < minAlphaRatio {
		return true
	}

	return false
}
