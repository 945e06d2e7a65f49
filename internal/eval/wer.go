// Package eval scores transcriptions against reference text.
package eval

import (
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"
)

// isCJK reports scripts written without spaces, which are scored per
// character.
func isCJK(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul, unicode.Thai)
}

// Words normalizes text and splits it into scoring units: lowercase, with
// punctuation removed, split on whitespace, and CJK characters as units of
// their own.
func Words(text string) []string {
	var words []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, cur.String())
			cur.Reset()
		}
	}
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsSpace(r), unicode.IsPunct(r), unicode.IsSymbol(r):
			flush()
		case isCJK(r):
			flush()
			words = append(words, string(r))
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return words
}

// EditDistance is the word-level Levenshtein distance between ref and hyp.
// Each distinct word is mapped onto one rune so the character distance of
// the mapped strings equals the word distance.
func EditDistance(ref, hyp []string) int {
	ids := make(map[string]rune)
	encode := func(ws []string) string {
		rs := make([]rune, len(ws))
		for i, w := range ws {
			id, ok := ids[w]
			if !ok {
				id = rune(0xE000 + len(ids))
				ids[w] = id
			}
			rs[i] = id
		}
		return string(rs)
	}
	a, b := encode(ref), encode(hyp)
	return levenshtein.ComputeDistance(a, b)
}

// WER returns the word error rate of hyp against ref together with the
// edit count and the reference length. An empty reference scores 0 against
// an empty hypothesis and 1 otherwise.
func WER(ref, hyp string) (wer float64, edits, refWords int) {
	r, h := Words(ref), Words(hyp)
	edits = EditDistance(r, h)
	if len(r) == 0 {
		if len(h) == 0 {
			return 0, 0, 0
		}
		return 1, edits, 0
	}
	return float64(edits) / float64(len(r)), edits, len(r)
}
