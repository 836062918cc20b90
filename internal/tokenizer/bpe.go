package tokenizer

import (
	"cmp"
	"slices"
	"strings"
)

type pair struct {
	a, b string
}

type segment struct {
	text    string
	special bool
}

func splitRunes(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}

func adjacentPairs(word []string) map[pair]struct{} {
	pairs := make(map[pair]struct{}, len(word))
	for i := 1; i < len(word); i++ {
		pairs[pair{word[i-1], word[i]}] = struct{}{}
	}
	return pairs
}

func mergePair(word []string, p pair) []string {
	out := make([]string, 0, len(word))
	for i := 0; i < len(word); i++ {
		if i < len(word)-1 && word[i] == p.a && word[i+1] == p.b {
			out = append(out, word[i]+word[i+1])
			i++
			continue
		}
		out = append(out, word[i])
	}
	return out
}

// isSpecial matches the "<|...|>" control tokens used by Qwen and Llama 3
// style vocabularies.
func isSpecial(s string) bool {
	return len(s) >= 4 && strings.HasPrefix(s, "<|") && strings.HasSuffix(s, "|>")
}

// specialsLongestFirst returns the special tokens of vocab ordered so that a
// prefix scan always prefers the longest match.
func specialsLongestFirst(vocab []string) []string {
	var out []string
	for _, t := range vocab {
		if isSpecial(t) {
			out = append(out, t)
		}
	}
	slices.SortStableFunc(out, func(a, b string) int { return cmp.Compare(len(b), len(a)) })
	return out
}

func splitSpecials(text string, specials []string) []segment {
	if len(specials) == 0 || !strings.Contains(text, "<|") {
		return []segment{{text: text}}
	}
	var parts []segment
	var buf strings.Builder
	flush := func() {
		if buf.Len() > 0 {
			parts = append(parts, segment{text: buf.String()})
			buf.Reset()
		}
	}
	for i := 0; i < len(text); {
		match := ""
		for _, sp := range specials {
			if strings.HasPrefix(text[i:], sp) {
				match = sp
				break
			}
		}
		if match == "" {
			buf.WriteByte(text[i])
			i++
			continue
		}
		flush()
		parts = append(parts, segment{text: match, special: true})
		i += len(match)
	}
	flush()
	return parts
}

// byteLevelAlphabet is the GPT-2 reversible mapping from raw bytes to
// printable runes.
func byteLevelAlphabet() (map[byte]string, map[rune]byte) {
	printable := func(b int) bool {
		return (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF)
	}
	enc := make(map[byte]string, 256)
	dec := make(map[rune]byte, 256)
	n := 0
	for b := range 256 {
		r := rune(b)
		if !printable(b) {
			r = rune(256 + n)
			n++
		}
		enc[byte(b)] = string(r)
		dec[r] = byte(b)
	}
	return enc, dec
}
