// Package tokenizer implements the byte-level BPE used by the decoder:
// vocab.json + merges.txt, a regex pretokenizer and added special tokens.
package tokenizer

import (
	"bufio"
	"cmp"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/dlclark/regexp2"
	heap "github.com/emirpasic/gods/v2/trees/binaryheap"

	"github.com/23skdu/longbow-qasr/internal/logger"
)

// Pretokenizer is the Qwen split pattern.
const Pretokenizer = `(?i:'s|'t|'re|'ve|'m|'ll|'d)|[^\r\n\p{L}\p{N}]?\p{L}+|\p{N}| ?[^\s\p{L}\p{N}]+[\r\n]*|\s*[\r\n]+|\s+(?!\S)|\s+`

type Tokenizer struct {
	vocab   map[string]int
	pieces  []string
	ranks   map[string]int
	special map[string]int
	// specials in longest-first order for splitting input text
	specialOrder []string
	re           *regexp2.Regexp
}

// Load reads vocab.json, merges.txt and, when present, the added tokens of
// tokenizer_config.json from a model directory.
func Load(dir string) (*Tokenizer, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "vocab.json"))
	if err != nil {
		return nil, err
	}
	var vocab map[string]int
	if err := json.Unmarshal(raw, &vocab); err != nil {
		return nil, fmt.Errorf("vocab.json: %w", err)
	}

	merges, err := readMerges(filepath.Join(dir, "merges.txt"))
	if err != nil {
		return nil, err
	}

	added, err := readAdded(filepath.Join(dir, "tokenizer_config.json"))
	if err != nil {
		return nil, err
	}

	t := New(vocab, merges, added)
	logger.Log.Debug("tokenizer loaded", "vocab", len(vocab), "merges", len(merges), "added", len(added))
	return t, nil
}

func readMerges(path string) ([]string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var out []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || strings.HasPrefix(line, "#version") {
			continue
		}
		out = append(out, line)
	}
	return out, sc.Err()
}

func readAdded(path string) (map[int]string, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cfg struct {
		Added map[string]struct {
			Content string `json:"content"`
		} `json:"added_tokens_decoder"`
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("tokenizer_config.json: %w", err)
	}
	out := make(map[int]string, len(cfg.Added))
	for k, v := range cfg.Added {
		id, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("tokenizer_config.json: bad token id %q", k)
		}
		out[id] = v.Content
	}
	return out, nil
}

// New builds a tokenizer from an in-memory vocabulary. merges are "left
// right" lines in rank order; added maps ids to special token text.
func New(vocab map[string]int, merges []string, added map[int]string) *Tokenizer {
	t := &Tokenizer{
		vocab:   make(map[string]int, len(vocab)+len(added)),
		ranks:   make(map[string]int, len(merges)),
		special: make(map[string]int, len(added)),
		re:      regexp2.MustCompile(Pretokenizer, regexp2.RE2),
	}
	size := 0
	for s, id := range vocab {
		t.vocab[s] = id
		size = max(size, id+1)
	}
	for id, s := range added {
		t.vocab[s] = id
		t.special[s] = id
		t.specialOrder = append(t.specialOrder, s)
		size = max(size, id+1)
	}
	sort.Slice(t.specialOrder, func(i, j int) bool {
		a, b := t.specialOrder[i], t.specialOrder[j]
		if len(a) != len(b) {
			return len(a) > len(b)
		}
		return a < b
	})
	t.pieces = make([]string, size)
	for s, id := range t.vocab {
		t.pieces[id] = s
	}
	for i, m := range merges {
		if _, ok := t.ranks[m]; !ok {
			t.ranks[m] = i
		}
	}
	return t
}

// VocabSize is one past the largest token id.
func (t *Tokenizer) VocabSize() int {
	return len(t.pieces)
}

// ID looks up a token string, including special tokens.
func (t *Tokenizer) ID(s string) (int, bool) {
	id, ok := t.vocab[s]
	return id, ok
}

func (t *Tokenizer) split(s string) []string {
	r := []rune(s)
	var parts []string
	offset := 0
	for m, _ := t.re.FindRunesMatch(r); m != nil; m, _ = t.re.FindNextMatch(m) {
		if m.Index > offset {
			parts = append(parts, string(r[offset:m.Index]))
		}
		parts = append(parts, m.String())
		offset = m.Index + m.Length
	}
	if offset < len(r) {
		parts = append(parts, string(r[offset:]))
	}
	return parts
}

// byteRune maps a raw byte to its printable stand-in.
func byteRune(b byte) rune {
	r := rune(b)
	switch {
	case r == 0x00ad:
		return 0x0143
	case r <= 0x0020:
		return r + 0x0100
	case r >= 0x007f && r <= 0x00a0:
		return r + 0x00a2
	}
	return r
}

type pair struct {
	a, b  int
	rank  int
	value string
}

type merge struct {
	p, n  int
	runes []rune
}

// Encode tokenizes text. Occurrences of added special tokens map directly
// to their ids.
func (t *Tokenizer) Encode(text string) []int {
	var ids []int
	for _, frag := range t.splitSpecial(text) {
		if id, ok := t.special[frag]; ok {
			ids = append(ids, id)
			continue
		}
		for _, part := range t.split(frag) {
			ids = t.encodeWord(ids, part)
		}
	}
	return ids
}

func (t *Tokenizer) splitSpecial(text string) []string {
	frags := []string{text}
	for _, sp := range t.specialOrder {
		var next []string
		for _, f := range frags {
			if _, isSpecial := t.special[f]; isSpecial {
				next = append(next, f)
				continue
			}
			for {
				i := strings.Index(f, sp)
				if i < 0 {
					if f != "" {
						next = append(next, f)
					}
					break
				}
				if i > 0 {
					next = append(next, f[:i])
				}
				next = append(next, sp)
				f = f[i+len(sp):]
			}
		}
		frags = next
	}
	return frags
}

func (t *Tokenizer) encodeWord(ids []int, word string) []int {
	var sb strings.Builder
	for _, b := range []byte(word) {
		sb.WriteRune(byteRune(b))
	}
	mapped := sb.String()
	if id, ok := t.vocab[mapped]; ok {
		return append(ids, id)
	}

	runes := []rune(mapped)
	merges := make([]merge, len(runes))
	for i := range runes {
		merges[i] = merge{p: i - 1, n: i + 1, runes: []rune{runes[i]}}
	}

	pairwise := func(a, b int) *pair {
		if a < 0 || b >= len(runes) {
			return nil
		}
		left, right := string(merges[a].runes), string(merges[b].runes)
		rank, ok := t.ranks[left+" "+right]
		if !ok {
			return nil
		}
		return &pair{a: a, b: b, rank: rank, value: left + right}
	}

	pairs := heap.NewWith(func(i, j *pair) int {
		if c := cmp.Compare(i.rank, j.rank); c != 0 {
			return c
		}
		return cmp.Compare(i.a, j.a)
	})
	for i := 0; i+1 < len(runes); i++ {
		if p := pairwise(i, i+1); p != nil {
			pairs.Push(p)
		}
	}

	for !pairs.Empty() {
		p, _ := pairs.Pop()
		left, right := merges[p.a], merges[p.b]
		if len(left.runes) == 0 || len(right.runes) == 0 ||
			string(left.runes)+string(right.runes) != p.value {
			continue
		}
		if _, ok := t.vocab[p.value]; !ok {
			continue
		}

		merges[p.a].runes = append(left.runes, right.runes...)
		merges[p.b].runes = nil
		merges[p.a].n = right.n
		if right.n < len(merges) {
			merges[right.n].p = p.a
		}
		if np := pairwise(merges[p.a].p, p.a); np != nil {
			pairs.Push(np)
		}
		if np := pairwise(p.a, merges[p.a].n); np != nil {
			pairs.Push(np)
		}
	}

	for _, m := range merges {
		if len(m.runes) == 0 {
			continue
		}
		if id, ok := t.vocab[string(m.runes)]; ok {
			ids = append(ids, id)
			continue
		}
		// unknown symbol: fall back to single-rune tokens
		for _, r := range m.runes {
			if id, ok := t.vocab[string(r)]; ok {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// Decode returns the raw bytes a token stands for. Special tokens decode
// to their literal text; unknown ids decode to "".
func (t *Tokenizer) Decode(id int) string {
	if id < 0 || id >= len(t.pieces) {
		return ""
	}
	piece := t.pieces[id]
	if _, ok := t.special[piece]; ok {
		return piece
	}
	var sb strings.Builder
	for _, r := range piece {
		switch {
		case r == 0x0100:
			continue
		case r == 0x0143:
			r = 0x00ad
		case r > 0x0100 && r <= 0x0120:
			r -= 0x0100
		case r > 0x0120 && r <= 0x0142:
			r -= 0x00a2
		}
		sb.WriteByte(byte(r))
	}
	return sb.String()
}

// DecodeAll concatenates Decode over ids.
func (t *Tokenizer) DecodeAll(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		sb.WriteString(t.Decode(id))
	}
	return sb.String()
}

// IsSpecial reports whether id is an added special token.
func (t *Tokenizer) IsSpecial(id int) bool {
	if id < 0 || id >= len(t.pieces) {
		return false
	}
	_, ok := t.special[t.pieces[id]]
	return ok
}
