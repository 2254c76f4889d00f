package data

import (
	"bufio"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/samber/lo"
)

// Reserved tokens, always at the head of every vocabulary in this order.
const (
	PAD = "<pad>"
	UNK = "<unk>"
	BOS = "<s>"
	EOS = "</s>"
)

const (
	PadID = iota
	UnkID
	BosID
	EosID
)

// Vocab maps tokens to dense ids.
type Vocab struct {
	wordToID map[string]int
	idToWord []string
}

func newVocab() *Vocab {
	v := &Vocab{wordToID: make(map[string]int)}
	for _, w := range []string{PAD, UNK, BOS, EOS} {
		v.add(w)
	}
	return v
}

func (v *Vocab) add(w string) {
	if _, ok := v.wordToID[w]; !ok {
		v.wordToID[w] = len(v.idToWord)
		v.idToWord = append(v.idToWord, w)
	}
}

// BuildVocab collects every token seen at least minFreq times. Tokens are
// ordered by descending frequency, ties alphabetically, so the result does
// not depend on map iteration.
func BuildVocab(sentences [][]string, minFreq int) *Vocab {
	freq := make(map[string]int)
	for _, s := range sentences {
		for _, w := range s {
			freq[w]++
		}
	}
	words := lo.Filter(lo.Keys(freq), func(w string, _ int) bool { return freq[w] >= minFreq })
	slices.SortFunc(words, func(a, b string) int {
		if freq[a] != freq[b] {
			return freq[b] - freq[a]
		}
		return strings.Compare(a, b)
	})

	v := newVocab()
	for _, w := range words {
		v.add(w)
	}
	return v
}

func (v *Vocab) Len() int { return len(v.idToWord) }

// ID returns the id of w, or UnkID.
func (v *Vocab) ID(w string) int {
	if id, ok := v.wordToID[w]; ok {
		return id
	}
	return UnkID
}

func (v *Vocab) Word(id int) string {
	if id < 0 || id >= len(v.idToWord) {
		return UNK
	}
	return v.idToWord[id]
}

// Encode maps tokens to ids and wraps them in <s> ... </s>.
func (v *Vocab) Encode(tokens []string) []int {
	ids := make([]int, 0, len(tokens)+2)
	ids = append(ids, BosID)
	for _, w := range tokens {
		ids = append(ids, v.ID(w))
	}
	return append(ids, EosID)
}

// Decode maps ids back to tokens, dropping <s> and stopping at </s> or <pad>.
func (v *Vocab) Decode(ids []int) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		switch id {
		case BosID:
			continue
		case EosID, PadID:
			return out
		}
		out = append(out, v.Word(id))
	}
	return out
}

// SaveToFile writes one token per line, in id order.
func (v *Vocab) SaveToFile(filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, word := range v.idToWord {
		fmt.Fprintln(w, word)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// LoadVocab reads a file written by SaveToFile.
func LoadVocab(filename string) (*Vocab, error) {
	lines, err := readLines(filename)
	if err != nil {
		return nil, err
	}
	if len(lines) < EosID+1 || lines[PadID] != PAD || lines[UnkID] != UNK || lines[BosID] != BOS || lines[EosID] != EOS {
		return nil, fmt.Errorf("vocab %s: missing reserved tokens", filename)
	}
	v := &Vocab{wordToID: make(map[string]int, len(lines))}
	for _, w := range lines {
		v.add(w)
	}
	return v, nil
}
