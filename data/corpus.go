package data

import (
	"bufio"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
)

// Pair is one encoded example. Both sides start with <s> and end with </s>.
type Pair struct {
	Source, Target []int
}

// Corpus is a parallel dataset together with the vocabularies its pairs are
// encoded with.
type Corpus struct {
	SourceVocab, TargetVocab *Vocab
	Pairs                    []Pair
}

// CorpusPath follows the <dir>/<subset>.<lang> layout of IWSLT style
// releases, e.g. iwslt15/train.en.
func CorpusPath(dir, subset, lang string) string {
	return filepath.Join(dir, subset+"."+lang)
}

// ReadParallel loads the tokenized line pairs of one subset.
func ReadParallel(dir, subset, source, target string) (src, tgt [][]string, err error) {
	srcLines, err := readLines(CorpusPath(dir, subset, source))
	if err != nil {
		return nil, nil, err
	}
	tgtLines, err := readLines(CorpusPath(dir, subset, target))
	if err != nil {
		return nil, nil, err
	}
	if len(srcLines) != len(tgtLines) {
		return nil, nil, fmt.Errorf("%s/%s: %d %s lines but %d %s lines",
			dir, subset, len(srcLines), source, len(tgtLines), target)
	}

	for i := range srcLines {
		s, t := Tokenize(srcLines[i]), Tokenize(tgtLines[i])
		if len(s) == 0 || len(t) == 0 {
			continue
		}
		src = append(src, s)
		tgt = append(tgt, t)
	}
	return src, tgt, nil
}

// LoadCorpus reads a subset and builds fresh vocabularies from it.
func LoadCorpus(dir, subset, source, target string, minFreq int) (*Corpus, error) {
	src, tgt, err := ReadParallel(dir, subset, source, target)
	if err != nil {
		return nil, err
	}
	return Encode(src, tgt, BuildVocab(src, minFreq), BuildVocab(tgt, minFreq)), nil
}

// LoadCorpusWith reads a subset with existing vocabularies, as for the
// evaluation split.
func LoadCorpusWith(dir, subset, source, target string, sourceVocab, targetVocab *Vocab) (*Corpus, error) {
	src, tgt, err := ReadParallel(dir, subset, source, target)
	if err != nil {
		return nil, err
	}
	return Encode(src, tgt, sourceVocab, targetVocab), nil
}

// Encode maps tokenized sentence pairs through the vocabularies.
func Encode(src, tgt [][]string, sourceVocab, targetVocab *Vocab) *Corpus {
	c := &Corpus{SourceVocab: sourceVocab, TargetVocab: targetVocab, Pairs: make([]Pair, len(src))}
	for i := range src {
		c.Pairs[i] = Pair{Source: sourceVocab.Encode(src[i]), Target: targetVocab.Encode(tgt[i])}
	}
	return c
}

func readLines(filename string) ([]string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", filename, err)
	}
	return lines, nil
}

// -------- SYNTHETIC TASK -------- //

// TaskKind selects how a synthetic target is derived from its source.
type TaskKind string

const (
	TaskCopy    TaskKind = "copy"
	TaskReverse TaskKind = "reverse"
)

// SyntheticTask generates random digit sequences and their copy or reversal.
// It shares one vocabulary between both sides: the four reserved ids followed
// by Symbols plain symbols.
type SyntheticTask struct {
	Kind           TaskKind
	Symbols        int
	MinLen, MaxLen int
}

func (t SyntheticTask) VocabSize() int { return EosID + 1 + t.Symbols }

func (t SyntheticTask) Validate() error {
	switch {
	case t.Kind != TaskCopy && t.Kind != TaskReverse:
		return fmt.Errorf("unknown synthetic task %q", t.Kind)
	case t.Symbols <= 0:
		return fmt.Errorf("synthetic task needs symbols, got %d", t.Symbols)
	case t.MinLen <= 0 || t.MaxLen < t.MinLen:
		return fmt.Errorf("synthetic lengths [%d, %d] are invalid", t.MinLen, t.MaxLen)
	}
	return nil
}

// Sample draws one pair from rng.
func (t SyntheticTask) Sample(rng *rand.Rand) Pair {
	n := t.MinLen + rng.IntN(t.MaxLen-t.MinLen+1)
	body := make([]int, n)
	for i := range body {
		body[i] = EosID + 1 + rng.IntN(t.Symbols)
	}
	out := make([]int, n)
	for i, id := range body {
		if t.Kind == TaskReverse {
			out[n-1-i] = id
		} else {
			out[i] = id
		}
	}
	return Pair{Source: wrap(body), Target: wrap(out)}
}

// Generate draws n pairs.
func (t SyntheticTask) Generate(rng *rand.Rand, n int) []Pair {
	pairs := make([]Pair, n)
	for i := range pairs {
		pairs[i] = t.Sample(rng)
	}
	return pairs
}

func wrap(body []int) []int {
	ids := make([]int, 0, len(body)+2)
	ids = append(ids, BosID)
	ids = append(ids, body...)
	return append(ids, EosID)
}
