package data

import (
	"math"
	"slices"
	"strconv"
	"strings"
)

// MaxOrder is the highest n-gram order counted by SentenceBLEU.
const MaxOrder = 4

// SentenceBLEU scores hypothesis against a single reference with uniform
// weights over 1..4-grams and the brevity penalty. Without smoothing, any
// order with no matching n-gram (including a hypothesis shorter than that
// order) makes the score 0.
func SentenceBLEU(reference, hypothesis []int) float64 {
	if len(hypothesis) == 0 {
		return 0
	}
	logSum := 0.0
	for n := 1; n <= MaxOrder; n++ {
		matched, total := clippedMatches(reference, hypothesis, n)
		if matched == 0 || total == 0 {
			return 0
		}
		logSum += math.Log(float64(matched)/float64(total)) / MaxOrder
	}
	return brevityPenalty(len(reference), len(hypothesis)) * math.Exp(logSum)
}

func brevityPenalty(refLen, hypLen int) float64 {
	if hypLen > refLen {
		return 1
	}
	return math.Exp(1 - float64(refLen)/float64(hypLen))
}

func clippedMatches(reference, hypothesis []int, n int) (matched, total int) {
	refCounts := ngrams(reference, n)
	for gram, count := range ngrams(hypothesis, n) {
		matched += min(count, refCounts[gram])
		total += count
	}
	return matched, total
}

func ngrams(seq []int, n int) map[string]int {
	counts := make(map[string]int)
	for i := 0; i+n <= len(seq); i++ {
		counts[ngramKey(seq[i:i+n])]++
	}
	return counts
}

func ngramKey(gram []int) string {
	var b strings.Builder
	for i, id := range gram {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(strconv.Itoa(id))
	}
	return b.String()
}

// TakeUntil returns the prefix of seq before the first token, or all of seq.
func TakeUntil(seq []int, token int) []int {
	if i := slices.Index(seq, token); i >= 0 {
		return seq[:i]
	}
	return seq
}

// SentenceBLEUs returns the sentence scores of every (reference, hypothesis) row
// after cutting both at eos.
func SentenceBLEUs(references, hypotheses [][]int, eos int) []float64 {
	out := make([]float64, len(references))
	for i := range references {
		out[i] = SentenceBLEU(TakeUntil(references[i], eos), TakeUntil(hypotheses[i], eos))
	}
	return out
}
