package data

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	// 1. Punctuation kept as standalone tokens. Everything else that is not a
	// letter or a digit is treated as a separator. "-" stays last: QuoteMeta
	// does not escape it and it must not form a range inside the classes below.
	AllowedSpecialChars = []string{
		".", "!", "?", ",", ":", ";", "'", "\"", "(", ")", "%", "&", "-",
	}

	// 2. Global Regex variables (compiled once at startup)
	ReClean *regexp.Regexp
	ReTok   *regexp.Regexp
)

func init() {
	// Escape all characters to ensure they don't break regex syntax (e.g., "." becomes "\.")
	escapedChars := make([]string, len(AllowedSpecialChars))
	for i, c := range AllowedSpecialChars {
		escapedChars[i] = regexp.QuoteMeta(c)
	}
	allAllowedGroup := strings.Join(escapedChars, "")

	// Match anything that is NOT a letter, a digit or one of our allowed symbols.
	// Letters are Unicode-aware so that Vietnamese, German etc. survive.
	ReClean = regexp.MustCompile(fmt.Sprintf(`[^\p{L}\p{N}%s]+`, allAllowedGroup))

	// HTML entities (&apos; &quot;) | words | single symbols
	tagPattern := `&[a-z]+;`
	wordPattern := `[\p{L}\p{N}]+`
	symbolPattern := fmt.Sprintf(`[%s]`, allAllowedGroup)
	ReTok = regexp.MustCompile(fmt.Sprintf(`%s|%s|%s`, tagPattern, wordPattern, symbolPattern))
}

// Clean lower-cases a line and collapses everything outside the token
// alphabet into single spaces.
func Clean(line string) string {
	text := strings.ToLower(line)
	text = ReClean.ReplaceAllString(text, " ")
	return strings.Join(strings.Fields(text), " ")
}

// Tokenize splits a raw line into tokens.
func Tokenize(line string) []string {
	return ReTok.FindAllString(Clean(line), -1)
}
