package notify

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/mahaj/dupahar-chat/pkg/model"
)

// BodyLimit is the number of characters of message content carried in a
// notification body.
const BodyLimit = 100

var mentionPattern = regexp.MustCompile(`@(\w+)`)

// ExtractMentions returns the lower-cased @name tokens of content, without
// duplicates, in order of appearance.
func ExtractMentions(content string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, m := range mentionPattern.FindAllStringSubmatch(content, -1) {
		tok := strings.ToLower(m[1])
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	return out
}

// Mentioned reports whether any token names p. Display names match with or
// without their spaces; the user id matches as well.
func Mentioned(p model.Participant, tokens []string) bool {
	if len(tokens) == 0 {
		return false
	}
	name := strings.ToLower(p.DisplayName)
	candidates := []string{strings.ToLower(p.UserID)}
	if name != "" {
		candidates = append(candidates, name, strings.ReplaceAll(name, " ", ""))
	}
	for _, tok := range tokens {
		for _, c := range candidates {
			if tok == c {
				return true
			}
		}
	}
	return false
}

// Truncate shortens s to limit characters, appending an ellipsis when cut.
func Truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit]) + "..."
}
