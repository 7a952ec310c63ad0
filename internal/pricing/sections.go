package pricing

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	sectionTokens = []string{"general", "admission", "floor", "vip", "premium"}
	sectionNumber = regexp.MustCompile(`[0-9]+`)
)

// MatchesSection reports whether a section label found on a page plausibly
// refers to one of the configured targets.
//
// A target matches when it equals or is contained in the label ignoring case,
// when both share a tier word such as "floor" or "vip", when a numeric target
// appears inside the label ("101" in "Section 101"), or when a hundreds-block
// target like "100s" covers the first number in the label (100 through 199).
func MatchesSection(found string, targets []string) bool {
	label := strings.ToLower(strings.TrimSpace(found))
	if label == "" {
		return false
	}
	for _, target := range targets {
		t := strings.ToLower(strings.TrimSpace(target))
		if t == "" {
			continue
		}
		if label == t || (!isDigits(t) && strings.Contains(label, t)) {
			return true
		}
		for _, token := range sectionTokens {
			if strings.Contains(t, token) && strings.Contains(label, token) {
				return true
			}
		}
		if isDigits(t) && strings.Contains(label, t) {
			return true
		}
		if block, ok := hundredsBlock(t); ok {
			if n, err := strconv.Atoi(sectionNumber.FindString(label)); err == nil && n >= block && n < block+100 {
				return true
			}
		}
	}
	return false
}

func hundredsBlock(target string) (int, bool) {
	if !strings.HasSuffix(target, "s") {
		return 0, false
	}
	digits := strings.TrimSuffix(target, "s")
	if !isDigits(digits) {
		return 0, false
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0, false
	}
	return n, true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
