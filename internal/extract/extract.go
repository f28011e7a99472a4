// Package extract pulls short bullet lists out of generated text: the attack
// vectors of a counterargument and the rejected alternatives of a strategy.
// It never invents items; text without a recognisable section yields none.
package extract

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const maxItems = 5

type section struct {
	triggers []string
	minLen   int
	maxLen   int
}

var (
	attackVectors = section{
		triggers: []string{"attack vector", "attack angle", "attack strateg"},
		minLen:   6,
		maxLen:   100,
	}
	rejectedAlternatives = section{
		triggers: []string{"rejected alternative", "rejected strateg"},
		minLen:   11,
		maxLen:   200,
	}
)

// AttackVectors returns up to five bullet items from the first attack vector
// section of text.
func AttackVectors(text string) []string {
	return attackVectors.extract(text)
}

// RejectedAlternatives returns up to five bullet items from the first
// rejected alternatives section of text.
func RejectedAlternatives(text string) []string {
	return rejectedAlternatives.extract(text)
}

func (s section) extract(text string) []string {
	var items []string
	inSection := false
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if !inSection {
			if s.matches(trimmed) {
				inSection = true
			}
			continue
		}
		if strings.HasPrefix(trimmed, "##") || (len(items) > 0 && isHeading(trimmed)) {
			break
		}
		item, ok := bullet(trimmed)
		if !ok {
			continue
		}
		item = strings.TrimSpace(strings.ReplaceAll(item, "**", ""))
		if utf8.RuneCountInString(item) < s.minLen {
			continue
		}
		items = append(items, truncate(item, s.maxLen))
		if len(items) == maxItems {
			break
		}
	}
	return items
}

func (s section) matches(line string) bool {
	lowered := strings.ToLower(line)
	for _, trigger := range s.triggers {
		if strings.Contains(lowered, trigger) {
			return true
		}
	}
	return false
}

// isHeading spots a bold or colon-terminated line that starts a new section.
func isHeading(line string) bool {
	if line == "" {
		return false
	}
	if strings.HasPrefix(line, "**") && (strings.HasSuffix(line, "**") || strings.HasSuffix(line, ":**") || strings.HasSuffix(line, "**:")) {
		return true
	}
	if _, ok := bullet(line); ok {
		return false
	}
	return strings.HasSuffix(line, ":")
}

// bullet strips a list marker: -, *, • or a numbered prefix such as "1." or
// "2)".
func bullet(line string) (string, bool) {
	for _, marker := range []string{"- ", "* ", "• ", "-", "•"} {
		if strings.HasPrefix(line, marker) && !strings.HasPrefix(line, "**") {
			return strings.TrimSpace(strings.TrimPrefix(line, marker)), true
		}
	}
	i := 0
	for i < len(line) && i < 3 && unicode.IsDigit(rune(line[i])) {
		i++
	}
	if i > 0 && i < len(line) && (line[i] == '.' || line[i] == ')') {
		return strings.TrimSpace(line[i+1:]), true
	}
	return "", false
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:limit]))
}
