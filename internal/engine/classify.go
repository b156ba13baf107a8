package engine

import (
	"strconv"
	"strings"

	"github.com/avereyev/cardbridge/internal/domain"
)

// Classifier maps free-form reply text onto the current question.
type Classifier interface {
	Classify(text string, q *domain.Question) Classification
}

// skipWords are replies treated as an explicit skip of the current
// question.
var skipWords = map[string]struct{}{
	"skip": {},
	"pass": {},
	"none": {},
	"-":    {},
}

// RuleClassifier is the default rule-based classifier: an explicit skip
// keyword, otherwise a list of 1-based option numbers against the
// question's option set, otherwise free text. Option numbers that fall
// outside the option set, or multiple numbers for a single-select
// question, are unrecognized so the caller can re-prompt.
type RuleClassifier struct{}

// Classify implements Classifier.
func (RuleClassifier) Classify(text string, q *domain.Question) Classification {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Classification{Kind: ClassUnrecognized}
	}
	if _, ok := skipWords[strings.ToLower(trimmed)]; ok {
		return Classification{Kind: ClassSkip}
	}

	if len(q.Options) > 0 {
		if indices, ok := parseOptionNumbers(trimmed, len(q.Options)); ok {
			if len(indices) > 1 && !q.MultiSelect {
				return Classification{Kind: ClassUnrecognized}
			}
			return Classification{Kind: ClassSelected, Indices: indices}
		}
		if looksNumeric(trimmed) {
			// Numbers that don't resolve to options are likely a typo,
			// not a free-text answer.
			return Classification{Kind: ClassUnrecognized}
		}
	}

	return Classification{Kind: ClassCustom, Text: trimmed}
}

// parseOptionNumbers parses "1", "1,3" or "2 4" as 1-based option
// numbers, returning 0-based indices in input order without duplicates.
func parseOptionNumbers(s string, optionCount int) ([]int, bool) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	if len(fields) == 0 {
		return nil, false
	}
	seen := make(map[int]struct{}, len(fields))
	indices := make([]int, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, false
		}
		if n < 1 || n > optionCount {
			return nil, false
		}
		idx := n - 1
		if _, dup := seen[idx]; dup {
			continue
		}
		seen[idx] = struct{}{}
		indices = append(indices, idx)
	}
	return indices, true
}

func looksNumeric(s string) bool {
	for _, f := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' }) {
		if _, err := strconv.Atoi(f); err != nil {
			return false
		}
	}
	return true
}
