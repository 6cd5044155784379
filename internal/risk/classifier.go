// Package risk scores agent responses against configurable keyword
// lexicons to decide whether a turn needs human sign-off.
//
// The scorer is deliberately non-ML: a weighted count of whole-word
// lexicon matches. False positives (unnecessary review) are preferred
// over false negatives (ungated financial recommendations).
package risk

import (
	"sort"
	"strings"
	"unicode"

	"github.com/rs/zerolog/log"
)

// Route names returned by Decide.
const (
	RouteTools  = "tools"
	RouteReview = "review"
	RouteEnd    = "end"
)

// Classifier computes risk scores from two lexicons. High-risk terms
// (transactional verbs) carry a configurable multiplier; moderate terms
// (domain nouns) count once each.
type Classifier struct {
	high       map[string]struct{}
	moderate   map[string]struct{}
	multiplier int
	threshold  int
}

// New builds a classifier from the configured lexicons. Terms are matched
// case-insensitively on word boundaries.
func New(highRisk, moderateRisk []string, multiplier, threshold int) *Classifier {
	return &Classifier{
		high:       toSet(highRisk),
		moderate:   toSet(moderateRisk),
		multiplier: multiplier,
		threshold:  threshold,
	}
}

func toSet(terms []string) map[string]struct{} {
	set := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			set[t] = struct{}{}
		}
	}
	return set
}

// Score returns the weighted risk score for a text plus the matched terms.
// Matching is whole-word: "sell" matches in "should I sell now" but not in
// "counselling".
func (c *Classifier) Score(text string) (int, []string) {
	highHits := make(map[string]struct{})
	moderateHits := make(map[string]struct{})

	for _, word := range tokenize(text) {
		if _, ok := c.high[word]; ok {
			highHits[word] = struct{}{}
			continue
		}
		if _, ok := c.moderate[word]; ok {
			moderateHits[word] = struct{}{}
		}
	}

	score := len(highHits)*c.multiplier + len(moderateHits)
	matched := make([]string, 0, len(highHits)+len(moderateHits))
	for w := range highHits {
		matched = append(matched, w)
	}
	for w := range moderateHits {
		matched = append(matched, w)
	}
	sort.Strings(matched)
	return score, matched
}

// RequiresReview reports whether the text's score meets the review
// threshold.
func (c *Classifier) RequiresReview(text string) bool {
	score, _ := c.Score(text)
	return score >= c.threshold
}

// Decide picks the route after an agent turn: pending tool calls continue
// the investigation, a risky final answer goes to review, anything else
// ends the flow.
func (c *Classifier) Decide(content string, hasToolCalls bool, threadID string) string {
	if hasToolCalls {
		return RouteTools
	}
	score, matched := c.Score(content)
	if score >= c.threshold {
		log.Info().
			Str("thread_id", threadID).
			Int("risk_score", score).
			Strs("matched_terms", matched).
			Msg("review_gate_triggered")
		return RouteReview
	}
	log.Debug().
		Str("thread_id", threadID).
		Int("risk_score", score).
		Msg("risk_below_threshold")
	return RouteEnd
}

// tokenize lower-cases the text and splits it into words on any
// non-letter, non-digit rune. Distinct words are deduplicated by the
// caller's hit sets.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
