package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestClassifier() *Classifier {
	return New(
		[]string{"buy", "sell", "trade", "allocate", "invest"},
		[]string{"risk", "recommendation", "portfolio", "assets", "advice"},
		2, 2,
	)
}

func TestScore(t *testing.T) {
	c := newTestClassifier()

	tests := []struct {
		name    string
		text    string
		score   int
		matched []string
	}{
		{
			name:  "no matches",
			text:  "Your current balance is $12,000.",
			score: 0,
		},
		{
			name:    "single high-risk term meets threshold",
			text:    "You should sell your NVDA shares now.",
			score:   2,
			matched: []string{"sell"},
		},
		{
			name:    "single moderate term stays below threshold",
			text:    "Your portfolio is well diversified.",
			score:   1,
			matched: []string{"portfolio"},
		},
		{
			name:    "two moderate terms meet threshold",
			text:    "My advice is to review your portfolio quarterly.",
			score:   2,
			matched: []string{"advice", "portfolio"},
		},
		{
			name:    "repeated term counts once",
			text:    "Sell now, sell fast, sell everything.",
			score:   2,
			matched: []string{"sell"},
		},
		{
			name:    "high and moderate combine",
			text:    "I recommend you buy bonds to reduce portfolio risk.",
			score:   4,
			matched: []string{"buy", "portfolio", "risk"},
		},
		{
			name:  "substring does not match",
			text:  "The counselling session covered asterisk notation.",
			score: 0,
		},
		{
			name:    "matching is case-insensitive",
			text:    "SELL! SELL! SELL!",
			score:   2,
			matched: []string{"sell"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, matched := c.Score(tt.text)
			assert.Equal(t, tt.score, score)
			if tt.matched == nil {
				assert.Empty(t, matched)
			} else {
				assert.Equal(t, tt.matched, matched)
			}
		})
	}
}

func TestScoreIsDeterministic(t *testing.T) {
	c := newTestClassifier()
	text := "I recommend you buy bonds and sell equities to balance portfolio risk."

	firstScore, firstMatched := c.Score(text)
	for i := 0; i < 10; i++ {
		score, matched := c.Score(text)
		assert.Equal(t, firstScore, score)
		assert.Equal(t, firstMatched, matched)
	}
}

func TestRequiresReview(t *testing.T) {
	c := newTestClassifier()

	assert.False(t, c.RequiresReview("Your current balance is $12,000."))
	assert.True(t, c.RequiresReview("You should sell your NVDA shares now."))
}

func TestDecide(t *testing.T) {
	c := newTestClassifier()

	// Tool calls always continue the investigation, regardless of text.
	assert.Equal(t, RouteTools, c.Decide("sell everything", true, "t1"))

	assert.Equal(t, RouteReview, c.Decide("You should sell your NVDA shares now.", false, "t1"))
	assert.Equal(t, RouteEnd, c.Decide("Your current balance is $12,000.", false, "t1"))
	assert.Equal(t, RouteEnd, c.Decide("", false, "t1"))
}
