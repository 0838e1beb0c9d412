package engine

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

var sentenceBoundary = regexp.MustCompile(`(?:[.!?])\s+`)

// Summariser is the summarise fleet's stand-in for the out-of-scope
// large-language-model collaborator: it performs a deterministic
// extractive summary (the longest few sentences by word count) so the
// fleet is exercisable end to end without an API key. A
// SummariserClient wired to a real model would implement the same
// Engine interface; none is implemented here, as calling an LLM is
// explicitly out of scope.
type Summariser struct {
	MaxSentences int
}

// NewSummariser builds a Summariser that keeps, at most, maxSentences
// sentences in its extractive summary. A non-positive value defaults to
// three.
func NewSummariser(maxSentences int) *Summariser {
	if maxSentences <= 0 {
		maxSentences = 3
	}
	return &Summariser{MaxSentences: maxSentences}
}

func (s *Summariser) Run(ctx context.Context, in Input) (map[string]interface{}, error) {
	if strings.TrimSpace(in.Text) == "" {
		return nil, fmt.Errorf("summariser: empty text")
	}

	sentences := splitSentences(in.Text)
	summary := pickLongest(sentences, s.MaxSentences)

	result := map[string]interface{}{
		"summary":   summary,
		"timestamp": isoTimestamp(),
	}
	if in.URL != "" {
		result["url"] = in.URL
	}
	return result, nil
}

func splitSentences(text string) []string {
	parts := sentenceBoundary.Split(strings.TrimSpace(text), -1)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// pickLongest returns the n sentences with the most words, in their
// original order, joined back into a short paragraph.
func pickLongest(sentences []string, n int) string {
	if len(sentences) <= n {
		return strings.Join(sentences, ". ")
	}

	type scored struct {
		index int
		words int
	}
	scores := make([]scored, len(sentences))
	for i, sentence := range sentences {
		scores[i] = scored{index: i, words: len(strings.Fields(sentence))}
	}
	for i := 0; i < len(scores); i++ {
		for j := i + 1; j < len(scores); j++ {
			if scores[j].words > scores[i].words {
				scores[i], scores[j] = scores[j], scores[i]
			}
		}
	}

	keep := make(map[int]bool, n)
	for _, sc := range scores[:n] {
		keep[sc.index] = true
	}

	var out []string
	for i, sentence := range sentences {
		if keep[i] {
			out = append(out, sentence)
		}
	}
	return strings.Join(out, ". ")
}
