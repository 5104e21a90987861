package vision

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// ErrNoCaption is returned when the captioning provider produced no usable text.
var ErrNoCaption = errors.New("no caption produced")

// ErrScoringUnavailable is returned when the semantic scoring provider cannot
// be reached. Search degrades to stage-1-only ranking on this error instead
// of failing the query.
var ErrScoringUnavailable = errors.New("semantic scoring unavailable")

const scoringPrompt = `You are a video search assistant. Determine if the search term matches the video caption.

Search Term: %q
Video Caption: %q

Does the search term match what is described in the video caption?
Consider:
- Synonyms (e.g., "dog" matches "puppy", "laying" matches "sleeping")
- Partial matches (e.g., "dog" matches "brown dog in snow")
- Context (e.g., "sunset" matches "golden hour")

Respond with ONLY a number from 0 to 100 representing the match percentage.
- 100 = Perfect match
- 80-99 = Strong match (synonyms, close meaning)
- 50-79 = Partial match (related concepts)
- 0-49 = Poor match (different concepts)

Your response (number only):`

// Scorer rates the relevance of a caption to a search query on [0,1] using an
// OpenAI-compatible chat model. It corrects the false-positive tendency of
// raw vector similarity by reading the caption text.
type Scorer struct {
	client *openai.Client
	model  string
}

// NewScorer creates a Scorer using the given client and chat model.
func NewScorer(client *openai.Client, model string) *Scorer {
	return &Scorer{client: client, model: model}
}

// Score returns the semantic relevance of caption to query in [0,1].
// Transport-level failures wrap ErrScoringUnavailable; a response the model
// phrased badly comes back as a plain parse error so the caller can decide
// per candidate instead of abandoning the whole pass.
func (s *Scorer) Score(ctx context.Context, query, caption string) (float64, error) {
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       s.model,
		Temperature: 0,
		MaxTokens:   10,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: "You are a precise video search matching assistant. Respond only with a number 0-100.",
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: fmt.Sprintf(scoringPrompt, query, caption),
			},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrScoringUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return 0, fmt.Errorf("scoring response has no choices")
	}

	return parseMatchScore(resp.Choices[0].Message.Content)
}

// parseMatchScore extracts a 0-100 match percentage from the model's reply
// and maps it to [0,1]. Tolerates a trailing percent sign and surrounding
// whitespace; clamps out-of-range values.
func parseMatchScore(raw string) (float64, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimSuffix(s, "%")
	s = strings.TrimSpace(s)

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing match score %q: %w", raw, err)
	}

	score := v / 100.0
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score, nil
}
