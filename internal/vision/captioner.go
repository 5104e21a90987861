package vision

import (
	"context"
	"encoding/base64"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/sync/errgroup"
)

const captionConcurrency = 3

// Caption is the result of captioning one frame. OK=false means the provider
// produced no caption for that frame; downstream code must treat that as
// "caption absent", not as an empty caption.
type Caption struct {
	Text  string
	Model string
	OK    bool
}

// Captioner generates short natural-language descriptions of frames through
// an OpenAI-compatible vision chat model. A failed caption never fails the
// batch: the corresponding slot comes back with OK=false.
type Captioner struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

// NewCaptioner creates a Captioner using the given client and vision model.
func NewCaptioner(client *openai.Client, model string) *Captioner {
	return &Captioner{client: client, model: model, logger: slog.Default()}
}

// Caption describes each JPEG image. The result is index-aligned with the
// input and always has the same length. Frames are captioned concurrently,
// bounded to captionConcurrency in-flight requests.
func (c *Captioner) Caption(ctx context.Context, images [][]byte) []Caption {
	out := make([]Caption, len(images))
	if len(images) == 0 {
		return out
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(captionConcurrency)

	for i, img := range images {
		g.Go(func() error {
			text, err := c.captionOne(gCtx, img)
			if err != nil {
				c.logger.Debug("captioning frame failed", "index", i, "error", err)
				return nil // absorb per-image failures
			}
			out[i] = Caption{Text: text, Model: c.model, OK: true}
			return nil
		})
	}
	g.Wait()

	return out
}

func (c *Captioner) captionOne(ctx context.Context, jpeg []byte) (string, error) {
	dataURL := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpeg)

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: 0,
		MaxTokens:   60,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{
						Type: openai.ChatMessagePartTypeText,
						Text: "Describe this video frame in one short sentence. Mention the main subjects and the setting.",
					},
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    dataURL,
							Detail: openai.ImageURLDetailLow,
						},
					},
				},
			},
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoCaption
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", ErrNoCaption
	}
	return text, nil
}
