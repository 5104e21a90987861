package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrEncoding is returned when the embedding provider rejects input or
// produces output that does not line up with it.
var ErrEncoding = errors.New("encoding failed")

// Encoder talks to a CLIP-style embedding sidecar over HTTP. Image and text
// vectors share one embedding space, so cosine similarity between a frame
// vector and a query vector approximates visual relatedness.
type Encoder struct {
	baseURL    string
	dim        int
	httpClient *http.Client
}

// NewEncoder creates an Encoder for the sidecar at baseURL producing
// dim-dimensional vectors.
func NewEncoder(baseURL string, dim int) *Encoder {
	return &Encoder{
		baseURL: strings.TrimRight(baseURL, "/"),
		dim:     dim,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

// Dim returns the embedding dimension this encoder is configured for.
// Every vector it returns has exactly this length.
func (e *Encoder) Dim() int { return e.dim }

type embedImagesRequest struct {
	Images []string `json:"images"` // base64-encoded JPEG
}

type embedImagesResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

type embedTextRequest struct {
	Text string `json:"text"`
}

type embedTextResponse struct {
	Embedding []float32 `json:"embedding"`
}

// EncodeImages embeds a batch of JPEG images. The result is index-aligned
// with the input: output[i] is the vector for images[i], and the batch either
// succeeds fully or fails with ErrEncoding. Batch size affects throughput
// only, never the vector values.
func (e *Encoder) EncodeImages(ctx context.Context, images [][]byte) ([][]float32, error) {
	if len(images) == 0 {
		return nil, nil
	}

	req := embedImagesRequest{Images: make([]string, len(images))}
	for i, img := range images {
		if len(img) == 0 {
			return nil, fmt.Errorf("%w: image %d is empty", ErrEncoding, i)
		}
		req.Images[i] = base64.StdEncoding.EncodeToString(img)
	}

	var resp embedImagesResponse
	if err := e.post(ctx, "/v1/embed/images", req, &resp); err != nil {
		return nil, err
	}

	if len(resp.Embeddings) != len(images) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d images", ErrEncoding, len(resp.Embeddings), len(images))
	}
	for i, vec := range resp.Embeddings {
		if len(vec) != e.dim {
			return nil, fmt.Errorf("%w: embedding %d has dimension %d, want %d", ErrEncoding, i, len(vec), e.dim)
		}
	}
	return resp.Embeddings, nil
}

// EncodeText embeds a query string into the shared image/text space.
func (e *Encoder) EncodeText(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty text", ErrEncoding)
	}

	var resp embedTextResponse
	if err := e.post(ctx, "/v1/embed/text", embedTextRequest{Text: text}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Embedding) != e.dim {
		return nil, fmt.Errorf("%w: text embedding has dimension %d, want %d", ErrEncoding, len(resp.Embedding), e.dim)
	}
	return resp.Embedding, nil
}

// IsRunning reports whether the encoder sidecar responds to its health endpoint.
func (e *Encoder) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/v1/health", nil)
	if err != nil {
		return false
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (e *Encoder) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling encoder: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: encoder returned status %d: %s", ErrEncoding, resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding encoder response: %v", ErrEncoding, err)
	}
	return nil
}
