package vision

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestEncoder(t *testing.T, handler http.HandlerFunc, dim int) *Encoder {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewEncoder(srv.URL, dim)
}

func embedImagesHandler(t *testing.T, dim int) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embed/images" {
			http.NotFound(w, r)
			return
		}
		var req embedImagesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		resp := embedImagesResponse{Embeddings: make([][]float32, len(req.Images))}
		for i := range req.Images {
			vec := make([]float32, dim)
			vec[0] = float32(i + 1)
			resp.Embeddings[i] = vec
		}
		json.NewEncoder(w).Encode(resp)
	}
}

func TestEncodeImages(t *testing.T) {
	enc := newTestEncoder(t, embedImagesHandler(t, 4), 4)

	vecs, err := enc.EncodeImages(context.Background(), [][]byte{[]byte("a"), []byte("b"), []byte("c")})
	if err != nil {
		t.Fatalf("EncodeImages: %v", err)
	}
	if len(vecs) != 3 {
		t.Fatalf("got %d vectors, want 3", len(vecs))
	}
	for i, v := range vecs {
		if len(v) != 4 {
			t.Errorf("vector %d has dim %d, want 4", i, len(v))
		}
		if v[0] != float32(i+1) {
			t.Errorf("vector %d not index-aligned: v[0] = %v, want %v", i, v[0], float32(i+1))
		}
	}
}

func TestEncodeImagesEmptyBatch(t *testing.T) {
	enc := newTestEncoder(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("server should not be called for an empty batch")
	}, 4)

	vecs, err := enc.EncodeImages(context.Background(), nil)
	if err != nil {
		t.Fatalf("EncodeImages(nil): %v", err)
	}
	if vecs != nil {
		t.Errorf("got %v, want nil", vecs)
	}
}

func TestEncodeImagesEmptyImage(t *testing.T) {
	enc := newTestEncoder(t, embedImagesHandler(t, 4), 4)

	_, err := enc.EncodeImages(context.Background(), [][]byte{[]byte("a"), nil})
	if !errors.Is(err, ErrEncoding) {
		t.Fatalf("error = %v, want ErrEncoding", err)
	}
}

func TestEncodeImagesLengthMismatch(t *testing.T) {
	enc := newTestEncoder(t, func(w http.ResponseWriter, r *http.Request) {
		// One embedding for two images: a silently dropped input.
		json.NewEncoder(w).Encode(embedImagesResponse{Embeddings: [][]float32{{1, 2, 3, 4}}})
	}, 4)

	_, err := enc.EncodeImages(context.Background(), [][]byte{[]byte("a"), []byte("b")})
	if !errors.Is(err, ErrEncoding) {
		t.Fatalf("error = %v, want ErrEncoding", err)
	}
}

func TestEncodeImagesDimensionMismatch(t *testing.T) {
	enc := newTestEncoder(t, embedImagesHandler(t, 8), 4)

	_, err := enc.EncodeImages(context.Background(), [][]byte{[]byte("a")})
	if !errors.Is(err, ErrEncoding) {
		t.Fatalf("error = %v, want ErrEncoding", err)
	}
}

func TestEncodeImagesServerError(t *testing.T) {
	enc := newTestEncoder(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "malformed image", http.StatusUnprocessableEntity)
	}, 4)

	_, err := enc.EncodeImages(context.Background(), [][]byte{[]byte("bad")})
	if !errors.Is(err, ErrEncoding) {
		t.Fatalf("error = %v, want ErrEncoding", err)
	}
}

func TestEncodeText(t *testing.T) {
	enc := newTestEncoder(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embed/text" {
			http.NotFound(w, r)
			return
		}
		var req embedTextRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Text != "a dog in the snow" {
			t.Errorf("Text = %q, want %q", req.Text, "a dog in the snow")
		}
		json.NewEncoder(w).Encode(embedTextResponse{Embedding: []float32{0.1, 0.2, 0.3, 0.4}})
	}, 4)

	vec, err := enc.EncodeText(context.Background(), "a dog in the snow")
	if err != nil {
		t.Fatalf("EncodeText: %v", err)
	}
	if len(vec) != 4 {
		t.Errorf("dim = %d, want 4", len(vec))
	}
}

func TestEncodeTextEmpty(t *testing.T) {
	enc := newTestEncoder(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("server should not be called for empty text")
	}, 4)

	_, err := enc.EncodeText(context.Background(), "   ")
	if !errors.Is(err, ErrEncoding) {
		t.Fatalf("error = %v, want ErrEncoding", err)
	}
}

func TestIsRunning(t *testing.T) {
	enc := newTestEncoder(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, r)
	}, 4)

	if !enc.IsRunning(context.Background()) {
		t.Error("IsRunning = false, want true")
	}

	down := NewEncoder("http://127.0.0.1:1", 4)
	if down.IsRunning(context.Background()) {
		t.Error("IsRunning = true for unreachable encoder")
	}
}
