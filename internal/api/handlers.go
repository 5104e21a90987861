package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/clipseek/clipseek/internal/blob"
	"github.com/clipseek/clipseek/internal/ingest"
	"github.com/clipseek/clipseek/internal/search"
	"github.com/clipseek/clipseek/internal/store"
)

const maxUploadSize = 500 << 20 // 500MB
const maxRequestBodySize = 1 << 20

// VideoStore is the slice of the store the API layer reads and writes.
type VideoStore interface {
	CreateVideo(ctx context.Context, v *store.Video) error
	GetVideo(ctx context.Context, id uuid.UUID) (*store.Video, error)
	ListVideos(ctx context.Context, userID uuid.UUID, limit int) ([]*store.Video, error)
	DeleteVideo(ctx context.Context, id uuid.UUID) error
	CountSegments(ctx context.Context, videoID uuid.UUID) (int, error)
}

// MomentSearcher runs moment queries.
type MomentSearcher interface {
	Search(ctx context.Context, q search.Query) ([]search.Moment, error)
}

type Deps struct {
	Store   VideoStore
	Blobs   blob.Store
	Search  MomentSearcher
	Tracker *ingest.Tracker // optional; nil hides progress
	Token   string
}

// NewHandler builds the REST surface. /health stays outside auth so probes
// work without credentials.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Post("/v1/videos", handleUpload(deps))
		r.Get("/v1/videos", handleListVideos(deps))
		r.Get("/v1/videos/{id}", handleGetVideo(deps))
		r.Delete("/v1/videos/{id}", handleDeleteVideo(deps))
		r.Post("/v1/search", handleSearch(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type videoResponse struct {
	ID           string           `json:"id"`
	UserID       string           `json:"user_id"`
	ThumbnailURL string           `json:"thumbnail_url,omitempty"`
	DurationMS   int64            `json:"duration_ms"`
	Width        int              `json:"width"`
	Height       int              `json:"height"`
	Status       string           `json:"status"`
	Error        string           `json:"error,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	Segments     int              `json:"segments,omitempty"`
	Progress     *ingest.Progress `json:"progress,omitempty"`
}

func (d Deps) videoResponse(v *store.Video) videoResponse {
	resp := videoResponse{
		ID:         v.ID.String(),
		UserID:     v.UserID.String(),
		DurationMS: v.DurationMS,
		Width:      v.Width,
		Height:     v.Height,
		Status:     string(v.Status),
		Error:      v.ErrorMsg,
		CreatedAt:  v.CreatedAt,
	}
	if v.ThumbnailURL != "" {
		if url, err := d.Blobs.ResolveURL(v.ThumbnailURL, time.Hour); err == nil {
			resp.ThumbnailURL = url
		}
	}
	return resp
}

func handleUpload(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
		defer r.Body.Close()

		if err := r.ParseMultipartForm(32 << 20); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart form: %v", err)
			return
		}

		userID, err := uuid.Parse(r.FormValue("user_id"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id must be a UUID")
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "file is required")
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading upload: %v", err)
			return
		}
		if len(data) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "uploaded file is empty")
			return
		}

		v := &store.Video{
			ID:     uuid.New(),
			UserID: userID,
			Status: store.StatusUploaded,
		}

		key := blob.VideoKey(userID.String(), v.ID.String(), header.Filename)
		contentType := header.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "video/mp4"
		}
		loc, err := deps.Blobs.Put(r.Context(), key, data, contentType)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "storing upload: %v", err)
			return
		}
		v.URL = loc

		if err := deps.Store.CreateVideo(r.Context(), v); err != nil {
			deps.Blobs.DeletePrefix(r.Context(), blob.VideoPrefix(userID.String(), v.ID.String()))
			storeError(w, err, "creating video")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(deps.videoResponse(v))
	}
}

func handleListVideos(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := uuid.Parse(r.URL.Query().Get("user_id"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id must be a UUID")
			return
		}
		limit := parseIntParam(r, "limit", 50, 200)

		videos, err := deps.Store.ListVideos(r.Context(), userID, limit)
		if err != nil {
			storeError(w, err, "listing videos")
			return
		}

		out := make([]videoResponse, 0, len(videos))
		for _, v := range videos {
			out = append(out, deps.videoResponse(v))
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"videos": out})
	}
}

// loadOwnedVideo fetches the video and enforces user scoping: a video owned
// by someone else is indistinguishable from a missing one.
func loadOwnedVideo(deps Deps, w http.ResponseWriter, r *http.Request) *store.Video {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "video id must be a UUID")
		return nil
	}
	userID, err := uuid.Parse(r.URL.Query().Get("user_id"))
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id must be a UUID")
		return nil
	}

	v, err := deps.Store.GetVideo(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && v.UserID != userID) {
		httpError(w, http.StatusNotFound, "not_found", "video not found")
		return nil
	}
	if err != nil {
		storeError(w, err, "loading video")
		return nil
	}
	return v
}

func handleGetVideo(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v := loadOwnedVideo(deps, w, r)
		if v == nil {
			return
		}

		resp := deps.videoResponse(v)
		if v.Status == store.StatusReady {
			if n, err := deps.Store.CountSegments(r.Context(), v.ID); err == nil {
				resp.Segments = n
			}
		}
		if v.Status == store.StatusProcessing {
			if p, ok := deps.Tracker.Progress(v.ID); ok {
				resp.Progress = &p
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func handleDeleteVideo(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v := loadOwnedVideo(deps, w, r)
		if v == nil {
			return
		}

		if err := deps.Store.DeleteVideo(r.Context(), v.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			storeError(w, err, "deleting video")
			return
		}
		if err := deps.Blobs.DeletePrefix(r.Context(), blob.VideoPrefix(v.UserID.String(), v.ID.String())); err != nil {
			// The record is gone; orphaned blobs are only a space leak.
			httpError(w, http.StatusInternalServerError, "api_error", "deleting media: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
	}
}

type searchRequest struct {
	UserID            string   `json:"user_id"`
	Query             string   `json:"query"`
	TopK              int      `json:"top_k"`
	MinScore          float64  `json:"min_score"`
	SemanticThreshold *float64 `json:"semantic_threshold"`
	VideoID           string   `json:"video_id"`
}

type momentResponse struct {
	VideoID     string  `json:"video_id"`
	TimestampMS int64   `json:"timestamp_ms"`
	StartMS     int64   `json:"start_ms"`
	EndMS       int64   `json:"end_ms"`
	Score       float64 `json:"score"`
	Caption     string  `json:"caption,omitempty"`
	PreviewURL  string  `json:"preview_url,omitempty"`
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req searchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "query is required")
			return
		}
		userID, err := uuid.Parse(req.UserID)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id must be a UUID")
			return
		}

		q := search.Query{
			UserID:            userID,
			Text:              req.Query,
			TopK:              req.TopK,
			MinScore:          req.MinScore,
			SemanticThreshold: req.SemanticThreshold,
		}
		if req.VideoID != "" {
			videoID, err := uuid.Parse(req.VideoID)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "video_id must be a UUID")
				return
			}
			q.VideoID = &videoID
		}

		moments, err := deps.Search.Search(r.Context(), q)
		if err != nil {
			storeError(w, err, "searching")
			return
		}

		out := make([]momentResponse, 0, len(moments))
		for _, m := range moments {
			out = append(out, momentResponse{
				VideoID:     m.VideoID.String(),
				TimestampMS: m.TimestampMS,
				StartMS:     m.StartMS,
				EndMS:       m.EndMS,
				Score:       m.Score,
				Caption:     m.Caption,
				PreviewURL:  m.PreviewURL,
			})
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"moments": out})
	}
}

// storeError maps store failures to HTTP responses; ErrStoreUnavailable
// becomes 503 so clients know to retry.
func storeError(w http.ResponseWriter, err error, action string) {
	if errors.Is(err, store.ErrStoreUnavailable) {
		httpError(w, http.StatusServiceUnavailable, "overloaded_error", "%s: %v", action, err)
		return
	}
	httpError(w, http.StatusInternalServerError, "api_error", "%s: %v", action, err)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
