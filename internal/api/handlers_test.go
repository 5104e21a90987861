package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/clipseek/clipseek/internal/blob"
	"github.com/clipseek/clipseek/internal/ingest"
	"github.com/clipseek/clipseek/internal/search"
	"github.com/clipseek/clipseek/internal/store"
)

type fakeSearch struct {
	moments []search.Moment
	got     search.Query
	err     error
}

func (f *fakeSearch) Search(_ context.Context, q search.Query) ([]search.Moment, error) {
	f.got = q
	if f.err != nil {
		return nil, f.err
	}
	return f.moments, nil
}

type testServer struct {
	handler http.Handler
	store   *store.SQLiteStore
	blobs   *blob.FSStore
	search  *fakeSearch
}

func newTestServer(t *testing.T, token string) *testServer {
	t.Helper()
	st, err := store.OpenSQLite(":memory:", 4)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	blobs, err := blob.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}

	fs := &fakeSearch{}
	h := NewHandler(Deps{
		Store:   st,
		Blobs:   blobs,
		Search:  fs,
		Tracker: ingest.NewTracker(),
		Token:   token,
	})
	return &testServer{handler: h, store: st, blobs: blobs, search: fs}
}

func multipartUpload(t *testing.T, userID string, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("user_id", userID); err != nil {
		t.Fatalf("writing user_id field: %v", err)
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("creating file part: %v", err)
	}
	if _, err := fw.Write(data); err != nil {
		t.Fatalf("writing file part: %v", err)
	}
	mw.Close()
	return &body, mw.FormDataContentType()
}

func (ts *testServer) upload(t *testing.T, userID uuid.UUID) string {
	t.Helper()
	body, contentType := multipartUpload(t, userID.String(), "clip.mp4", []byte("media-bytes"))
	req := httptest.NewRequest(http.MethodPost, "/v1/videos", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("upload status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding upload response: %v", err)
	}
	if resp.Status != "uploaded" {
		t.Fatalf("status = %q, want uploaded", resp.Status)
	}
	return resp.ID
}

func TestUploadAndGetVideo(t *testing.T) {
	ts := newTestServer(t, "")
	userID := uuid.New()
	id := ts.upload(t, userID)

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/v1/videos/%s?user_id=%s", id, userID), nil)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp videoResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding video: %v", err)
	}
	if resp.ID != id || resp.Status != "uploaded" {
		t.Errorf("video = %+v", resp)
	}

	// The uploaded media is readable through the stored record.
	v, err := ts.store.GetVideo(context.Background(), uuid.MustParse(id))
	if err != nil {
		t.Fatalf("GetVideo: %v", err)
	}
	data, err := ts.blobs.Open(context.Background(), v.URL)
	if err != nil {
		t.Fatalf("opening uploaded blob: %v", err)
	}
	if string(data) != "media-bytes" {
		t.Errorf("blob content = %q", data)
	}
}

func TestUploadValidation(t *testing.T) {
	ts := newTestServer(t, "")

	// Missing file part.
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	mw.WriteField("user_id", uuid.New().String())
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/v1/videos", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing file: status = %d, want 400", rec.Code)
	}

	// Bad user_id.
	b, contentType := multipartUpload(t, "not-a-uuid", "clip.mp4", []byte("x"))
	req = httptest.NewRequest(http.MethodPost, "/v1/videos", b)
	req.Header.Set("Content-Type", contentType)
	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad user_id: status = %d, want 400", rec.Code)
	}

	// Empty file.
	b, contentType = multipartUpload(t, uuid.New().String(), "clip.mp4", nil)
	req = httptest.NewRequest(http.MethodPost, "/v1/videos", b)
	req.Header.Set("Content-Type", contentType)
	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty file: status = %d, want 400", rec.Code)
	}
}

func TestGetVideoScopedToOwner(t *testing.T) {
	ts := newTestServer(t, "")
	id := ts.upload(t, uuid.New())

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/v1/videos/%s?user_id=%s", id, uuid.New()), nil)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("other user's video: status = %d, want 404", rec.Code)
	}
}

func TestListVideos(t *testing.T) {
	ts := newTestServer(t, "")
	userID := uuid.New()
	ts.upload(t, userID)
	ts.upload(t, userID)
	ts.upload(t, uuid.New())

	req := httptest.NewRequest(http.MethodGet, "/v1/videos?user_id="+userID.String(), nil)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}

	var resp struct {
		Videos []videoResponse `json:"videos"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding list: %v", err)
	}
	if len(resp.Videos) != 2 {
		t.Fatalf("got %d videos, want 2", len(resp.Videos))
	}
}

func TestDeleteVideo(t *testing.T) {
	ts := newTestServer(t, "")
	userID := uuid.New()
	id := ts.upload(t, userID)

	url := fmt.Sprintf("/v1/videos/%s?user_id=%s", id, userID)
	req := httptest.NewRequest(http.MethodDelete, url, nil)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d, body %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, url, nil)
	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete: status = %d, want 404", rec.Code)
	}
}

func TestSearchEndpoint(t *testing.T) {
	ts := newTestServer(t, "")
	videoID := uuid.New()
	ts.search.moments = []search.Moment{
		{VideoID: videoID, TimestampMS: 5000, StartMS: 4000, EndMS: 6000, Score: 0.92, Caption: "a dog on a beach", PreviewURL: "https://cdn/frame.jpg"},
	}

	body, _ := json.Marshal(map[string]any{
		"user_id": uuid.New().String(),
		"query":   "dog at the beach",
		"top_k":   5,
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/search", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("search status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Moments []momentResponse `json:"moments"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding search response: %v", err)
	}
	if len(resp.Moments) != 1 {
		t.Fatalf("got %d moments, want 1", len(resp.Moments))
	}
	m := resp.Moments[0]
	if m.VideoID != videoID.String() || m.TimestampMS != 5000 || m.StartMS != 4000 || m.Score != 0.92 {
		t.Errorf("moment = %+v", m)
	}
	if ts.search.got.TopK != 5 || ts.search.got.Text != "dog at the beach" {
		t.Errorf("engine query = %+v", ts.search.got)
	}
}

func TestSearchValidation(t *testing.T) {
	ts := newTestServer(t, "")
	cases := []struct {
		name string
		body string
	}{
		{"empty query", `{"user_id":"` + uuid.New().String() + `","query":""}`},
		{"bad user_id", `{"user_id":"nope","query":"dog"}`},
		{"bad video_id", `{"user_id":"` + uuid.New().String() + `","query":"dog","video_id":"nope"}`},
		{"malformed body", `{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/search", bytes.NewBufferString(tc.body))
			rec := httptest.NewRecorder()
			ts.handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestSearchStoreUnavailable(t *testing.T) {
	ts := newTestServer(t, "")
	ts.search.err = fmt.Errorf("recalling segments: %w", store.ErrStoreUnavailable)

	body := `{"user_id":"` + uuid.New().String() + `","query":"dog"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/search", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestBearerAuth(t *testing.T) {
	ts := newTestServer(t, "secret-token")

	req := httptest.NewRequest(http.MethodGet, "/v1/videos?user_id="+uuid.New().String(), nil)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", rec.Code)
	}

	req.Header.Set("Authorization", "Bearer secret-token")
	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("with token: status = %d, want 200", rec.Code)
	}

	// Health stays open for probes.
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("health: status = %d, want 200", rec.Code)
	}
}
