package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/clipseek/clipseek/internal/blob"
	"github.com/clipseek/clipseek/internal/media"
	"github.com/clipseek/clipseek/internal/store"
	"github.com/clipseek/clipseek/internal/vision"
)

// fakeStore is an in-memory SegmentStore that records pipeline writes and
// can inject failures per insert call.
type fakeStore struct {
	mu              sync.Mutex
	video           *store.Video
	segments        []store.Segment
	mediaSet        bool
	deletedSegments bool
	insertCalls     int
	insertErrs      map[int]error // 1-based call index -> injected error
}

func newFakeStore(v *store.Video) *fakeStore {
	return &fakeStore{video: v, insertErrs: map[int]error{}}
}

func (f *fakeStore) GetVideo(_ context.Context, id uuid.UUID) (*store.Video, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.video == nil || f.video.ID != id {
		return nil, store.ErrNotFound
	}
	v := *f.video
	return &v, nil
}

func (f *fakeStore) ClaimVideo(_ context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.video == nil || f.video.ID != id {
		return false, store.ErrNotFound
	}
	if f.video.Status != store.StatusUploaded {
		return false, nil
	}
	f.video.Status = store.StatusProcessing
	return true, nil
}

func (f *fakeStore) SetVideoMedia(_ context.Context, id uuid.UUID, durationMS int64, width, height int, thumbnailURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.video.DurationMS = durationMS
	f.video.Width = width
	f.video.Height = height
	f.video.ThumbnailURL = thumbnailURL
	f.mediaSet = true
	return nil
}

func (f *fakeStore) MarkVideoReady(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.video.Status == store.StatusProcessing {
		f.video.Status = store.StatusReady
	}
	return nil
}

func (f *fakeStore) MarkVideoError(_ context.Context, id uuid.UUID, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.video.Status == store.StatusProcessing || f.video.Status == store.StatusUploaded {
		f.video.Status = store.StatusError
		f.video.ErrorMsg = msg
	}
	return nil
}

func (f *fakeStore) InsertSegments(_ context.Context, segments []store.Segment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.insertCalls++
	if err, ok := f.insertErrs[f.insertCalls]; ok {
		return err
	}
	f.segments = append(f.segments, segments...)
	return nil
}

func (f *fakeStore) DeleteSegmentsByVideo(_ context.Context, videoID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.segments = nil
	f.deletedSegments = true
	return nil
}

// fakeSource serves a fixed frame slice, or fails with err.
type fakeSource struct {
	frames []media.Frame
	info   media.Info
	err    error
}

func (s *fakeSource) Sample(context.Context, string, float64) (FrameIter, media.Info, error) {
	if s.err != nil {
		return nil, media.Info{}, s.err
	}
	return &sliceIter{frames: s.frames}, s.info, nil
}

type sliceIter struct {
	frames []media.Frame
	idx    int
}

func (it *sliceIter) Len() int { return len(it.frames) }
func (it *sliceIter) Next() (media.Frame, bool, error) {
	if it.idx >= len(it.frames) {
		return media.Frame{}, false, nil
	}
	f := it.frames[it.idx]
	it.idx++
	return f, true, nil
}
func (it *sliceIter) Close() error { return nil }

// fakeEncoder emits fixed-width vectors, optionally failing on call N.
type fakeEncoder struct {
	calls      int
	failOnCall int // 1-based, 0 = never
}

func (e *fakeEncoder) EncodeImages(_ context.Context, images [][]byte) ([][]float32, error) {
	e.calls++
	if e.failOnCall != 0 && e.calls == e.failOnCall {
		return nil, fmt.Errorf("%w: encoder offline", vision.ErrEncoding)
	}
	out := make([][]float32, len(images))
	for i := range images {
		out[i] = []float32{1, 0, 0, 0}
	}
	return out, nil
}

type fakeCaptioner struct{}

func (fakeCaptioner) Caption(_ context.Context, images [][]byte) []vision.Caption {
	out := make([]vision.Caption, len(images))
	for i := range images {
		// Every other frame fails its caption, as a flaky model would.
		if i%2 == 0 {
			out[i] = vision.Caption{Text: fmt.Sprintf("caption %d", i), Model: "test-model", OK: true}
		}
	}
	return out
}

func testFrames(n int) []media.Frame {
	frames := make([]media.Frame, n)
	for i := range frames {
		frames[i] = media.Frame{TimestampMS: int64(i * 1000), JPEG: []byte(fmt.Sprintf("jpeg-%d", i))}
	}
	return frames
}

type pipelineFixture struct {
	video   *store.Video
	store   *fakeStore
	source  *fakeSource
	encoder *fakeEncoder
	blobs   *blob.FSStore
	tracker *Tracker
}

func newFixture(t *testing.T, frameCount int) *pipelineFixture {
	t.Helper()
	blobs, err := blob.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}

	v := &store.Video{ID: uuid.New(), UserID: uuid.New(), Status: store.StatusUploaded}
	loc, err := blobs.Put(context.Background(),
		blob.VideoKey(v.UserID.String(), v.ID.String(), "clip.mp4"), []byte("media-bytes"), "video/mp4")
	if err != nil {
		t.Fatalf("staging media blob: %v", err)
	}
	v.URL = loc

	return &pipelineFixture{
		video: v,
		store: newFakeStore(v),
		source: &fakeSource{
			frames: testFrames(frameCount),
			info:   media.Info{DurationMS: int64(frameCount) * 1000, Width: 640, Height: 480},
		},
		encoder: &fakeEncoder{},
		blobs:   blobs,
		tracker: NewTracker(),
	}
}

func (fx *pipelineFixture) pipeline(captioner FrameCaptioner) *Pipeline {
	return NewPipeline(fx.store, fx.source, fx.encoder, captioner, fx.blobs, Settings{FPS: 1, BatchSize: 10}, fx.tracker)
}

func TestPipelineSuccess(t *testing.T) {
	fx := newFixture(t, 25)
	p := fx.pipeline(fakeCaptioner{})

	if err := p.Run(context.Background(), fx.video.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if fx.store.video.Status != store.StatusReady {
		t.Fatalf("status = %q, want ready", fx.store.video.Status)
	}
	if len(fx.store.segments) != 25 {
		t.Fatalf("segments = %d, want 25", len(fx.store.segments))
	}
	if fx.store.insertCalls != 3 {
		t.Errorf("insert calls = %d, want 3 (batches of 10/10/5)", fx.store.insertCalls)
	}
	if !fx.store.mediaSet || fx.store.video.DurationMS != 25000 {
		t.Errorf("media not recorded: set=%v duration=%d", fx.store.mediaSet, fx.store.video.DurationMS)
	}
	if fx.store.video.ThumbnailURL == "" {
		t.Error("thumbnail not recorded")
	}

	// Captions from the flaky captioner land on even frames only.
	for i, seg := range fx.store.segments {
		if seg.StartMS != int64(i)*1000 || seg.EndMS != seg.StartMS {
			t.Errorf("segment %d spans (%d, %d)", i, seg.StartMS, seg.EndMS)
		}
		wantCaption := (i % 10 % 2) == 0
		if seg.HasCaption != wantCaption {
			t.Errorf("segment %d HasCaption = %v, want %v", i, seg.HasCaption, wantCaption)
		}
		if seg.FrameURL == "" {
			t.Errorf("segment %d has no frame locator", i)
		}
	}

	// Frame blobs are readable through their locators.
	if _, err := fx.blobs.Open(context.Background(), fx.store.segments[0].FrameURL); err != nil {
		t.Errorf("opening frame blob: %v", err)
	}

	if _, active := fx.tracker.Progress(fx.video.ID); active {
		t.Error("tracker entry not cleared after completion")
	}
}

func TestPipelineNoCaptioner(t *testing.T) {
	fx := newFixture(t, 3)
	p := fx.pipeline(nil)

	if err := p.Run(context.Background(), fx.video.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if fx.store.video.Status != store.StatusReady {
		t.Fatalf("status = %q, want ready", fx.store.video.Status)
	}
	for i, seg := range fx.store.segments {
		if seg.HasCaption {
			t.Errorf("segment %d has caption with captioning disabled", i)
		}
	}
}

func TestPipelineUnreadableMedia(t *testing.T) {
	fx := newFixture(t, 0)
	fx.source.err = fmt.Errorf("%w: no video stream", media.ErrUnreadableMedia)
	p := fx.pipeline(nil)

	if err := p.Run(context.Background(), fx.video.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if fx.store.video.Status != store.StatusError {
		t.Fatalf("status = %q, want error", fx.store.video.Status)
	}
	if !strings.Contains(fx.store.video.ErrorMsg, "no video stream") {
		t.Errorf("error_msg = %q", fx.store.video.ErrorMsg)
	}
	if len(fx.store.segments) != 0 {
		t.Errorf("errored video holds %d segments", len(fx.store.segments))
	}
}

func TestPipelineEncoderFailureRollsBack(t *testing.T) {
	fx := newFixture(t, 25)
	fx.encoder.failOnCall = 2
	p := fx.pipeline(nil)

	if err := p.Run(context.Background(), fx.video.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if fx.store.video.Status != store.StatusError {
		t.Fatalf("status = %q, want error", fx.store.video.Status)
	}
	if !fx.store.deletedSegments {
		t.Error("partial segments not rolled back")
	}
	if len(fx.store.segments) != 0 {
		t.Errorf("errored video holds %d segments", len(fx.store.segments))
	}
}

func TestPipelineVideoDeletedMidIngestion(t *testing.T) {
	fx := newFixture(t, 25)
	fx.store.insertErrs[2] = store.ErrNotFound
	p := fx.pipeline(nil)

	if err := p.Run(context.Background(), fx.video.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// The delete won the race: no terminal mark, no further inserts.
	if fx.store.video.Status == store.StatusError {
		t.Error("deleted video marked errored")
	}
	if fx.store.insertCalls != 2 {
		t.Errorf("insert calls = %d, want 2 (stop after the miss)", fx.store.insertCalls)
	}
}

func TestPipelineStoreUnavailable(t *testing.T) {
	fx := newFixture(t, 5)
	fx.store.insertErrs[1] = store.ErrStoreUnavailable
	p := fx.pipeline(nil)

	err := p.Run(context.Background(), fx.video.ID)
	if !errors.Is(err, store.ErrStoreUnavailable) {
		t.Fatalf("err = %v, want ErrStoreUnavailable", err)
	}
	// Transient fault: the video stays in processing for a retry.
	if fx.store.video.Status != store.StatusProcessing {
		t.Errorf("status = %q, want processing", fx.store.video.Status)
	}
}

func TestPipelineSkipsClaimedVideo(t *testing.T) {
	fx := newFixture(t, 5)
	fx.video.Status = store.StatusProcessing
	p := fx.pipeline(nil)

	if err := p.Run(context.Background(), fx.video.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if fx.encoder.calls != 0 {
		t.Errorf("encoder called %d times for a claimed video", fx.encoder.calls)
	}
}

func TestPipelineMissingVideo(t *testing.T) {
	fx := newFixture(t, 5)
	p := fx.pipeline(nil)

	if err := p.Run(context.Background(), uuid.New()); err != nil {
		t.Fatalf("Run on missing video: %v", err)
	}
}

func TestTrackerProgress(t *testing.T) {
	tr := NewTracker()
	id := uuid.New()

	if _, ok := tr.Progress(id); ok {
		t.Fatal("progress reported for unknown video")
	}

	tr.Start(id, 25)
	tr.Advance(id, 10)
	tr.Advance(id, 10)
	p, ok := tr.Progress(id)
	if !ok || p.Done != 20 || p.Total != 25 {
		t.Fatalf("progress = (%v, %+v), want 20/25", ok, p)
	}

	tr.Clear(id)
	if _, ok := tr.Progress(id); ok {
		t.Fatal("progress survives Clear")
	}

	// A nil tracker is inert.
	var nilTracker *Tracker
	nilTracker.Start(id, 1)
	nilTracker.Advance(id, 1)
	nilTracker.Clear(id)
}
