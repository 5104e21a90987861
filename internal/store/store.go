package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrDimensionMismatch is returned when a segment's embedding does not match
// the store's configured dimension.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// ErrStoreUnavailable is returned when a pooled connection cannot be
// acquired within the bounded wait. Callers should retry rather than treat
// the operation as permanently failed.
var ErrStoreUnavailable = errors.New("store unavailable")

// Status is a video's position in the ingestion lifecycle.
type Status string

const (
	StatusUploaded   Status = "uploaded"
	StatusProcessing Status = "processing"
	StatusReady      Status = "ready"
	StatusError      Status = "error"
)

// Video is one uploaded video and its ingestion state. A video becomes
// visible to search only in status ready; it is immutable once ready except
// for deletion.
type Video struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	URL          string
	ThumbnailURL string
	DurationMS   int64
	Width        int
	Height       int
	Status       Status
	ErrorMsg     string
	CreatedAt    time.Time
}

// Segment is one time-indexed visual fingerprint of a video: a point sample
// (t_end == t_start for the vision modality), its embedding, and an optional
// caption. Segments are written once during ingestion and never mutated.
type Segment struct {
	ID           uuid.UUID
	VideoID      uuid.UUID
	StartMS      int64
	EndMS        int64
	Modality     string
	FrameURL     string
	Embedding    []float32
	Caption      string
	CaptionModel string
	HasCaption   bool
	CreatedAt    time.Time
}

// ModalityVision is the only modality written by the current pipeline.
// The column exists so future audio/text segments can share the table.
const ModalityVision = "vision"

// ScoredSegment is a Segment with its cosine similarity to a query vector.
// Nearest results omit the stored embedding.
type ScoredSegment struct {
	Segment
	Score float64
}

// Store persists videos and their segments and answers scoped
// nearest-neighbor queries over segment embeddings. Implementations:
// PostgresStore (pgvector ANN) and SQLiteStore (exact scan, local mode).
type Store interface {
	CreateVideo(ctx context.Context, v *Video) error
	GetVideo(ctx context.Context, id uuid.UUID) (*Video, error)
	ListVideos(ctx context.Context, userID uuid.UUID, limit int) ([]*Video, error)

	// NextUploaded returns the oldest video still in uploaded, or nil when
	// the backlog is empty. Workers race on the subsequent ClaimVideo.
	NextUploaded(ctx context.Context) (*Video, error)

	// ClaimVideo atomically moves a video from uploaded to processing.
	// Returns true if this call won the claim; false (no error) when the
	// video is already processing or terminal, so duplicate triggers no-op.
	ClaimVideo(ctx context.Context, id uuid.UUID) (bool, error)

	// SetVideoMedia records duration, dimensions and thumbnail as soon as
	// probing succeeds, before any segments exist.
	SetVideoMedia(ctx context.Context, id uuid.UUID, durationMS int64, width, height int, thumbnailURL string) error

	// MarkVideoReady moves processing → ready. A no-op when the video was
	// deleted mid-job.
	MarkVideoReady(ctx context.Context, id uuid.UUID) error

	// MarkVideoError moves a non-terminal video to error with a message.
	MarkVideoError(ctx context.Context, id uuid.UUID, msg string) error

	// DeleteVideo removes the video and cascades to its segments.
	DeleteVideo(ctx context.Context, id uuid.UUID) error

	// InsertSegments writes one batch of segments. Every embedding must have
	// the store's configured dimension (ErrDimensionMismatch otherwise); a
	// missing owning video yields ErrNotFound so that writes racing a delete
	// are discarded rather than resurrecting the video.
	InsertSegments(ctx context.Context, segments []Segment) error

	DeleteSegmentsByVideo(ctx context.Context, videoID uuid.UUID) error

	// Nearest returns the k segments most cosine-similar to vec among the
	// ready videos of userID, optionally narrowed to one video. Results are
	// ordered by score descending, ties broken by earlier start time.
	Nearest(ctx context.Context, vec []float32, userID uuid.UUID, videoID *uuid.UUID, k int) ([]ScoredSegment, error)

	CountSegments(ctx context.Context, videoID uuid.UUID) (int, error)

	Close() error
}
