package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/clipseek/clipseek/internal/blob"
	"github.com/clipseek/clipseek/internal/media"
	"github.com/clipseek/clipseek/internal/store"
	"github.com/clipseek/clipseek/internal/vision"
)

// SegmentStore is the slice of the store the pipeline writes through.
type SegmentStore interface {
	GetVideo(ctx context.Context, id uuid.UUID) (*store.Video, error)
	ClaimVideo(ctx context.Context, id uuid.UUID) (bool, error)
	SetVideoMedia(ctx context.Context, id uuid.UUID, durationMS int64, width, height int, thumbnailURL string) error
	MarkVideoReady(ctx context.Context, id uuid.UUID) error
	MarkVideoError(ctx context.Context, id uuid.UUID, msg string) error
	InsertSegments(ctx context.Context, segments []store.Segment) error
	DeleteSegmentsByVideo(ctx context.Context, videoID uuid.UUID) error
}

// ImageEncoder turns JPEG frames into embedding vectors.
type ImageEncoder interface {
	EncodeImages(ctx context.Context, images [][]byte) ([][]float32, error)
}

// FrameCaptioner produces best-effort captions for JPEG frames.
type FrameCaptioner interface {
	Caption(ctx context.Context, images [][]byte) []vision.Caption
}

// FrameIter walks the sampled frames of one video in timestamp order.
type FrameIter interface {
	Len() int
	Next() (media.Frame, bool, error)
	Close() error
}

// FrameSource extracts frames from a local media file.
type FrameSource interface {
	Sample(ctx context.Context, path string, fps float64) (FrameIter, media.Info, error)
}

// SamplerSource adapts media.Sampler to the FrameSource interface.
type SamplerSource struct {
	Sampler *media.Sampler
}

func (s SamplerSource) Sample(ctx context.Context, path string, fps float64) (FrameIter, media.Info, error) {
	seq, err := s.Sampler.Sample(ctx, path, fps)
	if err != nil {
		return nil, media.Info{}, err
	}
	return seq, seq.Info, nil
}

// Pipeline processes one claimed video end to end: sample frames, encode and
// caption them in batches, persist frames and segments, then flip the video
// to ready. Segments stay invisible to search until the ready flip, so a
// crash or failure never leaks a half-ingested video.
type Pipeline struct {
	store     SegmentStore
	source    FrameSource
	encoder   ImageEncoder
	captioner FrameCaptioner // nil disables captions
	blobs     blob.Store
	fps       float64
	batchSize int
	spoolDir  string
	tracker   *Tracker
	logger    *slog.Logger
}

// Settings tunes the pipeline. FPS <= 0 defaults to 1, BatchSize <= 0 to 10.
// SpoolDir is where uploaded media gets staged for frame extraction; empty
// means the system temp dir.
type Settings struct {
	FPS       float64
	BatchSize int
	SpoolDir  string
}

// NewPipeline creates a Pipeline. captioner may be nil, which skips the
// caption pass (segments then carry embeddings only).
func NewPipeline(st SegmentStore, source FrameSource, encoder ImageEncoder, captioner FrameCaptioner, blobs blob.Store, settings Settings, tracker *Tracker) *Pipeline {
	if settings.FPS <= 0 {
		settings.FPS = 1
	}
	if settings.BatchSize <= 0 {
		settings.BatchSize = 10
	}
	return &Pipeline{
		store:     st,
		source:    source,
		encoder:   encoder,
		captioner: captioner,
		blobs:     blobs,
		fps:       settings.FPS,
		batchSize: settings.BatchSize,
		spoolDir:  settings.SpoolDir,
		tracker:   tracker,
		logger:    slog.Default(),
	}
}

// Run claims and processes the video. Returns nil when the video was handled,
// including handled failures that end in status error; a non-nil return means
// a transient fault (store unavailable, context cancelled) left the video
// claimable work for a retry.
func (p *Pipeline) Run(ctx context.Context, videoID uuid.UUID) error {
	claimed, err := p.store.ClaimVideo(ctx, videoID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("claiming video %s: %w", videoID, err)
	}
	if !claimed {
		// Another worker owns it, or it already finished.
		return nil
	}

	v, err := p.store.GetVideo(ctx, videoID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading video %s: %w", videoID, err)
	}

	if err := p.process(ctx, v); err != nil {
		if errors.Is(err, errVideoGone) || errors.Is(err, store.ErrNotFound) {
			// Deleted underneath us; nothing left to mark.
			return nil
		}
		if errors.Is(err, store.ErrStoreUnavailable) || ctx.Err() != nil {
			// Leave the video in processing; the janitor or a restart
			// requeues it rather than marking a transient fault terminal.
			return err
		}
		p.logger.Warn("ingestion failed", "video_id", v.ID, "error", err)
		p.rollback(v)
		if markErr := p.store.MarkVideoError(context.WithoutCancel(ctx), v.ID, err.Error()); markErr != nil {
			p.logger.Error("failed to mark video errored", "video_id", v.ID, "error", markErr)
		}
		return nil
	}

	if err := p.store.MarkVideoReady(ctx, v.ID); err != nil {
		return fmt.Errorf("marking video %s ready: %w", v.ID, err)
	}
	p.logger.Info("video ready", "video_id", v.ID)
	return nil
}

func (p *Pipeline) process(ctx context.Context, v *store.Video) error {
	defer p.tracker.Clear(v.ID)

	path, cleanup, err := p.materialize(ctx, v)
	if err != nil {
		return err
	}
	defer cleanup()

	frames, info, err := p.source.Sample(ctx, path, p.fps)
	if err != nil {
		return err
	}
	defer frames.Close()

	p.tracker.Start(v.ID, frames.Len())

	userID, videoID := v.UserID.String(), v.ID.String()
	batch := make([]media.Frame, 0, p.batchSize)
	first := true
	for {
		frame, ok, err := frames.Next()
		if err != nil {
			return fmt.Errorf("reading frame: %w", err)
		}
		if ok {
			if first {
				// The first frame doubles as the thumbnail, recorded along
				// with the probe results before any segments exist.
				thumbURL, err := p.blobs.Put(ctx, blob.ThumbnailKey(userID, videoID), frame.JPEG, "image/jpeg")
				if err != nil {
					return fmt.Errorf("storing thumbnail: %w", err)
				}
				if err := p.store.SetVideoMedia(ctx, v.ID, info.DurationMS, info.Width, info.Height, thumbURL); err != nil {
					return err
				}
				first = false
			}
			batch = append(batch, frame)
			if len(batch) < p.batchSize {
				continue
			}
		}
		if len(batch) == 0 {
			break
		}
		if err := p.processBatch(ctx, v, batch); err != nil {
			return err
		}
		p.tracker.Advance(v.ID, len(batch))
		batch = batch[:0]
		if !ok {
			break
		}
	}
	return nil
}

// errVideoGone signals that the owning video was deleted mid-ingestion and
// the remaining work should be discarded without marking anything.
var errVideoGone = errors.New("video deleted during ingestion")

// processBatch encodes, captions, and persists one batch of frames. The
// caption pass is best effort; the encode pass is not.
func (p *Pipeline) processBatch(ctx context.Context, v *store.Video, batch []media.Frame) error {
	images := make([][]byte, len(batch))
	for i, f := range batch {
		images[i] = f.JPEG
	}

	vectors, err := p.encoder.EncodeImages(ctx, images)
	if err != nil {
		return fmt.Errorf("encoding %d frames: %w", len(batch), err)
	}

	var captions []vision.Caption
	if p.captioner != nil {
		captions = p.captioner.Caption(ctx, images)
	}

	userID, videoID := v.UserID.String(), v.ID.String()
	segments := make([]store.Segment, len(batch))
	for i, f := range batch {
		frameURL, err := p.blobs.Put(ctx, blob.FrameKey(userID, videoID, f.TimestampMS), f.JPEG, "image/jpeg")
		if err != nil {
			return fmt.Errorf("storing frame at %dms: %w", f.TimestampMS, err)
		}
		seg := store.Segment{
			ID:        uuid.New(),
			VideoID:   v.ID,
			StartMS:   f.TimestampMS,
			EndMS:     f.TimestampMS,
			Modality:  store.ModalityVision,
			FrameURL:  frameURL,
			Embedding: vectors[i],
			CreatedAt: time.Now().UTC(),
		}
		if captions != nil && captions[i].OK {
			seg.Caption = captions[i].Text
			seg.CaptionModel = captions[i].Model
			seg.HasCaption = true
		}
		segments[i] = seg
	}

	err = p.store.InsertSegments(ctx, segments)
	if errors.Is(err, store.ErrNotFound) {
		// The video was deleted mid-ingestion. Drop the orphaned blobs and
		// stop quietly.
		p.logger.Info("video deleted during ingestion, discarding work", "video_id", v.ID)
		if cleanErr := p.blobs.DeletePrefix(context.WithoutCancel(ctx), blob.VideoPrefix(userID, videoID)); cleanErr != nil {
			p.logger.Warn("orphaned blob cleanup failed", "video_id", v.ID, "error", cleanErr)
		}
		return errVideoGone
	}
	if err != nil {
		return fmt.Errorf("inserting %d segments: %w", len(segments), err)
	}
	return nil
}

// materialize stages the uploaded media as a local file for ffmpeg.
func (p *Pipeline) materialize(ctx context.Context, v *store.Video) (string, func(), error) {
	data, err := p.blobs.Open(ctx, v.URL)
	if err != nil {
		return "", nil, fmt.Errorf("opening uploaded media: %w", err)
	}
	f, err := os.CreateTemp(p.spoolDir, "clipseek-media-")
	if err != nil {
		return "", nil, fmt.Errorf("staging media: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", nil, fmt.Errorf("staging media: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", nil, fmt.Errorf("staging media: %w", err)
	}
	return f.Name(), func() { os.Remove(f.Name()) }, nil
}

// rollback deletes any segments and frame blobs written before a failure so
// an errored video holds no partial results.
func (p *Pipeline) rollback(v *store.Video) {
	ctx := context.Background()
	if err := p.store.DeleteSegmentsByVideo(ctx, v.ID); err != nil {
		p.logger.Error("rollback: deleting segments failed", "video_id", v.ID, "error", err)
	}
	if err := p.blobs.DeletePrefix(ctx, blob.FramePrefix(v.UserID.String(), v.ID.String())); err != nil {
		p.logger.Warn("rollback: deleting frame blobs failed", "video_id", v.ID, "error", err)
	}
}
