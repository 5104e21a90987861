package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/clipseek/clipseek/internal/store"
	"github.com/clipseek/clipseek/internal/vision"
)

const scoringConcurrency = 3

// TextEncoder embeds a query into the frame embedding space.
type TextEncoder interface {
	EncodeText(ctx context.Context, text string) ([]float32, error)
}

// SegmentSearcher answers the recall stage.
type SegmentSearcher interface {
	Nearest(ctx context.Context, vec []float32, userID uuid.UUID, videoID *uuid.UUID, k int) ([]store.ScoredSegment, error)
}

// SemanticScorer grades how well a caption answers the query, 0 to 1.
type SemanticScorer interface {
	Score(ctx context.Context, query, caption string) (float64, error)
}

// PreviewResolver maps stored frame locators to client-facing URLs.
type PreviewResolver interface {
	ResolveURL(locator string, ttl time.Duration) (string, error)
}

// Query is one moment search request. Zero TopK falls back to the engine
// default; a nil SemanticThreshold likewise.
type Query struct {
	UserID            uuid.UUID
	Text              string
	TopK              int
	MinScore          float64
	SemanticThreshold *float64
	VideoID           *uuid.UUID
}

// Moment is a temporally grouped search hit: a contiguous run of matching
// segments within one video, represented by its best segment. TimestampMS,
// Caption, and PreviewURL all come from the highest-scoring segment in the
// run; StartMS/EndMS carry the full span the run covers.
type Moment struct {
	VideoID     uuid.UUID
	TimestampMS int64
	StartMS     int64
	EndMS       int64
	Score       float64
	Caption     string
	PreviewURL  string
}

// Options carries the engine defaults; zero values fall back to the noted
// per-field defaults.
type Options struct {
	TopK              int           // 10
	MinScore          float64       // 0, recall similarity floor
	SemanticThreshold float64       // 0.49
	GroupWindowMS     int64         // 2000
	Stage2Timeout     time.Duration // 10s
	PreviewTTL        time.Duration // 1h
}

// Engine runs the two-stage retrieval: embedding recall over segment vectors,
// then LLM semantic re-scoring of captioned candidates, then temporal
// grouping into moments. A nil scorer disables the second stage; the engine
// then ranks on recall similarity alone.
type Engine struct {
	encoder  TextEncoder
	searcher SegmentSearcher
	scorer   SemanticScorer
	resolver PreviewResolver
	opts     Options
	logger   *slog.Logger
}

func NewEngine(encoder TextEncoder, searcher SegmentSearcher, scorer SemanticScorer, resolver PreviewResolver, opts Options) *Engine {
	if opts.TopK <= 0 {
		opts.TopK = 10
	}
	if opts.SemanticThreshold == 0 {
		opts.SemanticThreshold = 0.49
	}
	if opts.GroupWindowMS <= 0 {
		opts.GroupWindowMS = 2000
	}
	if opts.Stage2Timeout <= 0 {
		opts.Stage2Timeout = 10 * time.Second
	}
	if opts.PreviewTTL <= 0 {
		opts.PreviewTTL = time.Hour
	}
	return &Engine{
		encoder:  encoder,
		searcher: searcher,
		scorer:   scorer,
		resolver: resolver,
		opts:     opts,
		logger:   slog.Default(),
	}
}

// candidate tracks one recalled segment and its current ranking score: the
// cosine similarity from stage 1, replaced by the semantic grade for
// captioned candidates once stage 2 delivers.
type candidate struct {
	seg   store.ScoredSegment
	score float64
}

// Search returns the top moments matching the query, best first.
func (e *Engine) Search(ctx context.Context, q Query) ([]Moment, error) {
	topK := q.TopK
	if topK <= 0 {
		topK = e.opts.TopK
	}
	threshold := e.opts.SemanticThreshold
	if q.SemanticThreshold != nil {
		threshold = *q.SemanticThreshold
	}
	minScore := q.MinScore
	if minScore == 0 {
		minScore = e.opts.MinScore
	}

	vec, err := e.encoder.EncodeText(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("encoding query: %w", err)
	}

	// Recall wider than topK so grouping and threshold filtering still leave
	// enough material.
	width := 2 * topK
	if width < 20 {
		width = 20
	}
	recalled, err := e.searcher.Nearest(ctx, vec, q.UserID, q.VideoID, width)
	if err != nil {
		return nil, fmt.Errorf("recalling segments: %w", err)
	}

	candidates := make([]candidate, 0, len(recalled))
	for _, seg := range recalled {
		if seg.Score < minScore {
			continue
		}
		candidates = append(candidates, candidate{seg: seg, score: seg.Score})
	}
	if len(candidates) == 0 {
		return []Moment{}, nil
	}

	graded := false
	if e.scorer != nil {
		candidates, graded = e.rescore(ctx, q.Text, candidates)
	}

	// With a delivered stage 2 the threshold gates every candidate's final
	// score: the semantic grade for captioned segments, the recall score
	// for captionless ones. A disabled or degraded stage 2 falls back to
	// recall-only ranking with no threshold.
	kept := make([]candidate, 0, len(candidates))
	for _, c := range candidates {
		if graded && c.score < threshold {
			continue
		}
		kept = append(kept, c)
	}

	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].score != kept[j].score {
			return kept[i].score > kept[j].score
		}
		return kept[i].seg.StartMS < kept[j].seg.StartMS
	})
	if len(kept) > topK {
		kept = kept[:topK]
	}

	moments := e.group(kept)
	if moments == nil {
		moments = []Moment{}
	}
	return moments, nil
}

// indexedScore carries one graded candidate back from a scoring goroutine.
type indexedScore struct {
	idx   int
	score float64
}

// rescore grades every captioned candidate against the query with bounded
// concurrency. The second return reports whether the stage delivered; if the
// grader is unreachable or the stage times out, the original recall scores
// come back unchanged with delivered=false (graceful degradation).
func (e *Engine) rescore(ctx context.Context, query string, candidates []candidate) ([]candidate, bool) {
	timeoutCtx, cancel := context.WithTimeout(ctx, e.opts.Stage2Timeout)
	defer cancel()

	// Buffered channel prevents goroutines from blocking on send after we
	// stop reading.
	results := make(chan indexedScore, len(candidates))
	sem := make(chan struct{}, scoringConcurrency)
	var unavailable atomic.Bool

	var wg sync.WaitGroup
	for i := range candidates {
		if !candidates[i].seg.HasCaption {
			continue
		}
		wg.Add(1)
		go func(idx int, caption string) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-timeoutCtx.Done():
				return
			}
			defer func() { <-sem }()

			score, err := e.scorer.Score(timeoutCtx, query, caption)
			if err != nil {
				if errors.Is(err, vision.ErrScoringUnavailable) {
					unavailable.Store(true)
					cancel()
					return
				}
				if timeoutCtx.Err() != nil {
					return
				}
				// Unparseable grade: the candidate keeps its recall score.
				e.logger.Debug("semantic score failed, keeping recall score", "error", err)
				return
			}
			results <- indexedScore{idx: idx, score: score}
		}(i, candidates[i].seg.Caption)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var scored []indexedScore
collect:
	for {
		select {
		case r, ok := <-results:
			if !ok {
				break collect
			}
			scored = append(scored, r)
		case <-timeoutCtx.Done():
			e.logger.Warn("semantic scoring degraded, ranking on recall similarity",
				"scored", len(scored), "unavailable", unavailable.Load())
			return candidates, false
		}
	}
	if unavailable.Load() {
		return candidates, false
	}

	for _, r := range scored {
		candidates[r.idx].score = r.score
	}
	return candidates, true
}

// group merges candidates into per-video moments: segments whose start times
// sit within the group window collapse into one moment carrying the best
// segment's score, caption, and preview frame.
func (e *Engine) group(candidates []candidate) []Moment {
	byVideo := make(map[uuid.UUID][]candidate)
	for _, c := range candidates {
		byVideo[c.seg.VideoID] = append(byVideo[c.seg.VideoID], c)
	}

	var moments []Moment
	for videoID, group := range byVideo {
		sort.Slice(group, func(i, j int) bool {
			return group[i].seg.StartMS < group[j].seg.StartMS
		})

		run := []candidate{group[0]}
		for _, c := range group[1:] {
			if c.seg.StartMS-run[len(run)-1].seg.StartMS <= e.opts.GroupWindowMS {
				run = append(run, c)
				continue
			}
			moments = append(moments, e.buildMoment(videoID, run))
			run = []candidate{c}
		}
		moments = append(moments, e.buildMoment(videoID, run))
	}

	sort.SliceStable(moments, func(i, j int) bool {
		if moments[i].Score != moments[j].Score {
			return moments[i].Score > moments[j].Score
		}
		return moments[i].StartMS < moments[j].StartMS
	})
	return moments
}

func (e *Engine) buildMoment(videoID uuid.UUID, run []candidate) Moment {
	best := run[0]
	start, end := run[0].seg.StartMS, run[0].seg.EndMS
	for _, c := range run[1:] {
		if c.score > best.score {
			best = c
		}
		if c.seg.StartMS < start {
			start = c.seg.StartMS
		}
		if c.seg.EndMS > end {
			end = c.seg.EndMS
		}
	}

	m := Moment{
		VideoID:     videoID,
		TimestampMS: best.seg.StartMS,
		StartMS:     start,
		EndMS:       end,
		Score:       best.score,
		Caption:     best.seg.Caption,
	}
	if best.seg.FrameURL != "" {
		url, err := e.resolver.ResolveURL(best.seg.FrameURL, e.opts.PreviewTTL)
		if err != nil {
			e.logger.Warn("resolving preview failed", "locator", best.seg.FrameURL, "error", err)
		} else {
			m.PreviewURL = url
		}
	}
	return m
}
