package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// ErrUnreadableMedia is returned when the container or codec cannot be decoded.
var ErrUnreadableMedia = errors.New("unreadable media")

// ErrEmptyMedia is returned when the video has zero duration or yields no frames.
var ErrEmptyMedia = errors.New("empty media")

// Info is video-level metadata extracted by Probe.
type Info struct {
	DurationMS int64
	Width      int
	Height     int
	FPS        float64
}

// Frame is one sampled still: its position in the video and its JPEG bytes.
type Frame struct {
	TimestampMS int64
	JPEG        []byte
}

// Sampler extracts metadata and time-ordered still frames from video files
// by shelling out to ffprobe and ffmpeg.
type Sampler struct {
	FFprobePath string
	FFmpegPath  string
}

// NewSampler creates a Sampler using ffprobe/ffmpeg from PATH.
func NewSampler() *Sampler {
	return &Sampler{FFprobePath: "ffprobe", FFmpegPath: "ffmpeg"}
}

// ffprobe JSON output shapes (only the fields we read).
type probeOutput struct {
	Streams []probeStream `json:"streams"`
	Format  probeFormat   `json:"format"`
}

type probeStream struct {
	CodecType  string `json:"codec_type"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	RFrameRate string `json:"r_frame_rate"`
}

type probeFormat struct {
	Duration string `json:"duration"`
}

// Probe extracts duration, dimensions and nominal frame rate from a video file.
// Returns ErrUnreadableMedia when ffprobe fails or the file has no video
// stream, and ErrEmptyMedia when the duration is zero.
func (s *Sampler) Probe(ctx context.Context, path string) (Info, error) {
	cmd := exec.CommandContext(ctx, s.FFprobePath,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return Info{}, fmt.Errorf("%w: ffprobe %s: %s", ErrUnreadableMedia, path, execErrDetail(err))
	}

	var probe probeOutput
	if err := json.Unmarshal(out, &probe); err != nil {
		return Info{}, fmt.Errorf("%w: parsing ffprobe output: %v", ErrUnreadableMedia, err)
	}

	var video *probeStream
	for i := range probe.Streams {
		if probe.Streams[i].CodecType == "video" {
			video = &probe.Streams[i]
			break
		}
	}
	if video == nil {
		return Info{}, fmt.Errorf("%w: no video stream in %s", ErrUnreadableMedia, path)
	}

	durationSec, err := strconv.ParseFloat(probe.Format.Duration, 64)
	if err != nil {
		return Info{}, fmt.Errorf("%w: parsing duration %q: %v", ErrUnreadableMedia, probe.Format.Duration, err)
	}
	durationMS := int64(durationSec * 1000)
	if durationMS <= 0 {
		return Info{}, fmt.Errorf("%w: duration is %dms", ErrEmptyMedia, durationMS)
	}

	return Info{
		DurationMS: durationMS,
		Width:      video.Width,
		Height:     video.Height,
		FPS:        parseFrameRate(video.RFrameRate),
	}, nil
}

// Sample probes the file and extracts frames at the given rate. Frames come
// back strictly increasing in timestamp and bounded by the video duration.
// The caller must Close the returned FrameSeq to release the temp directory.
func (s *Sampler) Sample(ctx context.Context, path string, fps float64) (*FrameSeq, error) {
	info, err := s.Probe(ctx, path)
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp("", "clipseek-frames-")
	if err != nil {
		return nil, fmt.Errorf("creating frame directory: %w", err)
	}

	cmd := exec.CommandContext(ctx, s.FFmpegPath,
		"-hide_banner",
		"-loglevel", "error",
		"-i", path,
		"-vf", fmt.Sprintf("fps=%g", fps),
		"-q:v", "2",
		filepath.Join(dir, "frame_%08d.jpg"),
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("%w: ffmpeg %s: %s", ErrUnreadableMedia, path, strings.TrimSpace(string(out)))
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("reading frame directory: %w", err)
	}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".jpg") {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	// %08d names sort lexicographically in frame order.
	sort.Strings(paths)

	timestamps := frameTimestamps(len(paths), fps, info.DurationMS)
	if len(timestamps) == 0 {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("%w: no frames extracted from %s", ErrEmptyMedia, path)
	}
	paths = paths[:len(timestamps)]

	return &FrameSeq{Info: info, dir: dir, paths: paths, timestamps: timestamps}, nil
}

// FrameSeq iterates over sampled frames in timestamp order.
type FrameSeq struct {
	Info Info

	dir        string
	paths      []string
	timestamps []int64
	idx        int
}

// Len returns the total number of frames in the sequence.
func (f *FrameSeq) Len() int { return len(f.paths) }

// Next returns the next frame, or ok=false when the sequence is exhausted.
func (f *FrameSeq) Next() (Frame, bool, error) {
	if f.idx >= len(f.paths) {
		return Frame{}, false, nil
	}
	data, err := os.ReadFile(f.paths[f.idx])
	if err != nil {
		return Frame{}, false, fmt.Errorf("reading frame %d: %w", f.idx, err)
	}
	frame := Frame{TimestampMS: f.timestamps[f.idx], JPEG: data}
	f.idx++
	return frame, true, nil
}

// Close removes the temp directory holding the extracted frames.
func (f *FrameSeq) Close() error {
	return os.RemoveAll(f.dir)
}

// frameTimestamps maps n extracted frames at the given rate to millisecond
// timestamps: frame i sits at i/fps seconds. Timestamps are strictly
// increasing; frames that would land at or past the duration are dropped
// (ffmpeg can emit one extra frame at the tail of variable-rate sources).
func frameTimestamps(n int, fps float64, durationMS int64) []int64 {
	out := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		ts := int64(float64(i) / fps * 1000)
		if ts >= durationMS {
			break
		}
		out = append(out, ts)
	}
	return out
}

// parseFrameRate parses ffprobe's fractional frame rate (e.g. "30000/1001").
func parseFrameRate(s string) float64 {
	if num, denom, ok := strings.Cut(s, "/"); ok {
		n, err1 := strconv.ParseFloat(num, 64)
		d, err2 := strconv.ParseFloat(denom, 64)
		if err1 == nil && err2 == nil && d != 0 {
			return n / d
		}
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func execErrDetail(err error) string {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
		return strings.TrimSpace(string(exitErr.Stderr))
	}
	return err.Error()
}
