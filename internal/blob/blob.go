package blob

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a locator does not resolve to a stored object.
var ErrNotFound = errors.New("blob not found")

// Store is the boundary to addressable object storage for raw videos,
// thumbnails, and frame previews. Objects are written under hierarchical
// keys and later referenced by opaque locators; at query time locators are
// resolved to time-limited URLs rather than raw file handles.
type Store interface {
	// Put stores data under key and returns its locator.
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)

	// Open returns the stored bytes for a locator.
	Open(ctx context.Context, locator string) ([]byte, error)

	// DeletePrefix removes every object whose key starts with prefix.
	// Used to release all of a video's objects on delete.
	DeletePrefix(ctx context.Context, prefix string) error

	// ResolveURL turns a locator into a retrievable URL valid for ttl.
	ResolveURL(locator string, ttl time.Duration) (string, error)
}

// Keys builds the canonical object key layout:
// videos/{user}/{video}/... for originals, frames/{user}/{video}/... for stills.

// VideoKey is the object key for a video's original file.
func VideoKey(userID, videoID, filename string) string {
	return "videos/" + userID + "/" + videoID + "/" + filename
}

// ThumbnailKey is the object key for a video's thumbnail.
func ThumbnailKey(userID, videoID string) string {
	return "frames/" + userID + "/" + videoID + "/thumbnail.jpg"
}

// FrameKey is the object key for one sampled frame preview.
func FrameKey(userID, videoID string, timestampMS int64) string {
	return "frames/" + userID + "/" + videoID + "/" + frameName(timestampMS)
}

// FramePrefix is the key prefix covering all frame objects of a video.
func FramePrefix(userID, videoID string) string {
	return "frames/" + userID + "/" + videoID + "/"
}

// VideoPrefix is the key prefix covering a video's original file objects.
func VideoPrefix(userID, videoID string) string {
	return "videos/" + userID + "/" + videoID + "/"
}
