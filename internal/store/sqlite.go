package store

import (
	"container/heap"
	"context"
	"database/sql"
	"embed"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite/*.sql
var sqliteMigrationsFS embed.FS

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore is the local-mode backend: a single-file database with
// brute-force cosine similarity search. Exact scan is fine for personal
// libraries (tens of videos, thousands of segments); the Postgres backend
// covers the server deployment where an ANN index pays off.
type SQLiteStore struct {
	db  *sql.DB
	dim int
}

// OpenSQLite opens (or creates) the database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used by
// tests). dim is the embedding width every inserted segment must match.
func OpenSQLite(dataDir string, dim int) (*SQLiteStore, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "clipseek.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, dim: dim}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *SQLiteStore) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := sqliteMigrationsFS.ReadDir("migrations/sqlite")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := sqliteMigrationsFS.ReadFile("migrations/sqlite/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// --- Videos ---

func (s *SQLiteStore) CreateVideo(ctx context.Context, v *Video) error {
	if v.Status == "" {
		v.Status = StatusUploaded
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO videos (id, user_id, url, thumbnail_url, duration_ms, width, height, status, error_msg, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID.String(), v.UserID.String(), v.URL, v.ThumbnailURL,
		v.DurationMS, v.Width, v.Height, string(v.Status), v.ErrorMsg,
		v.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting video %s: %w", v.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetVideo(ctx context.Context, id uuid.UUID) (*Video, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, url, thumbnail_url, duration_ms, width, height, status, error_msg, created_at
		FROM videos WHERE id = ?`, id.String())
	v, err := scanVideo(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (s *SQLiteStore) ListVideos(ctx context.Context, userID uuid.UUID, limit int) ([]*Video, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, url, thumbnail_url, duration_ms, width, height, status, error_msg, created_at
		FROM videos WHERE user_id = ? ORDER BY created_at DESC, id LIMIT ?`,
		userID.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("querying videos: %w", err)
	}
	defer rows.Close()

	var results []*Video
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, v)
	}
	return results, rows.Err()
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanVideo(r rowScanner) (*Video, error) {
	var v Video
	var id, userID, status, createdAt string
	if err := r.Scan(&id, &userID, &v.URL, &v.ThumbnailURL, &v.DurationMS,
		&v.Width, &v.Height, &status, &v.ErrorMsg, &createdAt); err != nil {
		return nil, err
	}
	var err error
	if v.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parsing video id %q: %w", id, err)
	}
	if v.UserID, err = uuid.Parse(userID); err != nil {
		return nil, fmt.Errorf("parsing user id %q: %w", userID, err)
	}
	v.Status = Status(status)
	if v.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &v, nil
}

func (s *SQLiteStore) NextUploaded(ctx context.Context) (*Video, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, url, thumbnail_url, duration_ms, width, height, status, error_msg, created_at
		FROM videos WHERE status = ? ORDER BY created_at ASC, id LIMIT 1`,
		string(StatusUploaded))
	v, err := scanVideo(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (s *SQLiteStore) ClaimVideo(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE videos SET status = ? WHERE id = ? AND status = ?`,
		string(StatusProcessing), id.String(), string(StatusUploaded))
	if err != nil {
		return false, fmt.Errorf("claiming video %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}

	// Lost the claim or no such video; distinguish the two.
	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM videos WHERE id = ?`, id.String()).Scan(&status)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("checking video %s: %w", id, err)
	}
	return false, nil
}

func (s *SQLiteStore) SetVideoMedia(ctx context.Context, id uuid.UUID, durationMS int64, width, height int, thumbnailURL string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE videos SET duration_ms = ?, width = ?, height = ?, thumbnail_url = ? WHERE id = ?`,
		durationMS, width, height, thumbnailURL, id.String())
	if err != nil {
		return fmt.Errorf("updating video media %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) MarkVideoReady(ctx context.Context, id uuid.UUID) error {
	// No-op when the video was deleted or never claimed; ready is reachable
	// only from processing.
	_, err := s.db.ExecContext(ctx,
		`UPDATE videos SET status = ?, error_msg = '' WHERE id = ? AND status = ?`,
		string(StatusReady), id.String(), string(StatusProcessing))
	if err != nil {
		return fmt.Errorf("marking video %s ready: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) MarkVideoError(ctx context.Context, id uuid.UUID, msg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE videos SET status = ?, error_msg = ? WHERE id = ? AND status IN (?, ?)`,
		string(StatusError), msg, id.String(), string(StatusUploaded), string(StatusProcessing))
	if err != nil {
		return fmt.Errorf("marking video %s errored: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteVideo(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM videos WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("deleting video %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Segments ---

func (s *SQLiteStore) InsertSegments(ctx context.Context, segments []Segment) error {
	if len(segments) == 0 {
		return nil
	}
	for _, seg := range segments {
		if len(seg.Embedding) != s.dim {
			return fmt.Errorf("segment %s has %d dims, store expects %d: %w",
				seg.ID, len(seg.Embedding), s.dim, ErrDimensionMismatch)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}
	defer tx.Rollback()

	// All segments in a batch share one video; verify it still exists so a
	// write racing a delete is discarded instead of violating the FK.
	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM videos WHERE id = ?`,
		segments[0].VideoID.String()).Scan(&exists)
	if err != nil {
		return fmt.Errorf("checking video %s: %w", segments[0].VideoID, err)
	}
	if exists == 0 {
		return ErrNotFound
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO segments (id, video_id, t_start_ms, t_end_ms, modality, frame_url, embedding, caption, caption_model, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	for _, seg := range segments {
		blob := encodeFloat32s(seg.Embedding)
		createdAt := seg.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		caption := sql.NullString{String: seg.Caption, Valid: seg.HasCaption}
		captionModel := sql.NullString{String: seg.CaptionModel, Valid: seg.HasCaption}
		if _, err := stmt.ExecContext(ctx, seg.ID.String(), seg.VideoID.String(),
			seg.StartMS, seg.EndMS, seg.Modality, seg.FrameURL, blob,
			caption, captionModel, createdAt.UTC().Format(time.RFC3339)); err != nil {
			return fmt.Errorf("inserting segment %s: %w", seg.ID, err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) DeleteSegmentsByVideo(ctx context.Context, videoID uuid.UUID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM segments WHERE video_id = ?`, videoID.String()); err != nil {
		return fmt.Errorf("deleting segments for video %s: %w", videoID, err)
	}
	return nil
}

func (s *SQLiteStore) CountSegments(ctx context.Context, videoID uuid.UUID) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM segments WHERE video_id = ?`, videoID.String()).Scan(&count)
	return count, err
}

// idScore holds only the key columns during the scan phase of Nearest.
// Full segment details are fetched only for top-K winners.
type idScore struct {
	ID      string
	Score   float64
	StartMS int64
}

// Nearest performs a brute-force cosine similarity scan over the segments of
// the user's ready videos, returning the top-K most similar.
func (s *SQLiteStore) Nearest(ctx context.Context, vec []float32, userID uuid.UUID, videoID *uuid.UUID, k int) ([]ScoredSegment, error) {
	if len(vec) != s.dim {
		return nil, fmt.Errorf("query vector has %d dims, store expects %d: %w", len(vec), s.dim, ErrDimensionMismatch)
	}
	if k <= 0 {
		return nil, nil
	}

	// Phase 1: scan only id + start + embedding to find top-K candidates.
	query := `SELECT s.id, s.t_start_ms, s.embedding
		FROM segments s JOIN videos v ON v.id = s.video_id
		WHERE v.user_id = ? AND v.status = ?`
	args := []any{userID.String(), string(StatusReady)}
	if videoID != nil {
		query += ` AND s.video_id = ?`
		args = append(args, videoID.String())
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying segments: %w", err)
	}
	defer rows.Close()

	queryNorm := norm(vec)
	if queryNorm == 0 {
		return nil, nil
	}

	h := &idScoreHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var id string
		var startMS int64
		var blob []byte
		if err := rows.Scan(&id, &startMS, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}

		cand := idScore{ID: id, Score: cosine(vec, buf, queryNorm), StartMS: startMS}
		if h.Len() < k {
			heap.Push(h, cand)
		} else if lessScored((*h)[0], cand) {
			(*h)[0] = cand
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	if h.Len() == 0 {
		return nil, nil
	}

	// Phase 2: fetch full segments only for the top-K IDs.
	topIDs := make([]string, h.Len())
	scores := make(map[string]float64, h.Len())
	for i := len(topIDs) - 1; i >= 0; i-- {
		item := heap.Pop(h).(idScore)
		topIDs[i] = item.ID
		scores[item.ID] = item.Score
	}

	queryArgs := make([]any, len(topIDs))
	for i, id := range topIDs {
		queryArgs[i] = id
	}
	fullQuery := `SELECT id, video_id, t_start_ms, t_end_ms, modality, frame_url, caption, caption_model, created_at
		FROM segments WHERE id IN (?` + strings.Repeat(",?", len(topIDs)-1) + `)`

	fullRows, err := s.db.QueryContext(ctx, fullQuery, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K segments: %w", err)
	}
	defer fullRows.Close()

	var results []ScoredSegment
	for fullRows.Next() {
		seg, err := scanSegment(fullRows)
		if err != nil {
			return nil, err
		}
		results = append(results, ScoredSegment{Segment: *seg, Score: scores[seg.ID.String()]})
	}
	if err := fullRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating top-K segments: %w", err)
	}

	// The IN query doesn't preserve order: sort by score descending, ties
	// broken by earlier start.
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].StartMS < results[j].StartMS
	})

	return results, nil
}

func scanSegment(r rowScanner) (*Segment, error) {
	var seg Segment
	var id, videoID, createdAt string
	var caption, captionModel sql.NullString
	if err := r.Scan(&id, &videoID, &seg.StartMS, &seg.EndMS, &seg.Modality,
		&seg.FrameURL, &caption, &captionModel, &createdAt); err != nil {
		return nil, fmt.Errorf("scanning segment: %w", err)
	}
	var err error
	if seg.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parsing segment id %q: %w", id, err)
	}
	if seg.VideoID, err = uuid.Parse(videoID); err != nil {
		return nil, fmt.Errorf("parsing video id %q: %w", videoID, err)
	}
	seg.Caption = caption.String
	seg.CaptionModel = captionModel.String
	seg.HasCaption = caption.Valid
	if seg.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &seg, nil
}

// --- Vector encoding and similarity ---

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}

// cosine computes cosine similarity as dot(a,b) / (aNorm * bNorm).
// aNorm is the precomputed L2 norm of vector a.
func cosine(a, b []float32, aNorm float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return dot / (aNorm * bNorm)
}

// lessScored reports whether a ranks strictly below b: lower score, or equal
// score with a later start. The min-heap root is always the weakest
// candidate, so equal-score ties keep the earlier segment.
func lessScored(a, b idScore) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	return a.StartMS > b.StartMS
}

// idScoreHeap is a min-heap of idScore ordered by lessScored.
// Used during the scan phase of Nearest to track top-K candidates by ID only.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int           { return len(h) }
func (h idScoreHeap) Less(i, j int) bool { return lessScored(h[i], h[j]) }
func (h idScoreHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x any)        { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
