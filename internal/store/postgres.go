package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvector "github.com/pgvector/pgvector-go/pgx"
)

//go:embed migrations/postgres/*.sql
var postgresMigrationsFS embed.FS

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore is the server-mode backend: pgvector ANN search over a
// pooled connection set. Pool acquisition is bounded; exhaustion surfaces as
// ErrStoreUnavailable so callers can retry instead of queueing forever.
type PostgresStore struct {
	pool           *pgxpool.Pool
	dim            int
	acquireTimeout time.Duration
}

// PostgresOptions carries the pool knobs; zero values fall back to the
// defaults noted per field.
type PostgresOptions struct {
	MinConns        int32         // 2
	MaxConns        int32         // 8
	MaxConnLifetime time.Duration // 1h
	MaxConnIdleTime time.Duration // 5m
	AcquireTimeout  time.Duration // 5s
}

// OpenPostgres connects to url, configures the pool, registers the pgvector
// types on every connection, and runs pending migrations.
func OpenPostgres(ctx context.Context, url string, dim int, opts PostgresOptions) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres url: %w", err)
	}

	cfg.MinConns = opts.MinConns
	if cfg.MinConns == 0 {
		cfg.MinConns = 2
	}
	cfg.MaxConns = opts.MaxConns
	if cfg.MaxConns == 0 {
		cfg.MaxConns = 8
	}
	cfg.MaxConnLifetime = opts.MaxConnLifetime
	if cfg.MaxConnLifetime == 0 {
		cfg.MaxConnLifetime = time.Hour
	}
	cfg.MaxConnIdleTime = opts.MaxConnIdleTime
	if cfg.MaxConnIdleTime == 0 {
		cfg.MaxConnIdleTime = 5 * time.Minute
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	s := &PostgresStore{pool: pool, dim: dim, acquireTimeout: opts.AcquireTimeout}
	if s.acquireTimeout == 0 {
		s.acquireTimeout = 5 * time.Second
	}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close releases the pool and all its connections.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// acquire checks a connection out of the pool with a bounded wait. Must be
// paired with conn.Release().
func (s *PostgresStore) acquire(ctx context.Context) (*pgxpool.Conn, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, s.acquireTimeout)
	defer cancel()
	conn, err := s.pool.Acquire(acquireCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: pool acquire timed out after %s", ErrStoreUnavailable, s.acquireTimeout)
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return conn, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	conn, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := postgresMigrationsFS.ReadDir("migrations/postgres")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
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
		if err := conn.QueryRow(ctx, "SELECT COUNT(*) FROM schema_version WHERE version = $1", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := postgresMigrationsFS.ReadFile("migrations/postgres/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := conn.Begin(ctx)
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(ctx, string(content)); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec(ctx, "INSERT INTO schema_version (version) VALUES ($1)", version); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

// --- Videos ---

func (s *PostgresStore) CreateVideo(ctx context.Context, v *Video) error {
	if v.Status == "" {
		v.Status = StatusUploaded
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	conn, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, `
		INSERT INTO videos (id, user_id, url, thumbnail_url, duration_ms, width, height, status, error_msg, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		v.ID, v.UserID, v.URL, v.ThumbnailURL, v.DurationMS, v.Width, v.Height,
		string(v.Status), v.ErrorMsg, v.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting video %s: %w", v.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetVideo(ctx context.Context, id uuid.UUID) (*Video, error) {
	conn, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	var v Video
	var status string
	err = conn.QueryRow(ctx, `
		SELECT id, user_id, url, thumbnail_url, duration_ms, width, height, status, error_msg, created_at
		FROM videos WHERE id = $1`, id).Scan(
		&v.ID, &v.UserID, &v.URL, &v.ThumbnailURL, &v.DurationMS,
		&v.Width, &v.Height, &status, &v.ErrorMsg, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying video %s: %w", id, err)
	}
	v.Status = Status(status)
	return &v, nil
}

func (s *PostgresStore) ListVideos(ctx context.Context, userID uuid.UUID, limit int) ([]*Video, error) {
	conn, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, `
		SELECT id, user_id, url, thumbnail_url, duration_ms, width, height, status, error_msg, created_at
		FROM videos WHERE user_id = $1 ORDER BY created_at DESC, id LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying videos: %w", err)
	}
	defer rows.Close()

	var results []*Video
	for rows.Next() {
		var v Video
		var status string
		if err := rows.Scan(&v.ID, &v.UserID, &v.URL, &v.ThumbnailURL, &v.DurationMS,
			&v.Width, &v.Height, &status, &v.ErrorMsg, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning video: %w", err)
		}
		v.Status = Status(status)
		results = append(results, &v)
	}
	return results, rows.Err()
}

func (s *PostgresStore) NextUploaded(ctx context.Context) (*Video, error) {
	conn, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	var v Video
	var status string
	err = conn.QueryRow(ctx, `
		SELECT id, user_id, url, thumbnail_url, duration_ms, width, height, status, error_msg, created_at
		FROM videos WHERE status = $1 ORDER BY created_at ASC, id LIMIT 1`,
		string(StatusUploaded)).Scan(
		&v.ID, &v.UserID, &v.URL, &v.ThumbnailURL, &v.DurationMS,
		&v.Width, &v.Height, &status, &v.ErrorMsg, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying uploaded backlog: %w", err)
	}
	v.Status = Status(status)
	return &v, nil
}

func (s *PostgresStore) ClaimVideo(ctx context.Context, id uuid.UUID) (bool, error) {
	conn, err := s.acquire(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx,
		`UPDATE videos SET status = $1 WHERE id = $2 AND status = $3`,
		string(StatusProcessing), id, string(StatusUploaded))
	if err != nil {
		return false, fmt.Errorf("claiming video %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var status string
	err = conn.QueryRow(ctx, `SELECT status FROM videos WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("checking video %s: %w", id, err)
	}
	return false, nil
}

func (s *PostgresStore) SetVideoMedia(ctx context.Context, id uuid.UUID, durationMS int64, width, height int, thumbnailURL string) error {
	conn, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx,
		`UPDATE videos SET duration_ms = $1, width = $2, height = $3, thumbnail_url = $4 WHERE id = $5`,
		durationMS, width, height, thumbnailURL, id)
	if err != nil {
		return fmt.Errorf("updating video media %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkVideoReady(ctx context.Context, id uuid.UUID) error {
	conn, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	_, err = conn.Exec(ctx,
		`UPDATE videos SET status = $1, error_msg = '' WHERE id = $2 AND status = $3`,
		string(StatusReady), id, string(StatusProcessing))
	if err != nil {
		return fmt.Errorf("marking video %s ready: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) MarkVideoError(ctx context.Context, id uuid.UUID, msg string) error {
	conn, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	_, err = conn.Exec(ctx,
		`UPDATE videos SET status = $1, error_msg = $2 WHERE id = $3 AND status = ANY($4)`,
		string(StatusError), msg, id, []string{string(StatusUploaded), string(StatusProcessing)})
	if err != nil {
		return fmt.Errorf("marking video %s errored: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) DeleteVideo(ctx context.Context, id uuid.UUID) error {
	conn, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, `DELETE FROM videos WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting video %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Segments ---

func (s *PostgresStore) InsertSegments(ctx context.Context, segments []Segment) error {
	if len(segments) == 0 {
		return nil
	}
	for _, seg := range segments {
		if len(seg.Embedding) != s.dim {
			return fmt.Errorf("segment %s has %d dims, store expects %d: %w",
				seg.ID, len(seg.Embedding), s.dim, ErrDimensionMismatch)
		}
	}

	conn, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, seg := range segments {
		createdAt := seg.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		var caption, captionModel *string
		if seg.HasCaption {
			caption = &seg.Caption
			captionModel = &seg.CaptionModel
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO segments (id, video_id, t_start_ms, t_end_ms, modality, frame_url, embedding, caption, caption_model, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			seg.ID, seg.VideoID, seg.StartMS, seg.EndMS, seg.Modality, seg.FrameURL,
			pgvector.NewVector(seg.Embedding), caption, captionModel, createdAt)
		if err != nil {
			// FK violation means the owning video was deleted mid-batch;
			// the write is discarded rather than resurrecting the video.
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23503" {
				return ErrNotFound
			}
			return fmt.Errorf("inserting segment %s: %w", seg.ID, err)
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) DeleteSegmentsByVideo(ctx context.Context, videoID uuid.UUID) error {
	conn, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `DELETE FROM segments WHERE video_id = $1`, videoID); err != nil {
		return fmt.Errorf("deleting segments for video %s: %w", videoID, err)
	}
	return nil
}

func (s *PostgresStore) CountSegments(ctx context.Context, videoID uuid.UUID) (int, error) {
	conn, err := s.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Release()

	var count int
	err = conn.QueryRow(ctx, `SELECT COUNT(*) FROM segments WHERE video_id = $1`, videoID).Scan(&count)
	return count, err
}

// Nearest answers the recall stage with an ivfflat-indexed cosine search,
// joined to the video table so only ready videos of the caller are visible.
func (s *PostgresStore) Nearest(ctx context.Context, vec []float32, userID uuid.UUID, videoID *uuid.UUID, k int) ([]ScoredSegment, error) {
	if len(vec) != s.dim {
		return nil, fmt.Errorf("query vector has %d dims, store expects %d: %w", len(vec), s.dim, ErrDimensionMismatch)
	}
	if k <= 0 {
		return nil, nil
	}

	conn, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	query := `
		SELECT s.id, s.video_id, s.t_start_ms, s.t_end_ms, s.modality, s.frame_url,
		       s.caption, s.caption_model, s.created_at,
		       1 - (s.embedding <=> $1) AS score
		FROM segments s
		JOIN videos v ON v.id = s.video_id
		WHERE v.user_id = $2 AND v.status = $3`
	args := []any{pgvector.NewVector(vec), userID, string(StatusReady)}
	if videoID != nil {
		query += ` AND s.video_id = $4`
		args = append(args, *videoID)
	}
	query += fmt.Sprintf(` ORDER BY s.embedding <=> $1, s.t_start_ms ASC LIMIT %d`, k)

	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying nearest segments: %w", err)
	}
	defer rows.Close()

	var results []ScoredSegment
	for rows.Next() {
		var sc ScoredSegment
		var caption, captionModel *string
		if err := rows.Scan(&sc.ID, &sc.VideoID, &sc.StartMS, &sc.EndMS, &sc.Modality,
			&sc.FrameURL, &caption, &captionModel, &sc.CreatedAt, &sc.Score); err != nil {
			return nil, fmt.Errorf("scanning scored segment: %w", err)
		}
		if caption != nil {
			sc.Caption = *caption
			sc.HasCaption = true
		}
		if captionModel != nil {
			sc.CaptionModel = *captionModel
		}
		results = append(results, sc)
	}
	return results, rows.Err()
}
