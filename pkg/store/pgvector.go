package store

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"github.com/xhad/documind/internal/models"
	"github.com/xhad/documind/internal/types"
)

const pgMetaTable = "documind_collections"

// PGVectorIndex stores each collection in its own table with an HNSW
// cosine index.
type PGVectorIndex struct {
	pool       *pgxpool.Pool
	collection string
	table      string
	batchSize  int
}

var _ types.VectorIndex = (*PGVectorIndex)(nil)

func NewPGVectorIndex(ctx context.Context, cfg Config) (*PGVectorIndex, error) {
	pool, err := pgxpool.New(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to database: %w", types.ErrIndexUnavailable, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: failed to reach database: %w", types.ErrIndexUnavailable, err)
	}

	vs := &PGVectorIndex{
		pool:       pool,
		collection: cfg.Collection,
		table:      pgx.Identifier{"documind_" + cfg.Collection}.Sanitize(),
		batchSize:  cfg.BatchSize,
	}

	if err := vs.initialize(ctx, cfg.Create); err != nil {
		pool.Close()
		return nil, err
	}
	return vs, nil
}

func (vs *PGVectorIndex) initialize(ctx context.Context, create bool) error {
	if !create {
		_, err := vs.meta(ctx)
		return err
	}

	if _, err := vs.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}
	_, err := vs.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+pgMetaTable+` (
			name TEXT PRIMARY KEY,
			embedding_model TEXT NOT NULL DEFAULT '',
			dimension INTEGER NOT NULL DEFAULT 0
		)`)
	if err != nil {
		return fmt.Errorf("failed to create collections table: %w", err)
	}
	return nil
}

func (vs *PGVectorIndex) meta(ctx context.Context) (models.IndexInfo, error) {
	info := models.IndexInfo{Collection: vs.collection}
	err := vs.pool.QueryRow(ctx,
		`SELECT embedding_model, dimension FROM `+pgMetaTable+` WHERE name = $1`,
		vs.collection).Scan(&info.Model, &info.Dimension)
	if errors.Is(err, pgx.ErrNoRows) {
		return info, fmt.Errorf("%w: collection %q does not exist", types.ErrIndexUnavailable, vs.collection)
	}
	if err != nil {
		return info, unavailable(err)
	}
	return info, nil
}

func (vs *PGVectorIndex) createTable(ctx context.Context, tx pgx.Tx, dimension int) error {
	_, err := tx.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			page INTEGER,
			source TEXT NOT NULL,
			embedding vector(%d) NOT NULL
		)`, vs.table, dimension))
	if err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	_, err = tx.Exec(ctx, fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS %s
		ON %s
		USING hnsw (embedding vector_cosine_ops)`,
		pgx.Identifier{"documind_" + vs.collection + "_embedding_idx"}.Sanitize(), vs.table))
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	return nil
}

func (vs *PGVectorIndex) Upsert(ctx context.Context, chunks []models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := vs.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var dimension int
	err = tx.QueryRow(ctx,
		`SELECT dimension FROM `+pgMetaTable+` WHERE name = $1`, vs.collection).Scan(&dimension)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return unavailable(err)
	}
	known := dimension > 0
	if !known {
		dimension = len(chunks[0].Embedding)
	}
	if err := validateChunks(chunks, dimension); err != nil {
		return err
	}
	if !known {
		_, err = tx.Exec(ctx, `
			INSERT INTO `+pgMetaTable+` (name, dimension) VALUES ($1, $2)
			ON CONFLICT (name) DO UPDATE SET dimension = EXCLUDED.dimension`,
			vs.collection, dimension)
		if err != nil {
			return fmt.Errorf("failed to record collection: %w", err)
		}
		if err := vs.createTable(ctx, tx, dimension); err != nil {
			return err
		}
	}

	if err := vs.insert(ctx, tx, chunks); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (vs *PGVectorIndex) insert(ctx context.Context, tx pgx.Tx, chunks []models.Chunk) error {
	stmt := fmt.Sprintf(`
		INSERT INTO %s (id, content, page, source, embedding)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content,
			page = EXCLUDED.page,
			source = EXCLUDED.source,
			embedding = EXCLUDED.embedding`,
		vs.table)

	for _, group := range batches(chunks, vs.batchSize) {
		batch := &pgx.Batch{}
		for _, c := range group {
			batch.Queue(stmt,
				c.ID,
				sanitizeUTF8(c.Text),
				c.Metadata.Page,
				c.Metadata.Source,
				pgvector.NewVector(c.Embedding),
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to insert chunks: %w", err)
		}
	}
	return nil
}

func (vs *PGVectorIndex) Query(ctx context.Context, vector []float32, k int) (models.RetrievalResult, error) {
	info, err := vs.meta(ctx)
	if err != nil {
		return nil, err
	}
	if err := validateQuery(vector, k, info.Dimension); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT id, content, page, source, embedding <=> $1 AS distance
		FROM %s
		ORDER BY distance, id
		LIMIT $2`,
		vs.table)

	rows, err := vs.pool.Query(ctx, query, pgvector.NewVector(vector), k)
	if err != nil {
		return nil, unavailable(fmt.Errorf("failed to query chunks: %w", err))
	}
	defer rows.Close()

	var matches []models.Match
	for rows.Next() {
		var (
			m    models.Match
			page pgtype.Int4
		)
		if err := rows.Scan(&m.Chunk.ID, &m.Chunk.Text, &page, &m.Chunk.Metadata.Source, &m.Distance); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if page.Valid {
			m.Chunk.Metadata.Page = models.IntPtr(int(page.Int32))
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return topK(matches, k), nil
}

func (vs *PGVectorIndex) Count(ctx context.Context) (int, error) {
	var n int
	err := vs.pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+vs.table).Scan(&n)
	if err != nil {
		if isUndefinedTable(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return n, nil
}

func (vs *PGVectorIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := vs.pool.Exec(ctx, "DELETE FROM "+vs.table+" WHERE id = ANY($1)", ids)
	if err != nil {
		return unavailable(fmt.Errorf("failed to delete chunks: %w", err))
	}
	return nil
}

// Replace drops and rebuilds the collection table inside one transaction.
func (vs *PGVectorIndex) Replace(ctx context.Context, info models.IndexInfo, chunks []models.Chunk) error {
	if err := validateChunks(chunks, info.Dimension); err != nil {
		return err
	}

	tx, err := vs.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DROP TABLE IF EXISTS "+vs.table); err != nil {
		return fmt.Errorf("failed to drop table: %w", err)
	}
	if err := vs.createTable(ctx, tx, info.Dimension); err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO `+pgMetaTable+` (name, embedding_model, dimension) VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET
			embedding_model = EXCLUDED.embedding_model,
			dimension = EXCLUDED.dimension`,
		vs.collection, info.Model, info.Dimension)
	if err != nil {
		return fmt.Errorf("failed to record collection: %w", err)
	}
	if err := vs.insert(ctx, tx, chunks); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (vs *PGVectorIndex) Info(ctx context.Context) (models.IndexInfo, error) {
	info, err := vs.meta(ctx)
	if err != nil {
		return info, err
	}
	if info.Count, err = vs.Count(ctx); err != nil {
		return info, err
	}
	return info, nil
}

func (vs *PGVectorIndex) Close() error {
	if vs.pool != nil {
		vs.pool.Close()
	}
	return nil
}

func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42P01"
}

// unavailable tags errors that mean the collection is gone.
func unavailable(err error) error {
	if errors.Is(err, types.ErrIndexUnavailable) {
		return err
	}
	if isUndefinedTable(err) || errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %w", types.ErrIndexUnavailable, err)
	}
	return err
}

func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	v := make([]rune, 0, len(s))
	for i, r := range s {
		if r == utf8.RuneError {
			if _, size := utf8.DecodeRuneInString(s[i:]); size == 1 {
				continue
			}
		}
		v = append(v, r)
	}
	return string(v)
}
