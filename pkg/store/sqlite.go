package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/xhad/documind/internal/models"
	"github.com/xhad/documind/internal/types"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS collections (
	name            TEXT PRIMARY KEY,
	embedding_model TEXT NOT NULL DEFAULT '',
	dimension       INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS chunks (
	collection TEXT NOT NULL,
	id         TEXT NOT NULL,
	content    TEXT NOT NULL,
	page       INTEGER,
	source     TEXT NOT NULL,
	embedding  BLOB NOT NULL,
	PRIMARY KEY (collection, id)
);`

const sqliteUpsert = `
INSERT INTO chunks (collection, id, content, page, source, embedding)
VALUES (:collection, :id, :content, :page, :source, :embedding)
ON CONFLICT (collection, id) DO UPDATE SET
	content = excluded.content,
	page = excluded.page,
	source = excluded.source,
	embedding = excluded.embedding`

type chunkRow struct {
	Collection string        `db:"collection"`
	ID         string        `db:"id"`
	Content    string        `db:"content"`
	Page       sql.NullInt64 `db:"page"`
	Source     string        `db:"source"`
	Embedding  []byte        `db:"embedding"`
}

type collectionRow struct {
	Name      string `db:"name"`
	Model     string `db:"embedding_model"`
	Dimension int    `db:"dimension"`
}

// SQLiteIndex keeps chunks and their embeddings in a single SQLite file and
// ranks them by brute-force cosine distance.
type SQLiteIndex struct {
	db         *sqlx.DB
	collection string
}

var _ types.VectorIndex = (*SQLiteIndex)(nil)

func NewSQLiteIndex(ctx context.Context, cfg Config) (*SQLiteIndex, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: sqlite index path is empty", types.ErrIndexUnavailable)
	}
	if !cfg.Create {
		if _, err := os.Stat(cfg.Path); err != nil {
			return nil, fmt.Errorf("%w: %w", types.ErrIndexUnavailable, err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", cfg.Path)
	db, err := sqlx.ConnectContext(ctx, "sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open %s: %w", types.ErrIndexUnavailable, cfg.Path, err)
	}

	idx := &SQLiteIndex{db: db, collection: cfg.Collection}
	if err := idx.initialize(ctx, cfg.Create); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (s *SQLiteIndex) initialize(ctx context.Context, create bool) error {
	if create {
		if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO collections (name) VALUES (?) ON CONFLICT (name) DO NOTHING`, s.collection)
		if err != nil {
			return fmt.Errorf("failed to register collection: %w", err)
		}
		return nil
	}

	if _, err := s.collectionInfo(ctx); err != nil {
		return fmt.Errorf("%w: %w", types.ErrIndexUnavailable, err)
	}
	return nil
}

func (s *SQLiteIndex) collectionInfo(ctx context.Context) (collectionRow, error) {
	var row collectionRow
	err := s.db.GetContext(ctx, &row,
		`SELECT name, embedding_model, dimension FROM collections WHERE name = ?`, s.collection)
	if errors.Is(err, sql.ErrNoRows) {
		return row, fmt.Errorf("collection %q does not exist", s.collection)
	}
	return row, err
}

func (s *SQLiteIndex) Upsert(ctx context.Context, chunks []models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var info collectionRow
	err = tx.GetContext(ctx, &info,
		`SELECT name, embedding_model, dimension FROM collections WHERE name = ?`, s.collection)
	if err != nil {
		return fmt.Errorf("failed to read collection: %w", err)
	}

	dimension := info.Dimension
	if dimension == 0 {
		dimension = len(chunks[0].Embedding)
	}
	if err := validateChunks(chunks, dimension); err != nil {
		return err
	}
	if info.Dimension == 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE collections SET dimension = ? WHERE name = ?`, dimension, s.collection); err != nil {
			return fmt.Errorf("failed to record dimension: %w", err)
		}
	}

	if err := s.insert(ctx, tx, chunks); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteIndex) insert(ctx context.Context, tx *sqlx.Tx, chunks []models.Chunk) error {
	for _, c := range chunks {
		if _, err := tx.NamedExecContext(ctx, sqliteUpsert, s.toRow(c)); err != nil {
			return fmt.Errorf("failed to insert chunk %s: %w", c.ID, err)
		}
	}
	return nil
}

func (s *SQLiteIndex) Query(ctx context.Context, vector []float32, k int) (models.RetrievalResult, error) {
	info, err := s.collectionInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrIndexUnavailable, err)
	}
	if err := validateQuery(vector, k, info.Dimension); err != nil {
		return nil, err
	}

	var rows []chunkRow
	err = s.db.SelectContext(ctx, &rows,
		`SELECT collection, id, content, page, source, embedding FROM chunks WHERE collection = ?`, s.collection)
	if err != nil {
		return nil, fmt.Errorf("failed to scan chunks: %w", err)
	}

	matches := make([]models.Match, 0, len(rows))
	for _, row := range rows {
		embedding, err := decodeEmbedding(row.Embedding)
		if err != nil {
			return nil, fmt.Errorf("chunk %s: %w", row.ID, err)
		}
		matches = append(matches, models.Match{
			Chunk:    row.toChunk(),
			Distance: cosineDistance(vector, embedding),
		})
	}
	return topK(matches, k), nil
}

func (s *SQLiteIndex) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM chunks WHERE collection = ?`, s.collection)
	if err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return n, nil
}

func (s *SQLiteIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`DELETE FROM chunks WHERE collection = ? AND id IN (?)`, s.collection, ids)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return nil
}

// Replace rewrites the collection in one transaction, so readers see either
// the old chunks or the new ones.
func (s *SQLiteIndex) Replace(ctx context.Context, info models.IndexInfo, chunks []models.Chunk) error {
	if err := validateChunks(chunks, info.Dimension); err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE collection = ?`, s.collection); err != nil {
		return fmt.Errorf("failed to clear collection: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO collections (name, embedding_model, dimension) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			embedding_model = excluded.embedding_model,
			dimension = excluded.dimension`,
		s.collection, info.Model, info.Dimension)
	if err != nil {
		return fmt.Errorf("failed to record collection: %w", err)
	}
	if err := s.insert(ctx, tx, chunks); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteIndex) Info(ctx context.Context) (models.IndexInfo, error) {
	row, err := s.collectionInfo(ctx)
	if err != nil {
		return models.IndexInfo{}, fmt.Errorf("%w: %w", types.ErrIndexUnavailable, err)
	}
	n, err := s.Count(ctx)
	if err != nil {
		return models.IndexInfo{}, err
	}
	return models.IndexInfo{
		Collection: row.Name,
		Model:      row.Model,
		Dimension:  row.Dimension,
		Count:      n,
	}, nil
}

func (s *SQLiteIndex) Close() error {
	return s.db.Close()
}

func (s *SQLiteIndex) toRow(c models.Chunk) chunkRow {
	row := chunkRow{
		Collection: s.collection,
		ID:         c.ID,
		Content:    c.Text,
		Source:     c.Metadata.Source,
		Embedding:  encodeEmbedding(c.Embedding),
	}
	if c.Metadata.Page != nil {
		row.Page = sql.NullInt64{Int64: int64(*c.Metadata.Page), Valid: true}
	}
	return row
}

func (r chunkRow) toChunk() models.Chunk {
	c := models.Chunk{
		ID:       r.ID,
		Text:     r.Content,
		Metadata: models.Metadata{Source: r.Source},
	}
	if r.Page.Valid {
		c.Metadata.Page = models.IntPtr(int(r.Page.Int64))
	}
	return c
}

func encodeEmbedding(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

func decodeEmbedding(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("embedding blob has %d bytes", len(buf))
	}
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return v, nil
}
