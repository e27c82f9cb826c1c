package retriever

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/randalmurphal/queryflow/pkg/llm"
)

// DefaultDimensions matches the default embedding model.
const DefaultDimensions = 768

// Chunk is a stored documentation passage.
type Chunk struct {
	ID        uint            `gorm:"primaryKey"`
	Title     string          `gorm:"type:text;not null"`
	Filename  string          `gorm:"type:text;not null;index"`
	ChunkID   int             `gorm:"not null;default:0"`
	Content   string          `gorm:"type:text;not null"`
	Embedding pgvector.Vector `gorm:"type:vector(768)"`
	CreatedAt time.Time       `gorm:"autoCreateTime"`
}

// TableName implements gorm's tabler.
func (Chunk) TableName() string {
	return "doc_chunks"
}

// PGVectorConfig configures a PGVector retriever.
type PGVectorConfig struct {
	Method Method
	// Alpha weights the vector score in hybrid search; 1-Alpha weights the
	// keyword score.
	Alpha float64
	// Language is the text search configuration, "english" by default.
	Language string
}

// PGVector searches chunks stored in postgres with the pgvector extension.
type PGVector struct {
	db       *gorm.DB
	embedder llm.Embedder
	cfg      PGVectorConfig
	logger   *slog.Logger
}

// OpenPostgres opens a gorm connection pool for dsn.
func OpenPostgres(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetConnMaxLifetime(time.Hour)
	return db, nil
}

// NewPGVector creates a retriever over db. The embedder is required for the
// vector and hybrid methods.
func NewPGVector(db *gorm.DB, embedder llm.Embedder, cfg PGVectorConfig, log *slog.Logger) (*PGVector, error) {
	if cfg.Method == "" {
		cfg.Method = MethodVector
	}
	if cfg.Method != MethodKeyword && embedder == nil {
		return nil, fmt.Errorf("%s search requires an embedder", cfg.Method)
	}
	if cfg.Alpha < 0 || cfg.Alpha > 1 {
		return nil, fmt.Errorf("hybrid alpha %v out of range [0,1]", cfg.Alpha)
	}
	if cfg.Language == "" {
		cfg.Language = "english"
	}
	if log == nil {
		log = slog.Default()
	}
	return &PGVector{db: db, embedder: embedder, cfg: cfg, logger: log}, nil
}

// Migrate creates the vector extension and the chunks table.
func (p *PGVector) Migrate(ctx context.Context) error {
	db := p.db.WithContext(ctx)
	if err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}
	if err := db.AutoMigrate(&Chunk{}); err != nil {
		return fmt.Errorf("migrate chunks: %w", err)
	}
	return nil
}

// Ingest embeds docs and stores them, replacing earlier chunks of the same
// files.
func (p *PGVector) Ingest(ctx context.Context, docs []Document) error {
	if p.embedder == nil {
		return errors.New("ingest requires an embedder")
	}
	chunks := make([]Chunk, 0, len(docs))
	files := map[string]struct{}{}
	for _, d := range docs {
		vec, err := p.embedder.Embed(ctx, d.Content)
		if err != nil {
			return fmt.Errorf("embed %s#%d: %w", d.Filename, d.ChunkID, err)
		}
		chunks = append(chunks, Chunk{
			Title:     d.Title,
			Filename:  d.Filename,
			ChunkID:   d.ChunkID,
			Content:   d.Content,
			Embedding: pgvector.NewVector(vec),
		})
		files[d.Filename] = struct{}{}
	}
	if len(chunks) == 0 {
		return nil
	}

	names := make([]string, 0, len(files))
	for f := range files {
		names = append(names, f)
	}
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("filename IN ?", names).Delete(&Chunk{}).Error; err != nil {
			return err
		}
		return tx.CreateInBatches(chunks, 100).Error
	})
}

// Search implements Retriever.
func (p *PGVector) Search(ctx context.Context, query string, k int) ([]Document, error) {
	if k <= 0 {
		k = 3
	}

	var vec *pgvector.Vector
	if p.cfg.Method != MethodKeyword {
		emb, err := p.embedder.Embed(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("embed query: %w", err)
		}
		v := pgvector.NewVector(emb)
		vec = &v
	}

	type row struct {
		Title    string
		Filename string
		ChunkID  int
		Content  string
		Score    float64
	}
	var rows []row
	if err := p.query(p.db.WithContext(ctx), query, vec, k).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%s search: %w", p.cfg.Method, err)
	}

	docs := make([]Document, len(rows))
	for i, r := range rows {
		docs[i] = Document{
			Content:  r.Content,
			Title:    r.Title,
			Filename: r.Filename,
			ChunkID:  r.ChunkID,
			Score:    r.Score,
		}
	}
	p.logger.Debug("retrieval completed",
		slog.String("method", string(p.cfg.Method)),
		slog.Int("results", len(docs)))
	return docs, nil
}

// query builds the ranked select for the configured method.
func (p *PGVector) query(db *gorm.DB, text string, vec *pgvector.Vector, k int) *gorm.DB {
	const cols = "title, filename, chunk_id, content"
	tsRank := "ts_rank(to_tsvector(?::regconfig, content), plainto_tsquery(?::regconfig, ?))"
	lang := p.cfg.Language

	q := db.Model(&Chunk{})
	switch p.cfg.Method {
	case MethodKeyword:
		q = q.Select(cols+", "+tsRank+" AS score", lang, lang, text).
			Where("to_tsvector(?::regconfig, content) @@ plainto_tsquery(?::regconfig, ?)", lang, lang, text)
	case MethodHybrid:
		q = q.Select(cols+", ? * (1 - (embedding <=> ?)) + ? * "+tsRank+" AS score",
			p.cfg.Alpha, *vec, 1-p.cfg.Alpha, lang, lang, text)
	default:
		q = q.Select(cols+", 1 - (embedding <=> ?) AS score", *vec)
	}
	return q.Order("score DESC").Limit(k)
}
