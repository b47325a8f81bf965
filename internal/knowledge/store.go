// Package knowledge is the vector store behind knowledge workspaces. Each
// workspace is a chromem collection; documents are chunked with langchaingo
// splitters and embedded through a langchaingo embedder.
package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/philippgille/chromem-go"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
	lcschema "github.com/tmc/langchaingo/schema"

	"github.com/rendis/codeloop/internal/logging"
	"github.com/rendis/codeloop/pkg/schema"
)

// Hit is one search result.
type Hit struct {
	Content string  `json:"content"`
	Score   float32 `json:"score"`
	Source  string  `json:"source,omitempty"`
}

// VectorStore is what the setup and execution phases need from the store.
type VectorStore interface {
	Collections() ([]string, error)
	DeleteCollection(name string) error
	LoadFile(ctx context.Context, path, fileType string, chunkSize, chunkOverlap int) ([]lcschema.Document, error)
	Index(ctx context.Context, docs []lcschema.Document, collection string) error
	Search(ctx context.Context, collection, query string, k, rerankTopN int) ([]Hit, error)
	Close() error
}

// EmbeddingConfig selects the embedding endpoint.
type EmbeddingConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

// Config configures a Store.
type Config struct {
	Path        string
	Compress    bool
	Concurrency int
	Embedding   EmbeddingConfig
}

// Store is a persistent chromem database.
type Store struct {
	db          *chromem.DB
	embed       chromem.EmbeddingFunc
	concurrency int
	logger      *slog.Logger

	mu     sync.Mutex
	closed bool
}

var _ VectorStore = (*Store)(nil)

// Open creates the store directory if needed and opens it with an
// OpenAI-compatible embedder.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Embedding.Model == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "knowledge: embedding model is required")
	}
	token := cfg.Embedding.APIKey
	if token == "" {
		token = "placeholder"
	}
	opts := []openai.Option{
		openai.WithEmbeddingModel(cfg.Embedding.Model),
		openai.WithToken(token),
	}
	if cfg.Embedding.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.Embedding.BaseURL))
	}
	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating embedding client: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(client)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	return OpenWithEmbedding(cfg, func(ctx context.Context, text string) ([]float32, error) {
		return embedder.EmbedQuery(ctx, text)
	}, logger)
}

// OpenWithEmbedding opens the store with a caller-supplied embedding function.
func OpenWithEmbedding(cfg Config, embed chromem.EmbeddingFunc, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	path, err := expandPath(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("expanding path: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", path, err)
	}
	db, err := chromem.NewPersistentDB(path, cfg.Compress)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "knowledge: opening vector db").WithCause(err)
	}
	conc := cfg.Concurrency
	if conc <= 0 {
		conc = 4
	}
	logger.Info("vector store opened", "path", path, "compress", cfg.Compress)
	return &Store{db: db, embed: embed, concurrency: conc, logger: logger}, nil
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

func (s *Store) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return schema.NewError(schema.ErrCodeStore, "knowledge: store is closed")
	}
	return nil
}

// Collections returns the workspace names, sorted.
func (s *Store) Collections() ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	cols := s.db.ListCollections()
	names := make([]string, 0, len(cols))
	for name := range cols {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// DeleteCollection drops a workspace and its documents.
func (s *Store) DeleteCollection(name string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.db.DeleteCollection(name); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "knowledge: deleting collection %s", name).WithCause(err)
	}
	s.logger.Info("collection deleted", "collection", name)
	return nil
}

// LoadFile reads and chunks one file. See LoadFile at package level.
func (s *Store) LoadFile(ctx context.Context, path, fileType string, chunkSize, chunkOverlap int) ([]lcschema.Document, error) {
	return LoadFile(ctx, path, fileType, chunkSize, chunkOverlap)
}

// Index embeds docs into collection, creating it if needed.
func (s *Store) Index(ctx context.Context, docs []lcschema.Document, collection string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	col, err := s.db.GetOrCreateCollection(collection, nil, s.embed)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "knowledge: opening collection %s", collection).WithCause(err)
	}
	if len(docs) == 0 {
		return nil
	}
	out := make([]chromem.Document, 0, len(docs))
	for _, d := range docs {
		if strings.TrimSpace(d.PageContent) == "" {
			continue
		}
		out = append(out, chromem.Document{
			ID:       uuid.NewString(),
			Content:  d.PageContent,
			Metadata: stringMetadata(d.Metadata),
		})
	}
	if len(out) == 0 {
		return nil
	}
	if err := col.AddDocuments(ctx, out, s.concurrency); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "knowledge: indexing into %s", collection).WithCause(err)
	}
	s.logger.InfoContext(ctx, "documents indexed", "collection", collection, "count", len(out))
	return nil
}

// Search returns up to k nearest chunks. When rerankTopN is positive only the
// best rerankTopN hits by similarity are kept.
func (s *Store) Search(ctx context.Context, collection, query string, k, rerankTopN int) ([]Hit, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "knowledge: k must be positive, got %d", k)
	}
	col := s.db.GetCollection(collection, s.embed)
	if col == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "knowledge: collection %s not found", collection)
	}
	// chromem rejects nResults above the document count.
	count := col.Count()
	if count == 0 || strings.TrimSpace(query) == "" {
		return []Hit{}, nil
	}
	if k > count {
		k = count
	}
	results, err := col.Query(ctx, query, k, nil, nil)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "knowledge: querying %s", collection).WithCause(err)
	}
	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, Hit{Content: r.Content, Score: r.Similarity, Source: r.Metadata["source"]})
	}
	return rerank(hits, rerankTopN), nil
}

func rerank(hits []Hit, topN int) []Hit {
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if topN > 0 && len(hits) > topN {
		hits = hits[:topN]
	}
	return hits
}

// Close releases the store. chromem persists on every write, so Close only
// fences further use.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.logger.Info("vector store closed")
	return nil
}

func stringMetadata(m map[string]any) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = fmt.Sprint(v)
	}
	return out
}
