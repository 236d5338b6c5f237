package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ledongthuc/pdf"
	"go.uber.org/zap"

	"github.com/liliang-cn/docqa/internal/config"
	"github.com/liliang-cn/docqa/internal/domain"
	"github.com/liliang-cn/docqa/internal/rag"
)

// embedBatchSize bounds one embeddings request during a build.
const embedBatchSize = 32

// FileType constants
const (
	FileTypePDF = "pdf"
	FileTypeMD  = "md"
	FileTypeTXT = "txt"
)

// Ensure the index service can feed retrievers.
var _ rag.IndexSource = (*IndexService)(nil)

// IndexService owns the document index: offline builds, snapshot
// persistence, and the instance served to concurrent readers. Builds are
// single-writer; readers always see either the previous complete index or
// the new complete index, never a partial one.
type IndexService struct {
	cfg      *config.Config
	chunker  *rag.Chunker
	embedder rag.Embedder
	logger   *zap.Logger

	buildMu sync.Mutex
	current atomic.Pointer[rag.Index]
}

// NewIndexService creates a new index service
func NewIndexService(cfg *config.Config, chunker *rag.Chunker, embedder rag.Embedder, logger *zap.Logger) *IndexService {
	return &IndexService{
		cfg:      cfg,
		chunker:  chunker,
		embedder: embedder,
		logger:   logger,
	}
}

// BuildStats reports what a completed build indexed.
type BuildStats struct {
	Documents int
	Chunks    int
}

// Current returns the index serving queries, or nil before the first
// successful build or snapshot load.
func (s *IndexService) Current() *rag.Index {
	return s.current.Load()
}

// Ready reports whether queries may run.
func (s *IndexService) Ready() bool {
	return s.current.Load() != nil
}

// Health reports the indexing state consumed by /health.
func (s *IndexService) Health() domain.HealthResponse {
	ix := s.current.Load()
	if ix == nil {
		return domain.HealthResponse{Status: "ok", Indexed: false}
	}
	return domain.HealthResponse{
		Status:       "ok",
		Indexed:      true,
		NumDocuments: ix.DocumentCount(),
	}
}

// LoadSnapshot restores the persisted index at startup. A missing
// snapshot is not an error; the service just starts unindexed.
func (s *IndexService) LoadSnapshot() (bool, error) {
	ix, err := rag.LoadIndex(s.cfg.Index.Path, s.embedder.Dimensions())
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	s.current.Store(ix)
	s.logger.Info("Index snapshot loaded",
		zap.String("path", s.cfg.Index.Path),
		zap.Int("chunks", ix.Len()),
		zap.Int("documents", ix.DocumentCount()))
	return true, nil
}

// Build chunks and embeds every document under docsDir into a fresh
// index, persists it, then swaps it in for readers. Only one build may
// run at a time; a second caller gets domain.ErrIndexing. A failed build
// leaves both the served index and the on-disk snapshot untouched.
func (s *IndexService) Build(ctx context.Context, docsDir string) (*BuildStats, error) {
	if !s.buildMu.TryLock() {
		return nil, domain.ErrIndexing
	}
	defer s.buildMu.Unlock()

	if docsDir == "" {
		docsDir = s.cfg.Index.DocsDir
	}

	docs, err := loadDocuments(docsDir)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("no indexable documents in %s", docsDir)
	}

	s.logger.Info("Index build started",
		zap.String("docs_dir", docsDir),
		zap.Int("documents", len(docs)))

	fresh, err := rag.NewIndex(s.embedder.Dimensions())
	if err != nil {
		return nil, err
	}

	var total int
	for _, doc := range docs {
		chunks, err := s.chunker.Split(doc)
		if err != nil {
			return nil, fmt.Errorf("chunk %s: %w", doc.SourcePath, err)
		}
		if err := s.addChunks(ctx, fresh, chunks); err != nil {
			return nil, fmt.Errorf("embed %s: %w", doc.SourcePath, err)
		}
		total += len(chunks)
	}

	// Persist before swap so an interrupted build leaves the previous
	// snapshot authoritative.
	if err := fresh.Persist(s.cfg.Index.Path); err != nil {
		return nil, err
	}
	s.current.Store(fresh)

	s.logger.Info("Index build completed",
		zap.Int("documents", len(docs)),
		zap.Int("chunks", total))

	return &BuildStats{Documents: len(docs), Chunks: total}, nil
}

func (s *IndexService) addChunks(ctx context.Context, ix *rag.Index, chunks []domain.Chunk) error {
	for start := 0; start < len(chunks); start += embedBatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + embedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}
		vectors, err := s.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return err
		}
		for i, c := range batch {
			if err := ix.Add(c, vectors[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

// DetectFileType detects file type from filename; empty means unsupported
func DetectFileType(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return FileTypePDF
	case ".md", ".markdown":
		return FileTypeMD
	case ".txt", ".text":
		return FileTypeTXT
	default:
		return ""
	}
}

// loadDocuments walks the corpus directory and reads every supported
// file. Document IDs are corpus-relative paths, so rebuilds over an
// unchanged corpus produce identical chunk IDs.
func loadDocuments(dir string) ([]domain.Document, error) {
	var docs []domain.Document
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		fileType := DetectFileType(d.Name())
		if fileType == "" {
			return nil
		}

		text, err := readDocument(path, fileType)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if strings.TrimSpace(text) == "" {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			rel = d.Name()
		}
		docs = append(docs, domain.Document{
			ID:         rel,
			SourcePath: rel,
			RawText:    text,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}
	return docs, nil
}

func readDocument(path, fileType string) (string, error) {
	if fileType == FileTypePDF {
		return readPDF(path)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func readPDF(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	body, err := r.GetPlainText()
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(body); err != nil {
		return "", err
	}
	return buf.String(), nil
}
