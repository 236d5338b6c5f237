package rag

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/liliang-cn/docqa/internal/domain"
)

// indexGenerations numbers index instances process-wide so read-through
// caches can key on which build produced a result.
var indexGenerations atomic.Uint64

// Snapshot artifact names inside the index directory.
const (
	vectorsFile = "vectors.idx"
	chunksFile  = "chunks.json"
)

// Binary snapshot header.
const (
	indexMagic   = "DQIX"
	indexVersion = uint32(1)
)

// Match is one nearest-neighbor search hit.
type Match struct {
	ChunkID string
	Score   float64
}

// Index is a flat, exact nearest-neighbor index over cosine similarity.
// Append-only: a rebuild produces a fresh instance which callers swap in
// whole, never an in-place mutation visible to readers.
type Index struct {
	mu         sync.RWMutex
	dimensions int
	generation uint64
	ids        []string
	vectors    [][]float32
	norms      []float64
	chunks     map[string]domain.Chunk
}

// NewIndex creates an empty index for vectors of the given dimensionality.
func NewIndex(dimensions int) (*Index, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("index dimensions must be positive, got %d", dimensions)
	}
	return &Index{
		dimensions: dimensions,
		generation: indexGenerations.Add(1),
		chunks:     make(map[string]domain.Chunk),
	}, nil
}

// Generation identifies which build produced this index instance.
func (ix *Index) Generation() uint64 {
	return ix.generation
}

// Add appends a chunk and its embedding to the index.
func (ix *Index) Add(chunk domain.Chunk, vector []float32) error {
	if len(vector) != ix.dimensions {
		return fmt.Errorf("%w: got %d, index holds %d", domain.ErrDimensionMismatch, len(vector), ix.dimensions)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.ids = append(ix.ids, chunk.ID)
	ix.vectors = append(ix.vectors, vector)
	ix.norms = append(ix.norms, norm(vector))
	ix.chunks[chunk.ID] = chunk
	return nil
}

// Search returns up to k chunks nearest to the query vector, ordered by
// descending cosine similarity with ties broken by insertion order. An
// empty index yields an empty result, never an error.
func (ix *Index) Search(vector []float32, k int) ([]Match, error) {
	if len(vector) != ix.dimensions {
		return nil, fmt.Errorf("%w: got %d, index holds %d", domain.ErrDimensionMismatch, len(vector), ix.dimensions)
	}
	if k <= 0 {
		return nil, nil
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if len(ix.ids) == 0 {
		return nil, nil
	}

	qnorm := norm(vector)
	matches := make([]Match, len(ix.ids))
	for i, stored := range ix.vectors {
		matches[i] = Match{
			ChunkID: ix.ids[i],
			Score:   cosine(vector, qnorm, stored, ix.norms[i]),
		}
	}

	// Stable sort over the insertion-ordered slice keeps ties deterministic.
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})

	if k > len(matches) {
		k = len(matches)
	}
	return matches[:k], nil
}

// Chunk returns the stored chunk for an ID returned by Search.
func (ix *Index) Chunk(id string) (domain.Chunk, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	c, ok := ix.chunks[id]
	return c, ok
}

// Len returns the number of indexed chunks.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.ids)
}

// Dimensions returns the vector size the index was built for.
func (ix *Index) Dimensions() int {
	return ix.dimensions
}

// DocumentCount returns the number of distinct documents indexed.
func (ix *Index) DocumentCount() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, c := range ix.chunks {
		seen[c.DocumentID] = struct{}{}
	}
	return len(seen)
}

// Persist writes the index as a versioned two-file snapshot: a binary
// vectors file and a JSON chunk mapping. Both are written to temp files
// and renamed into place so an interrupted write never clobbers the
// previous snapshot.
func (ix *Index) Persist(dir string) error {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create index directory: %w", err)
	}

	if err := writeAtomic(filepath.Join(dir, vectorsFile), ix.writeVectors); err != nil {
		return fmt.Errorf("failed to persist vectors: %w", err)
	}
	if err := writeAtomic(filepath.Join(dir, chunksFile), ix.writeChunks); err != nil {
		return fmt.Errorf("failed to persist chunk mapping: %w", err)
	}
	return nil
}

func (ix *Index) writeVectors(w *bufio.Writer) error {
	if _, err := w.WriteString(indexMagic); err != nil {
		return err
	}
	header := []uint32{indexVersion, uint32(ix.dimensions), uint32(len(ix.ids))}
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return err
	}
	for i, id := range ix.ids {
		if err := binary.Write(w, binary.LittleEndian, uint32(len(id))); err != nil {
			return err
		}
		if _, err := w.WriteString(id); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, ix.vectors[i]); err != nil {
			return err
		}
	}
	return nil
}

func (ix *Index) writeChunks(w *bufio.Writer) error {
	ordered := make([]domain.Chunk, len(ix.ids))
	for i, id := range ix.ids {
		ordered[i] = ix.chunks[id]
	}
	enc := json.NewEncoder(w)
	return enc.Encode(ordered)
}

func writeAtomic(path string, fill func(*bufio.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	if err := fill(w); err != nil {
		tmp.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// LoadIndex reads a snapshot written by Persist into a fresh index. It
// rejects snapshots whose declared dimensionality differs from dimensions
// and snapshots from unknown format versions.
func LoadIndex(dir string, dimensions int) (*Index, error) {
	f, err := os.Open(filepath.Join(dir, vectorsFile))
	if err != nil {
		return nil, fmt.Errorf("failed to open vectors file: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	magic := make([]byte, len(indexMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("failed to read snapshot header: %w", err)
	}
	if string(magic) != indexMagic {
		return nil, fmt.Errorf("not an index snapshot: bad magic %q", magic)
	}

	var header [3]uint32
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read snapshot header: %w", err)
	}
	version, dim, count := header[0], int(header[1]), int(header[2])
	if version != indexVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", version)
	}
	if dim != dimensions {
		return nil, fmt.Errorf("%w: snapshot holds %d-dim vectors, embedder produces %d",
			domain.ErrDimensionMismatch, dim, dimensions)
	}

	ix, err := NewIndex(dimensions)
	if err != nil {
		return nil, err
	}

	chunks, err := readChunks(filepath.Join(dir, chunksFile))
	if err != nil {
		return nil, err
	}
	if len(chunks) != count {
		return nil, fmt.Errorf("snapshot mismatch: %d vectors but %d chunks", count, len(chunks))
	}

	for i := 0; i < count; i++ {
		var idLen uint32
		if err := binary.Read(r, binary.LittleEndian, &idLen); err != nil {
			return nil, fmt.Errorf("failed to read vector row %d: %w", i, err)
		}
		idBuf := make([]byte, idLen)
		if _, err := io.ReadFull(r, idBuf); err != nil {
			return nil, fmt.Errorf("failed to read vector row %d: %w", i, err)
		}
		vec := make([]float32, dim)
		if err := binary.Read(r, binary.LittleEndian, vec); err != nil {
			return nil, fmt.Errorf("failed to read vector row %d: %w", i, err)
		}
		if chunks[i].ID != string(idBuf) {
			return nil, fmt.Errorf("snapshot mismatch: row %d holds chunk %q, mapping holds %q",
				i, idBuf, chunks[i].ID)
		}
		if err := ix.Add(chunks[i], vec); err != nil {
			return nil, err
		}
	}

	return ix, nil
}

func readChunks(path string) ([]domain.Chunk, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open chunk mapping: %w", err)
	}
	defer f.Close()

	var chunks []domain.Chunk
	if err := json.NewDecoder(f).Decode(&chunks); err != nil {
		return nil, fmt.Errorf("failed to decode chunk mapping: %w", err)
	}
	return chunks, nil
}

// cosine computes similarity with float64 accumulators; precomputed norms
// avoid rescanning stored vectors.
func cosine(q []float32, qnorm float64, v []float32, vnorm float64) float64 {
	if qnorm == 0 || vnorm == 0 {
		return 0
	}
	var dot float64
	for i := range q {
		dot += float64(q[i]) * float64(v[i])
	}
	return dot / (qnorm * vnorm)
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}
