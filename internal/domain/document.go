package domain

// Document is a source text ingested during indexing. Immutable once
// created; re-indexing replaces the whole set.
type Document struct {
	ID         string `json:"id"`
	SourcePath string `json:"source_path"`
	RawText    string `json:"raw_text"`
}

// Chunk is a bounded slice of a document, the unit of retrieval.
// Offsets are byte positions into the document's raw text.
// Invariant: EndOffset > StartOffset.
type Chunk struct {
	ID          string `json:"id"`
	DocumentID  string `json:"document_id"`
	SourcePath  string `json:"source_path"`
	Text        string `json:"text"`
	StartOffset int    `json:"start_offset"`
	EndOffset   int    `json:"end_offset"`
}

// RetrievedChunk pairs a chunk with its similarity score for one query.
type RetrievedChunk struct {
	Chunk `json:"chunk"`
	Score float64 `json:"score"`
}

// Source is a citation entry returned with synchronous answers.
type Source struct {
	DocumentID string  `json:"document_id"`
	SourcePath string  `json:"source_path"`
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
}
