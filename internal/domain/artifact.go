package domain

// ArtifactKind identifies what a stage produced for a URL.
type ArtifactKind string

// Artifact kinds produced by pipeline stages.
const (
	ArtifactRawPage       ArtifactKind = "raw_page"
	ArtifactRawDocument   ArtifactKind = "raw_document"
	ArtifactExtractedText ArtifactKind = "extracted_chunk"
	ArtifactEmbedding     ArtifactKind = "embedding"
	ArtifactRewritten     ArtifactKind = "rewritten_text"
)

// Artifact is the output of a stage for one URL.
type Artifact struct {
	// Kind identifies the producing stage's output type.
	Kind ArtifactKind `json:"kind"`
	// SourceURL is the URL the artifact derives from.
	SourceURL string `json:"source_url"`
	// Path is the stable on-disk location of the artifact.
	Path string `json:"path"`
}

// Chunk is a unit of extracted text smaller than a full document. Chunks
// preserve document reading order via ID.
type Chunk struct {
	// Document is the source document's artifact filename.
	Document string `json:"document"`
	// ID is the chunk's position within the document, starting at 0.
	ID int `json:"chunk_id"`
	// Text is the extracted text.
	Text string `json:"text"`
	// SourceURL is the URL the document was fetched from, when known.
	SourceURL string `json:"source_url,omitempty"`
}

// Embedding is the vector computed for one chunk.
type Embedding struct {
	// Document and ChunkID tie the vector back to its chunk.
	Document string `json:"document"`
	ChunkID  int    `json:"chunk_id"`
	// Vector is the fixed-length embedding.
	Vector []float32 `json:"vector"`
	// Provider and Model identify what produced the vector, for cache
	// invalidation when either changes.
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// RewrittenText is a rewriter-stage output for one chunk.
type RewrittenText struct {
	Document string `json:"document"`
	ChunkID  int    `json:"chunk_id"`
	Text     string `json:"text"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
}
