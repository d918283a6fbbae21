package docstore

import (
	"errors"
	"fmt"

	"github.com/acres-platform/tessera/internal/storage"
)

// ErrInvalidChunkConfig is returned for chunk sizes or overlaps that cannot
// produce a valid covering of the text.
var ErrInvalidChunkConfig = errors.New("invalid chunk configuration")

// Chunk is one contiguous slice of a document's text, addressable for retrieval.
type Chunk struct {
	ID         string
	DocumentID string
	Seq        int
	Text       string
}

// ValidateChunkConfig checks that maxSize and overlap describe a usable
// chunking: a positive window with a non-negative overlap strictly smaller
// than the window.
func ValidateChunkConfig(maxSize, overlap int) error {
	if maxSize <= 0 || overlap < 0 || overlap >= maxSize {
		return fmt.Errorf("%w: size=%d overlap=%d", ErrInvalidChunkConfig, maxSize, overlap)
	}
	return nil
}

// ChunkText splits text into overlapping windows of at most maxSize runes,
// each successive window starting maxSize−overlap runes after the previous.
// The split is deterministic: the same input always yields the same chunks.
// The final chunk is never shorter than overlap+1 runes, so concatenating
// chunk 0 with every later chunk minus its first overlap runes reproduces the
// text exactly.
func ChunkText(text string, maxSize, overlap int) ([]string, error) {
	if err := ValidateChunkConfig(maxSize, overlap); err != nil {
		return nil, err
	}

	runes := []rune(text)
	if len(runes) == 0 {
		return nil, nil
	}
	if len(runes) <= maxSize {
		return []string{text}, nil
	}

	stride := maxSize - overlap
	var chunks []string
	for start := 0; ; start += stride {
		end := start + maxSize
		if end >= len(runes) {
			chunks = append(chunks, string(runes[start:]))
			break
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks, nil
}

// ChunkDocument chunks the document's text and assigns stable chunk ids of the
// form "<documentID>-<seq>".
func ChunkDocument(d storage.Document, maxSize, overlap int) ([]Chunk, error) {
	texts, err := ChunkText(d.Text, maxSize, overlap)
	if err != nil {
		return nil, err
	}

	chunks := make([]Chunk, len(texts))
	for i, t := range texts {
		chunks[i] = Chunk{
			ID:         fmt.Sprintf("%s-%d", d.ID, i),
			DocumentID: d.ID,
			Seq:        i,
			Text:       t,
		}
	}
	return chunks, nil
}
