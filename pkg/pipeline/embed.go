package pipeline

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"
)

// Embedding is the §6 embedding artifact payload.
type Embedding struct {
	SchemaVersion string    `json:"schema_version"`
	ModelID       string    `json:"model_id"`
	ModelVersion  string    `json:"model_version"`
	Dimensions    int       `json:"dimensions"`
	Vector        []float64 `json:"vector"`
}

const embeddingSchemaVersion = "1.0"

// ComputeEmbedding derives a deterministic, L2-normalized vector from text
// plus the model's identity, per §4.9: "components are a pure function of
// the inputs (hash-seeded, normalized)". was_truncated reports whether
// text's estimated token count exceeds maxInputTokens — truncation itself
// never changes the hash seed, so the same oversized input always embeds
// to the same vector.
func ComputeEmbedding(text, modelID, modelVersion string, dimensions, maxInputTokens int) (Embedding, bool) {
	wasTruncated := estimateTokens(text) > maxInputTokens

	seed := strings.Join([]string{modelID, modelVersion, text}, "\x00")
	vector := make([]float64, dimensions)
	block := sha256.Sum256([]byte(seed))
	counter := uint32(0)
	for i := 0; i < dimensions; i++ {
		slot := i % 8
		if i > 0 && slot == 0 {
			counter++
			var ctrBytes [4]byte
			binary.BigEndian.PutUint32(ctrBytes[:], counter)
			block = sha256.Sum256(append([]byte(seed), ctrBytes[:]...))
		}
		chunk := binary.BigEndian.Uint32(block[slot*4 : slot*4+4])
		vector[i] = (float64(chunk%1_000_000) / 1_000_000.0) - 0.5
	}

	var norm float64
	for _, v := range vector {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range vector {
			vector[i] /= norm
		}
	}

	return Embedding{
		SchemaVersion: embeddingSchemaVersion,
		ModelID:       modelID,
		ModelVersion:  modelVersion,
		Dimensions:    dimensions,
		Vector:        vector,
	}, wasTruncated
}
