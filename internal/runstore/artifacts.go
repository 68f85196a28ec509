package runstore

import (
	"encoding/base64"
	"fmt"
)

// Schematicer is implemented by any output value capable of producing a
// schematic byte representation — the "to_schematic() capability"
// referenced in §4.5.2. Values from the closed node-kind set never
// implement this directly; it exists for worker-returned handle
// materializations that carry schematic data.
type Schematicer interface {
	ToSchematic() ([]byte, error)
}

// ArtifactDescriptor replaces a binary value in a run's outputs once it has
// been extracted into an Artifact.
type ArtifactDescriptor struct {
	Format   string         `json:"format"`
	Data     string         `json:"data"` // base64
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ExtractArtifacts walks a run's final outputs per §4.5.2: values exposing
// Schematicer become schematic/schem artifacts, raw []byte values become
// data/binary artifacts, and everything else passes through unchanged. The
// returned outputs map has binary values replaced by ArtifactDescriptors.
func ExtractArtifacts(runID string, outputs map[string]any, nextID func() string) (map[string]any, []Artifact) {
	cleaned := make(map[string]any, len(outputs))
	var artifacts []Artifact

	for key, val := range outputs {
		switch v := val.(type) {
		case Schematicer:
			data, err := v.ToSchematic()
			if err != nil {
				cleaned[key] = fmt.Sprintf("schematic extraction failed: %v", err)
				continue
			}
			id := nextID()
			artifacts = append(artifacts, Artifact{
				ID: id, RunID: runID, Name: key,
				Category: ArtifactSchematic, Format: "schem", ByteSize: len(data), Data: data,
			})
			cleaned[key] = ArtifactDescriptor{Format: "schem", Data: base64.StdEncoding.EncodeToString(data)}
		case []byte:
			id := nextID()
			artifacts = append(artifacts, Artifact{
				ID: id, RunID: runID, Name: key,
				Category: ArtifactData, Format: "binary", ByteSize: len(v), Data: v,
			})
			cleaned[key] = ArtifactDescriptor{Format: "binary", Data: base64.StdEncoding.EncodeToString(v)}
		default:
			cleaned[key] = val
		}
	}

	return cleaned, artifacts
}
