package applyengine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/prn-tf/deltarepo/internal/deltametadata"
)

// chunk is a content-defined slice of a metadata document, identified by
// the hash of its bytes.
type chunk struct {
	Hash   string
	Offset int64
	Data   []byte
}

// instructionType distinguishes a copy-from-source instruction from an
// insert-new-bytes instruction.
type instructionType string

const (
	instCopy   instructionType = "copy"
	instInsert instructionType = "insert"
)

type instruction struct {
	Type         instructionType `json:"type"`
	SourceOffset int64           `json:"source_offset"`
	TargetOffset int64           `json:"target_offset"`
	Length       int64           `json:"length"`
}

type fileDelta struct {
	Instructions []instruction `json:"instructions"`
	TotalSize    int64         `json:"total_size"`
}

// fastCDCChunker splits content into variable-size chunks with a
// mask-based boundary test over a multiplicative hash that accumulates
// from the start of the current chunk and resets at every boundary (it is
// not a sliding-window hash). Boundaries depend on content, but after an
// insertion or deletion the later chunks line up with the original ones
// again only where a boundary happens to fall at the same content
// position; chunks after the edit can therefore all differ.
type fastCDCChunker struct {
	minSize, avgSize, maxSize int
}

func newFastCDCChunker() *fastCDCChunker {
	return &fastCDCChunker{minSize: 1 << 10, avgSize: 4 << 10, maxSize: 16 << 10}
}

const cdcPrime uint64 = 1099511628211

func (c *fastCDCChunker) chunkAll(data []byte) []chunk {
	if len(data) == 0 {
		return nil
	}

	mask := uint64(c.avgSize - 1)
	var chunks []chunk
	start := 0
	var h uint64

	for i := 0; i < len(data); i++ {
		h = (h*cdcPrime + uint64(data[i])) & 0xffffffff
		size := i - start + 1

		boundary := size >= c.minSize && (h&mask) == 0
		if size >= c.maxSize {
			boundary = true
		}
		if boundary {
			chunks = append(chunks, makeChunk(data[start:i+1], int64(start)))
			start = i + 1
			h = 0
		}
	}
	if start < len(data) {
		chunks = append(chunks, makeChunk(data[start:], int64(start)))
	}
	return chunks
}

func makeChunk(data []byte, offset int64) chunk {
	sum := sha256.Sum256(data)
	buf := make([]byte, len(data))
	copy(buf, data)
	return chunk{Hash: hex.EncodeToString(sum[:]), Offset: offset, Data: buf}
}

// computeFileDelta diffs target against base at the chunk level, emitting
// copy instructions for chunks target shares with base and insert
// instructions (with their bytes appended to insertData) for the rest.
func computeFileDelta(base, target []byte) (fileDelta, []byte) {
	chunker := newFastCDCChunker()
	baseChunks := chunker.chunkAll(base)

	baseIndex := make(map[string]chunk, len(baseChunks))
	for _, c := range baseChunks {
		baseIndex[c.Hash] = c
	}

	targetChunks := chunker.chunkAll(target)

	var instructions []instruction
	var insertData []byte
	var insertOffset int64
	var targetOffset int64

	for _, tc := range targetChunks {
		if bc, ok := baseIndex[tc.Hash]; ok {
			instructions = append(instructions, instruction{
				Type:         instCopy,
				SourceOffset: bc.Offset,
				TargetOffset: targetOffset,
				Length:       int64(len(tc.Data)),
			})
		} else {
			instructions = append(instructions, instruction{
				Type:         instInsert,
				SourceOffset: insertOffset,
				TargetOffset: targetOffset,
				Length:       int64(len(tc.Data)),
			})
			insertData = append(insertData, tc.Data...)
			insertOffset += int64(len(tc.Data))
		}
		targetOffset += int64(len(tc.Data))
	}

	return fileDelta{Instructions: instructions, TotalSize: targetOffset}, insertData
}

// applyFileDelta reconstructs target bytes from base + a fileDelta's
// instructions + the insert-data blob they reference.
func applyFileDelta(base []byte, d fileDelta, insertData []byte) ([]byte, error) {
	out := make([]byte, d.TotalSize)
	for _, inst := range d.Instructions {
		switch inst.Type {
		case instCopy:
			if inst.SourceOffset+inst.Length > int64(len(base)) {
				return nil, fmt.Errorf("cdc: copy instruction exceeds base size")
			}
			copy(out[inst.TargetOffset:], base[inst.SourceOffset:inst.SourceOffset+inst.Length])
		case instInsert:
			if inst.SourceOffset+inst.Length > int64(len(insertData)) {
				return nil, fmt.Errorf("cdc: insert instruction exceeds insert data size")
			}
			copy(out[inst.TargetOffset:], insertData[inst.SourceOffset:inst.SourceOffset+inst.Length])
		default:
			return nil, fmt.Errorf("cdc: unknown instruction type %q", inst.Type)
		}
	}
	return out, nil
}

// CDCPlugin applies content-defined-chunking deltas: each delta-tree file
// named "<metadata-type>.cdcdelta" is a JSON-encoded fileDelta, paired with
// an "<metadata-type>.cdcinsert" raw insert-data blob, diffed against the
// correspondingly named file in sourceDir.
type CDCPlugin struct{}

func (CDCPlugin) Name() string { return "cdc" }

func (CDCPlugin) NeededMetadata(bundle deltametadata.PluginBundle) []string {
	types := bundle.Data.GetList("metadata_types")
	names := make([]string, 0, len(types))
	for _, m := range types {
		if t, ok := m["type"]; ok {
			names = append(names, t)
		}
	}
	return names
}

func (CDCPlugin) Apply(ctx context.Context, sourceDir, deltaDir, outDir string, bundle deltametadata.PluginBundle) error {
	entries, err := os.ReadDir(deltaDir)
	if err != nil {
		return fmt.Errorf("cdc plugin: read delta dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".cdcdelta" {
			continue
		}
		base := e.Name()[:len(e.Name())-len(".cdcdelta")]

		deltaBytes, err := os.ReadFile(filepath.Join(deltaDir, e.Name()))
		if err != nil {
			return fmt.Errorf("cdc plugin: read delta %s: %w", base, err)
		}
		var fd fileDelta
		if err := json.Unmarshal(deltaBytes, &fd); err != nil {
			return fmt.Errorf("cdc plugin: decode delta %s: %w", base, err)
		}

		insertData, err := os.ReadFile(filepath.Join(deltaDir, base+".cdcinsert"))
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("cdc plugin: read insert data %s: %w", base, err)
		}

		baseData, err := os.ReadFile(filepath.Join(sourceDir, base))
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("cdc plugin: read base %s: %w", base, err)
		}

		result, err := applyFileDelta(baseData, fd, insertData)
		if err != nil {
			return fmt.Errorf("cdc plugin: apply %s: %w", base, err)
		}

		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(outDir, base), result, 0o644); err != nil {
			return fmt.Errorf("cdc plugin: write %s: %w", base, err)
		}
	}
	return nil
}

// BuildDelta is a producer-side helper (not used by Apply) that computes
// the .cdcdelta/.cdcinsert pair for one file, for tooling that generates
// CDC-backed delta repositories.
func BuildDelta(base, target io.Reader) (fileDelta []byte, insertData []byte, err error) {
	b, err := io.ReadAll(base)
	if err != nil {
		return nil, nil, err
	}
	t, err := io.ReadAll(target)
	if err != nil {
		return nil, nil, err
	}
	fd, insert := computeFileDelta(b, t)
	encoded, err := json.Marshal(fd)
	if err != nil {
		return nil, nil, err
	}
	return encoded, insert, nil
}

var _ Plugin = CDCPlugin{}
var _ Plugin = NoopPlugin{}
