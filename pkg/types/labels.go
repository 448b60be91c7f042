package types

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
)

const (
	// LabelType marks containers created by the scheduler
	LabelType = "io.dynsched.type"
	// LabelNodeID holds the node id of the owning service
	LabelNodeID = "io.dynsched.node-id"
	// LabelRunID holds the run id of the owning service
	LabelRunID = "io.dynsched.run-id"
	// LabelContextChunks holds the number of context chunk labels
	LabelContextChunks = "io.dynsched.context.chunks"
	// LabelContextPrefix prefixes each context chunk label
	LabelContextPrefix = "io.dynsched.context."

	TypeSidecar = "dynamic-sidecar"
	TypeProxy   = "dynamic-proxy"

	// labelChunkSize keeps each value under containerd's 4096 byte label limit
	labelChunkSize = 3072
)

// EncodeLabels serializes the context into a set of container labels.
// The JSON document is gzipped, base64 encoded and split into chunks.
func EncodeLabels(c *TrackedServiceContext) (map[string]string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal context: %w", err)
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("failed to compress context: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress context: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(buf.Bytes())

	labels := map[string]string{
		LabelType:   TypeSidecar,
		LabelNodeID: c.NodeID,
		LabelRunID:  c.RunID,
	}
	n := 0
	for start := 0; start < len(encoded); start += labelChunkSize {
		end := start + labelChunkSize
		if end > len(encoded) {
			end = len(encoded)
		}
		labels[LabelContextPrefix+strconv.Itoa(n)] = encoded[start:end]
		n++
	}
	labels[LabelContextChunks] = strconv.Itoa(n)
	return labels, nil
}

// DecodeLabels rebuilds a context from labels written by EncodeLabels
func DecodeLabels(labels map[string]string) (*TrackedServiceContext, error) {
	countStr, ok := labels[LabelContextChunks]
	if !ok {
		return nil, fmt.Errorf("label %s not found", LabelContextChunks)
	}
	count, err := strconv.Atoi(countStr)
	if err != nil || count <= 0 {
		return nil, fmt.Errorf("invalid chunk count %q", countStr)
	}

	var encoded bytes.Buffer
	for i := 0; i < count; i++ {
		chunk, ok := labels[LabelContextPrefix+strconv.Itoa(i)]
		if !ok {
			return nil, fmt.Errorf("context chunk %d of %d missing", i, count)
		}
		encoded.WriteString(chunk)
	}

	compressed, err := base64.StdEncoding.DecodeString(encoded.String())
	if err != nil {
		return nil, fmt.Errorf("failed to decode context: %w", err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress context: %w", err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress context: %w", err)
	}

	var c TrackedServiceContext
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal context: %w", err)
	}
	return &c, nil
}
