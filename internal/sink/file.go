// SPDX-License-Identifier: MIT

package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"

	"github.com/hivemesh/hive/internal/params"
	"github.com/hivemesh/hive/internal/proto"
)

// FileArtifactSink writes artifact payloads as JSON files under
// <root>/artifacts/<kind>/. Writes are atomic so a crashed write never leaves
// a half-written payload behind.
type FileArtifactSink struct {
	root string
}

func NewFileArtifactSink(dataDir string) (*FileArtifactSink, error) {
	root := filepath.Join(dataDir, "artifacts")
	for _, kind := range []string{"facts", "snippets", "misc"} {
		if err := os.MkdirAll(filepath.Join(root, kind), 0o750); err != nil {
			return nil, fmt.Errorf("create artifact dir: %w", err)
		}
	}
	return &FileArtifactSink{root: root}, nil
}

func (s *FileArtifactSink) write(kind string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s artifact: %w", kind, err)
	}
	name := fmt.Sprintf("%d-%s.json", time.Now().UnixNano(), uuid.NewString())
	path := filepath.Join(s.root, kind, name)
	if err := renameio.WriteFile(path, data, 0o640); err != nil {
		return fmt.Errorf("write %s artifact: %w", kind, err)
	}
	return nil
}

func (s *FileArtifactSink) StoreFacts(_ context.Context, items []params.Value) error {
	return s.write("facts", items)
}

func (s *FileArtifactSink) StoreSnippets(_ context.Context, items []params.Value) error {
	return s.write("snippets", items)
}

func (s *FileArtifactSink) StoreArtifact(_ context.Context, artifact proto.Artifact) error {
	return s.write("misc", artifact)
}

var _ ArtifactSink = (*FileArtifactSink)(nil)
