// SPDX-License-Identifier: MIT

// Package sink holds the orchestrator's outbound persistence and notification
// surfaces. Sink failures are logged and counted but never block the dispatch
// pipeline.
package sink

import (
	"context"
	"strings"

	"github.com/hivemesh/hive/internal/params"
	"github.com/hivemesh/hive/internal/proto"
)

// ArtifactSink persists drone-produced output.
type ArtifactSink interface {
	StoreFacts(ctx context.Context, items []params.Value) error
	StoreSnippets(ctx context.Context, items []params.Value) error
	StoreArtifact(ctx context.Context, artifact proto.Artifact) error
}

// Dispatch routes an artifact to the matching sink method by its type:
// "facts" and "snippets" unwrap the data array, everything else is stored
// whole.
func Dispatch(ctx context.Context, s ArtifactSink, artifact proto.Artifact) error {
	switch strings.ToLower(artifact.Type) {
	case "facts":
		return s.StoreFacts(ctx, artifact.Data.Elems())
	case "snippets":
		return s.StoreSnippets(ctx, artifact.Data.Elems())
	default:
		return s.StoreArtifact(ctx, artifact)
	}
}

// SessionRegistry records browser session state reported back by drones.
type SessionRegistry interface {
	UpdateSessionState(ctx context.Context, leaseID string, state params.Map) error
}
