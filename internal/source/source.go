// Package source holds the closed set of source adapters. Each adapter
// downloads one artifact and turns it into payloads; everything after that is
// the shared ingest pipeline.
package source

import (
	"context"
	"time"

	"github.com/sells-group/regsync/internal/config"
	"github.com/sells-group/regsync/internal/fetcher"
	"github.com/sells-group/regsync/internal/model"
)

// Request is what an adapter gets from the batch's configuration snapshot.
type Request struct {
	SourceKey string
	Config    config.SourceConfig
	// TempDir is a working directory owned by the batch.
	TempDir string
	// Now is the batch start time.
	Now time.Time
}

// Since returns the lower bound implied by fetch.lookback_days, or the zero
// time when no lookback is configured.
func (r Request) Since() time.Time {
	if r.Config.Fetch.LookbackDays <= 0 {
		return time.Time{}
	}
	return r.Now.AddDate(0, 0, -r.Config.Fetch.LookbackDays)
}

// Artifact is the local result of a fetch.
type Artifact struct {
	Files []string
	Bytes int64
}

// Emit receives one parsed record. Returning an error stops parsing.
type Emit func(p *model.Payload) error

// Adapter fetches and parses one kind of upstream artifact.
type Adapter interface {
	// Name is the adapter key used in sources.<key>.adapter.
	Name() string

	// Fetch downloads the artifact into req.TempDir.
	Fetch(ctx context.Context, o *fetcher.Opener, req Request) (*Artifact, error)

	// Parse streams the artifact's records to emit in file order.
	Parse(ctx context.Context, art *Artifact, req Request, emit Emit) error
}
