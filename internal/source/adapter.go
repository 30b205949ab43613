// Package source defines the uniform contract every upstream biomedical
// data provider is consumed through, and a registry that routes capability
// names to adapters. Per-source normalization lives in the adapter; the
// engine only ever sees flat records.
package source

import (
	"context"

	"github.com/converge-bio/converge-go/internal/domain"
)

// Adapter is the narrow interface to one upstream data source. Call returns
// normalized records or a *domain.AdapterError.
type Adapter interface {
	// Source names the upstream provider (rate limits are keyed by it).
	Source() string
	// Capabilities lists the capability names this adapter serves.
	Capabilities() []string
	Call(ctx context.Context, capability string, params map[string]any) (domain.Records, error)
}
