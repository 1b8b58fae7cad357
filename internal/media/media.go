// Package media abstracts the remote media-processing service that owns all
// actual audio/video transport. The relay only brokers SDP/ICE between clients
// and this service.
package media

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// Client is one established connection to the media service.
type Client interface {
	// CreatePipeline allocates a new media pipeline on the remote service.
	CreatePipeline(ctx context.Context) (Pipeline, error)

	// Closed reports whether the underlying connection is gone. A closed client
	// must not be reused; callers obtain a fresh one from a Connector.
	Closed() bool

	Close() error
}

// Pipeline is a remote media-processing graph instance. Releasing a pipeline
// cascades to every endpoint created on it.
type Pipeline interface {
	CreateEndpoint(ctx context.Context) (Endpoint, error)
	Release(ctx context.Context) error
}

// Endpoint is a remote WebRTC ingress/egress point attached to a pipeline.
type Endpoint interface {
	ProcessOffer(ctx context.Context, offer string) (answer string, err error)
	GatherCandidates(ctx context.Context) error
	AddICECandidate(ctx context.Context, cand webrtc.ICECandidateInit) error

	// Connect plumbs this endpoint's media into sink. Both endpoints must live
	// on the same pipeline.
	Connect(ctx context.Context, sink Endpoint) error

	// OnICECandidate subscribes fn to candidates gathered remotely for this
	// endpoint. fn runs on a per-connection dispatch goroutine: a slow fn
	// delays later events on the same connection but never blocks the read
	// loop that RPC responses arrive on.
	OnICECandidate(ctx context.Context, fn func(webrtc.ICECandidateInit)) error

	Release(ctx context.Context) error
}
