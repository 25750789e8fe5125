// Package locator defines the Locator dispatch client surface consumed by
// the Raft actor's remote peer client and by any other service client that
// needs to resolve a named service to live endpoints (spec §6).
package locator

import "context"

// Endpoint is a resolvable network address.
type Endpoint struct {
	IP   string
	Port uint16
}

// ClusterUpdate is one item of the stream returned by Connect, describing a
// change to a resolved service's routing graph.
type ClusterUpdate struct {
	Endpoints []Endpoint
	Version   uint32
}

// Client is the surface a Raft remote peer client, or any other service
// client, uses to find its peers (spec §6 "Locator dispatch").
type Client interface {
	// Resolve returns the current endpoints and routing graph version for
	// name. Errors: ServiceNotAvailable, RoutingStorageError (errcode.Locator
	// category).
	Resolve(ctx context.Context, name string) (endpoints []Endpoint, version uint32, err error)
	// Connect opens a stream of cluster updates for the resolved service
	// identified by uuid, until ctx is cancelled.
	Connect(ctx context.Context, uuid string) (<-chan ClusterUpdate, error)
	// Refresh re-reads a named routing group from external storage.
	Refresh(ctx context.Context, groupName string) error
}

// Static is a fixed-endpoint Client useful for tests and single-process
// demos where there is no real discovery backend.
type Static struct {
	Endpoints map[string][]Endpoint
}

func (s *Static) Resolve(_ context.Context, name string) ([]Endpoint, uint32, error) {
	eps, ok := s.Endpoints[name]
	if !ok {
		return nil, 0, errServiceNotAvailable(name)
	}
	return eps, 1, nil
}

func (s *Static) Connect(ctx context.Context, _ string) (<-chan ClusterUpdate, error) {
	ch := make(chan ClusterUpdate)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (s *Static) Refresh(context.Context, string) error { return nil }
