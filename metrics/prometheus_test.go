package metrics

import "testing"

// These are smoke tests: they exercise the package-level counters the way
// every call site does, and would panic on a nil Namespace/Counter if the
// registration wiring were broken.
func TestCountersAcceptIncrements(t *testing.T) {
	ObjectsPut.WithValues("blobs").Inc(1)
	ObjectsGet.WithValues("manifests").Inc(1)
	GCDeleted.WithValues("blobs").Inc(1)
	GCKept.WithValues("snaps").Inc(1)
	GCSweepErrors.Inc(1)
	EventsPublished.WithValues("bundle.created").Inc(1)
	EventsDropped.WithValues("bundle.created").Inc(1)
	AuthAttempts.WithValues("ok").Inc(1)
}
