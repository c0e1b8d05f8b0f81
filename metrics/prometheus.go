// Package metrics declares Converge's Prometheus namespaces and counters,
// grounded on the teacher's top-level metrics/prometheus.go (namespace
// declarations) and notifications/metrics.go (package-level counter vars
// referenced directly from the code paths they measure, rather than
// threaded through as a dependency).
package metrics

import "github.com/docker/go-metrics"

// NamespacePrefix is the namespace under which every Converge metric is
// registered.
const NamespacePrefix = "converge"

var (
	// ObjectStoreNamespace covers blob/recipe/manifest/snap put and get
	// operations (C2/C3).
	ObjectStoreNamespace = metrics.NewNamespace(NamespacePrefix, "objectstore", nil)

	// GCNamespace covers garbage collection sweeps (C10).
	GCNamespace = metrics.NewNamespace(NamespacePrefix, "gc", nil)

	// NotifyNamespace covers the lifecycle event bridge (§4.3).
	NotifyNamespace = metrics.NewNamespace(NamespacePrefix, "notify", nil)

	// IdentityNamespace covers authentication attempts (§4.8).
	IdentityNamespace = metrics.NewNamespace(NamespacePrefix, "identity", nil)
)

func init() {
	metrics.Register(ObjectStoreNamespace)
	metrics.Register(GCNamespace)
	metrics.Register(NotifyNamespace)
	metrics.Register(IdentityNamespace)
}

var (
	// ObjectsPut counts successful writes to the object store, by kind.
	ObjectsPut = ObjectStoreNamespace.NewLabeledCounter("put", "objects written to the object store", "kind")

	// ObjectsGet counts reads from the object store, by kind.
	ObjectsGet = ObjectStoreNamespace.NewLabeledCounter("get", "objects read from the object store", "kind")
)

var (
	// GCDeleted counts objects deleted by a sweep, by kind.
	GCDeleted = GCNamespace.NewLabeledCounter("deleted", "objects deleted by a sweep", "kind")

	// GCKept counts objects retained by a sweep, by kind.
	GCKept = GCNamespace.NewLabeledCounter("kept", "objects retained by a sweep", "kind")

	// GCSweepErrors counts per-object delete failures during a sweep.
	GCSweepErrors = GCNamespace.NewCounter("sweep_errors", "sweep operations that failed to delete an object")
)

var (
	// EventsPublished counts lifecycle events handed to the notify
	// bridge, by kind.
	EventsPublished = NotifyNamespace.NewLabeledCounter("published", "lifecycle events published", "kind")

	// EventsDropped counts events a sink failed to accept.
	EventsDropped = NotifyNamespace.NewLabeledCounter("dropped", "lifecycle events dropped by a sink", "kind")
)

var (
	// AuthAttempts counts bearer token authentication attempts, by
	// outcome ("ok" or "denied").
	AuthAttempts = IdentityNamespace.NewLabeledCounter("auth_attempts", "bearer token authentication attempts", "outcome")
)
