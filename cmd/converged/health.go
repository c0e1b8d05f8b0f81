package main

import (
	"context"

	"github.com/gorilla/mux"

	"github.com/converge/converge/configuration"
	"github.com/converge/converge/health"
	"github.com/converge/converge/health/checks"
)

// registerHealthChecks wires config.Health's FileCheckers/HTTPCheckers/
// StorageRoot section into health.DefaultRegistry and mounts
// health.StatusHandler, grounded on the teacher's own health/ package
// and its FileChecker/HTTPChecker helpers (health/checks/checks.go).
func registerHealthChecks(router *mux.Router, config *configuration.Configuration) {
	for _, fc := range config.Health.FileCheckers {
		checker := checks.FileChecker(fc.File)
		if fc.Threshold > 0 {
			updater := health.NewThresholdStatusUpdater(fc.Threshold)
			health.Register(fc.File, updater)
			go health.Poll(context.Background(), updater, checker, fc.Interval)
		} else {
			health.Register(fc.File, checker)
		}
	}

	for _, hc := range config.Health.HTTPCheckers {
		checker := checks.HTTPChecker(hc.URI, hc.StatusCode, hc.Timeout, nil)
		if hc.Threshold > 0 {
			updater := health.NewThresholdStatusUpdater(hc.Threshold)
			health.Register(hc.URI, updater)
			go health.Poll(context.Background(), updater, checker, hc.Interval)
		} else {
			health.Register(hc.URI, checker)
		}
	}

	if config.Health.StorageRoot.Enabled {
		checker := checks.StorageRootChecker(config.Storage.RootDirectory)
		if config.Health.StorageRoot.Threshold > 0 {
			updater := health.NewThresholdStatusUpdater(config.Health.StorageRoot.Threshold)
			health.Register("storage_root", updater)
			go health.Poll(context.Background(), updater, checker, config.Health.StorageRoot.Interval)
		} else {
			health.Register("storage_root", checker)
		}
	}

	router.Path("/debug/health").Name("health").HandlerFunc(health.StatusHandler)
}
