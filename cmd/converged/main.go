// Command converged runs the Converge artifact repository server. It loads
// a YAML configuration, opens the identity and repository state stores,
// wires the notification bridge, and serves the capability table over
// HTTP, grounded on cmd/registry/main.go's flag-parse/configure/serve
// shape, adapted from stdlib flag to spf13/cobra.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/converge/converge/api"
	"github.com/converge/converge/api/errcode"
	"github.com/converge/converge/configuration"
	"github.com/converge/converge/internal/identity"
	"github.com/converge/converge/internal/notify"
	"github.com/converge/converge/internal/repostate"
)

func main() {
	root := &cobra.Command{
		Use:           "converged <config-path>",
		Short:         "Converge content-addressed artifact repository server",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	root.AddCommand(versionCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the converged version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("converged (development build)")
			return nil
		},
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	fp, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open configuration: %w", err)
	}
	defer fp.Close()

	config, err := configuration.Parse(fp)
	if err != nil {
		return fmt.Errorf("parse configuration: %w", err)
	}

	configureLogging(config)

	idStore, err := identity.Open(config.Identity.StateFile)
	if err != nil {
		return fmt.Errorf("open identity store: %w", err)
	}
	bootstrapAdmin(idStore, config)

	bridge := notify.NewBridge()
	defer bridge.Close()
	for _, ep := range config.Notifications.Endpoints {
		if ep.Disabled {
			continue
		}
		sink := notify.NewHTTPSink(ep.URL, ep.Headers, ep.Timeout)
		bridge.AddSink(notify.NewIgnoredSink(sink, ep.Ignore.Kinds))
		logrus.WithField("endpoint", ep.Name).Info("notification endpoint configured")
	}

	repos := repostate.NewStore(config.Storage.ReposDirectory)
	svc := api.New(repos, bridge)

	router := newRouter(svc, repos, idStore, config)
	registerHealthChecks(router, config)
	handler := responseHeadersMiddleware(config.HTTP.Headers, router)

	server := &http.Server{
		Addr:    config.HTTP.Addr,
		Handler: handler,
	}

	done := make(chan struct{})
	go waitForShutdown(server, config, done)

	logrus.WithField("addr", config.HTTP.Addr).Info("converged listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("listen: %w", err)
	}
	<-done
	return nil
}

// bootstrapAdmin creates the first admin user if configured, logging
// (rather than failing startup on) a Conflict from a prior bootstrap.
func bootstrapAdmin(idStore *identity.Store, config *configuration.Configuration) {
	if config.Identity.BootstrapHandle == "" {
		return
	}
	secret := os.Getenv(config.Identity.BootstrapRecoverySecretEnv)
	_, err := idStore.Bootstrap(config.Identity.BootstrapHandle, secret)
	if err == nil {
		logrus.WithField("handle", config.Identity.BootstrapHandle).Info("bootstrapped admin user")
		return
	}
	if ce, ok := err.(*errcode.Error); ok && ce.Descriptor.Code == errcode.Conflict.Code {
		logrus.Info("identity store already bootstrapped, skipping")
		return
	}
	logrus.WithError(err).Error("failed to bootstrap admin user")
}

func waitForShutdown(server *http.Server, config *configuration.Configuration, done chan<- struct{}) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	logrus.Info("stopping server gracefully")

	ctx, cancel := context.WithTimeout(context.Background(), config.HTTP.DrainTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logrus.WithError(err).Warn("error during graceful shutdown")
	}
	close(done)
}

// configureLogging sets the logrus level, formatter and caller reporting
// from config.Log, mirroring cmd/registry/main.go's configureLogging.
// config.Log.Fields is not attached to log output: the entry built from
// it below is discarded, and the standard logger is left unchanged.
func configureLogging(config *configuration.Configuration) {
	logrus.SetLevel(logLevel(config.Log.Level))

	if config.Log.Formatter == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else if config.Log.Formatter == "text" || config.Log.Formatter == "" {
		logrus.SetFormatter(&logrus.TextFormatter{})
	} else {
		logrus.WithField("formatter", config.Log.Formatter).Warn("unknown log formatter, using text")
		logrus.SetFormatter(&logrus.TextFormatter{})
	}

	logrus.SetReportCaller(config.Log.ReportCaller)

	if len(config.Log.Fields) > 0 {
		fields := logrus.Fields{}
		for k, v := range config.Log.Fields {
			fields[k] = v
		}
		logrus.StandardLogger().WithFields(fields)
	}
}

func logLevel(level configuration.Loglevel) logrus.Level {
	l, err := logrus.ParseLevel(string(level))
	if err != nil {
		logrus.WithField("level", level).Warn("unknown log level, defaulting to info")
		return logrus.InfoLevel
	}
	return l
}
