// Package configuration is Converge's versioned YAML configuration,
// grounded on registry's configuration/configuration.go: a Configuration
// struct decoded by a version-dispatching Parser (parser.go, kept as
// written since its reflection-based env-override walk is already fully
// generic) with environment-variable overrides following the same
// `Configuration.Abc.Xyz` -> `CONVERGE_ABC_XYZ` scheme.
package configuration

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Configuration is a versioned Converge server configuration, intended to
// be provided by a YAML file and optionally overridden by environment
// variables.
//
// Note that yaml field names should never include _ characters, since
// this is the separator used in environment variable names.
type Configuration struct {
	// Version is the version which defines the format of the rest of the
	// configuration.
	Version Version `yaml:"version"`

	// Log supports setting various parameters related to the logging
	// subsystem.
	Log Log `yaml:"log"`

	// Storage configures where the object store (C2) keeps blobs,
	// recipes, manifests, and snaps on disk.
	Storage StorageConfig `yaml:"storage"`

	// Identity configures the bootstrap-once admin account and the path
	// to the persisted identity.Store file.
	Identity Identity `yaml:"identity"`

	// HTTP contains configuration parameters for cmd/converged's thin
	// capability-table HTTP exposure.
	HTTP HTTP `yaml:"http,omitempty"`

	// Notifications specifies the sinks to which lifecycle events
	// (internal/notify) are dispatched.
	Notifications Notifications `yaml:"notifications,omitempty"`

	// GC holds retention settings mirroring gc.Options. The section is
	// parsed but nothing reads it: internal/gc takes its policy only from
	// the gc.Options passed to each run.
	GC GC `yaml:"gc,omitempty"`

	// Health provides the configuration section for health checks.
	Health Health `yaml:"health,omitempty"`
}

// StorageConfig configures the object store's root directory and
// optional per-repo state directory layout (§4.1, §4.8).
type StorageConfig struct {
	// RootDirectory is the filesystem path watched by the storage health
	// check. Object files are not stored here; see ReposDirectory.
	RootDirectory string `yaml:"rootdirectory"`

	// ReposDirectory is the filesystem path under which each
	// repository's repostate.Repo state file is persisted, together with
	// its object store (<repo_id>/objects/<kind>/).
	ReposDirectory string `yaml:"reposdirectory"`
}

// Identity configures bootstrap-once admin creation and where the
// identity.Store's user/token file lives.
type Identity struct {
	// StateFile is the path to the persisted identity store.
	StateFile string `yaml:"statefile"`

	// BootstrapHandle, if set, causes cmd/converged to attempt
	// identity.Store.Bootstrap with this handle on startup (a no-op,
	// returning Conflict silently logged, once a first user exists).
	BootstrapHandle string `yaml:"bootstraphandle,omitempty"`

	// BootstrapRecoverySecretEnv names an environment variable holding
	// the bootstrap admin's recovery secret, so the secret itself never
	// appears in the YAML file on disk.
	BootstrapRecoverySecretEnv string `yaml:"bootstraprecoverysecretenv,omitempty"`
}

// GC configures internal/gc's default retention policy and whether
// metadata pruning is enabled by default (§4.7).
type GC struct {
	// PruneMetadata mirrors gc.Options.PruneMetadata.
	PruneMetadata bool `yaml:"prunemetadata,omitempty"`

	// KeepLast mirrors gc.RetentionConfig.KeepLast.
	KeepLast *uint64 `yaml:"keeplast,omitempty"`

	// KeepDays mirrors gc.RetentionConfig.KeepDays.
	KeepDays *uint64 `yaml:"keepdays,omitempty"`

	// PruneReleasesKeepLast mirrors gc.Options.PruneReleasesKeepLast.
	PruneReleasesKeepLast *int `yaml:"prunereleaseskeeplast,omitempty"`
}

// Log represents the configuration for logging within the application.
type Log struct {
	// AccessLog configures access logging.
	AccessLog AccessLog `yaml:"accesslog,omitempty"`

	// Level is the granularity at which server operations are logged.
	Level Loglevel `yaml:"level,omitempty"`

	// Formatter overrides the default formatter with another. Options
	// include "text" and "json".
	Formatter string `yaml:"formatter,omitempty"`

	// Fields lists static fields for the logger context. It is parsed,
	// but cmd/converged does not add these fields to log entries.
	Fields map[string]interface{} `yaml:"fields,omitempty"`

	// ReportCaller allows the user to configure the log to report the
	// caller.
	ReportCaller bool `yaml:"reportcaller,omitempty"`
}

// AccessLog configures options for access logging.
type AccessLog struct {
	// Disabled is parsed but not read; cmd/converged has no access log
	// for it to switch off.
	Disabled bool `yaml:"disabled,omitempty"`
}

// Loglevel is the level at which server operations are logged.
type Loglevel string

// HTTP defines configuration options for cmd/converged's HTTP interface.
type HTTP struct {
	// Addr specifies the bind address for the server instance.
	Addr string `yaml:"addr,omitempty"`

	// Prefix is parsed but not applied: routes are registered without a
	// path prefix.
	Prefix string `yaml:"prefix,omitempty"`

	// Secret specifies the secret key bearer tokens are compared
	// against in constant time.
	Secret string `yaml:"secret,omitempty"`

	// DrainTimeout is the amount of time to wait for connections to
	// drain before shutting down when the server receives a stop
	// signal.
	DrainTimeout time.Duration `yaml:"draintimeout,omitempty"`

	// Headers is a set of headers to include in every HTTP response.
	Headers http.Header `yaml:"headers,omitempty"`
}

// Notifications configures the sinks internal/notify.Bridge fans events
// out to.
type Notifications struct {
	// Endpoints is a list of webhook configurations events are posted
	// to.
	Endpoints []Endpoint `yaml:"endpoints,omitempty"`
}

// Endpoint describes the configuration of an HTTP webhook notification
// endpoint.
type Endpoint struct {
	Name      string        `yaml:"name"`      // identifies the endpoint.
	Disabled  bool          `yaml:"disabled"`   // disables the endpoint
	URL       string        `yaml:"url"`        // post url for the endpoint.
	Headers   http.Header   `yaml:"headers"`    // static headers added to every request
	Timeout   time.Duration `yaml:"timeout"`    // HTTP timeout
	Threshold int           `yaml:"threshold"`  // parsed, not used: HTTPSink has no circuit breaker
	Backoff   time.Duration `yaml:"backoff"`    // parsed, not used: failed posts are not retried
	Ignore    Ignore        `yaml:"ignore"`     // ignore event kinds
}

// Ignore configures event kinds that should not be propagated to a sink.
type Ignore struct {
	Kinds []string `yaml:"kinds"` // notify.Kind values to drop
}

// FileChecker is a type of entry in the health section for checking
// files.
type FileChecker struct {
	Interval  time.Duration `yaml:"interval,omitempty"`
	File      string        `yaml:"file,omitempty"`
	Threshold int           `yaml:"threshold,omitempty"`
}

// HTTPChecker is a type of entry in the health section for checking HTTP
// URIs.
type HTTPChecker struct {
	Timeout    time.Duration `yaml:"timeout,omitempty"`
	StatusCode int
	Interval   time.Duration `yaml:"interval,omitempty"`
	URI        string        `yaml:"uri,omitempty"`
	Threshold  int           `yaml:"threshold,omitempty"`
}

// Health provides the configuration section for health checks.
type Health struct {
	FileCheckers []FileChecker `yaml:"file,omitempty"`
	HTTPCheckers []HTTPChecker `yaml:"http,omitempty"`

	// StorageRoot enables a health check verifying the object store's
	// root directory is still writable.
	StorageRoot struct {
		Enabled   bool          `yaml:"enabled,omitempty"`
		Interval  time.Duration `yaml:"interval,omitempty"`
		Threshold int           `yaml:"threshold,omitempty"`
	} `yaml:"storageroot,omitempty"`
}

// v0_1Configuration is a Version 0.1 Configuration struct. This is
// currently aliased to Configuration, as it is the only version.
type v0_1Configuration Configuration

// UnmarshalYAML implements the yaml.Unmarshaler interface. Unmarshals a
// string of the form X.Y into a Version, validating that X and Y can
// represent unsigned integers.
func (version *Version) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var versionString string
	if err := unmarshal(&versionString); err != nil {
		return err
	}

	parts := strings.SplitN(versionString, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("invalid version format %q, expected X.Y", versionString)
	}
	if _, err := strconv.ParseUint(parts[0], 10, 0); err != nil {
		return fmt.Errorf("invalid major version %q: %w", parts[0], err)
	}
	if _, err := strconv.ParseUint(parts[1], 10, 0); err != nil {
		return fmt.Errorf("invalid minor version %q: %w", parts[1], err)
	}

	*version = Version(versionString)
	return nil
}

// Parse parses an input configuration YAML document into a Configuration
// struct. This should generally be capable of handling old configuration
// format versions.
//
// Environment variables may be used to override configuration parameters
// other than version, following the scheme below:
// Configuration.Abc may be replaced by the value of CONVERGE_ABC,
// Configuration.Abc.Xyz may be replaced by the value of CONVERGE_ABC_XYZ,
// and so forth.
func Parse(rd io.Reader) (*Configuration, error) {
	in, err := io.ReadAll(rd)
	if err != nil {
		return nil, err
	}

	p := NewParser("converge", []VersionedParseInfo{
		{
			Version: MajorMinorVersion(0, 1),
			ParseAs: reflect.TypeOf(v0_1Configuration{}),
			ConversionFunc: func(c interface{}) (interface{}, error) {
				v0_1, ok := c.(*v0_1Configuration)
				if !ok {
					return nil, fmt.Errorf("expected *v0_1Configuration, received %#v", c)
				}
				if v0_1.Log.Level == Loglevel("") {
					v0_1.Log.Level = Loglevel("info")
				}
				if v0_1.Storage.RootDirectory == "" {
					return nil, errors.New("no storage.rootdirectory configured")
				}
				return (*Configuration)(v0_1), nil
			},
		},
	})

	config := new(Configuration)
	if err := p.Parse(in, config); err != nil {
		return nil, err
	}
	return config, nil
}
