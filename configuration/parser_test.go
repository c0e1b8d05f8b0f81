package configuration

import (
	"os"
	"reflect"
	"testing"
)

type localConfiguration struct {
	Version       Version      `yaml:"version"`
	Log           *localLog    `yaml:"log"`
	Notifications []localNotif `yaml:"notifications,omitempty"`
}

type localLog struct {
	Formatter string `yaml:"formatter,omitempty"`
}

type localNotif struct {
	Name string `yaml:"name"`
}

var expectedConfig = localConfiguration{
	Version: "0.1",
	Log: &localLog{
		Formatter: "json",
	},
	Notifications: []localNotif{
		{Name: "foo"},
		{Name: "bar"},
		{Name: "car"},
	},
}

const testConfig = `version: "0.1"
log:
  formatter: "text"
notifications:
  - name: "foo"
  - name: "bar"
  - name: "car"`

func TestParserOverwriteInitializedPointer(t *testing.T) {
	config := localConfiguration{}

	os.Setenv("CONVERGE_LOG_FORMATTER", "json")
	defer os.Unsetenv("CONVERGE_LOG_FORMATTER")

	p := NewParser("converge", []VersionedParseInfo{
		{
			Version: "0.1",
			ParseAs: reflect.TypeOf(config),
			ConversionFunc: func(c interface{}) (interface{}, error) {
				return c, nil
			},
		},
	})

	if err := p.Parse([]byte(testConfig), &config); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !reflect.DeepEqual(config, expectedConfig) {
		t.Fatalf("expected %+v, got %+v", expectedConfig, config)
	}
}

const testConfig2 = `version: "0.1"
log:
  formatter: "text"
notifications:
  - name: "val1"
  - name: "val2"
  - name: "car"`

func TestParseOverwriteSliceElements(t *testing.T) {
	config := localConfiguration{}

	os.Setenv("CONVERGE_LOG_FORMATTER", "json")
	defer os.Unsetenv("CONVERGE_LOG_FORMATTER")

	// override only the first two notifications values in testConfig2;
	// leave the last value unchanged.
	os.Setenv("CONVERGE_NOTIFICATIONS_0_NAME", "foo")
	defer os.Unsetenv("CONVERGE_NOTIFICATIONS_0_NAME")
	os.Setenv("CONVERGE_NOTIFICATIONS_1_NAME", "bar")
	defer os.Unsetenv("CONVERGE_NOTIFICATIONS_1_NAME")

	p := NewParser("converge", []VersionedParseInfo{
		{
			Version: "0.1",
			ParseAs: reflect.TypeOf(config),
			ConversionFunc: func(c interface{}) (interface{}, error) {
				return c, nil
			},
		},
	})

	if err := p.Parse([]byte(testConfig2), &config); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !reflect.DeepEqual(config, expectedConfig) {
		t.Fatalf("expected %+v, got %+v", expectedConfig, config)
	}
}
