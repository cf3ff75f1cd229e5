package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"timertrigger/internal/trigger"
)

const validYAML = `
speedup: 1
components:
  - id: hello
    source: ./hello.wasm
  - id: slow
    source: ./slow.wasm
triggers:
  - component: hello
    interval_secs: 10
  - component: slow
    interval_secs: 1
logging:
  level: error
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trigger.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// unsetEnv removes key for the test and restores it afterwards.
func unsetEnv(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	if err := os.Unsetenv(key); err != nil {
		t.Fatal(err)
	}
}

func execute(args ...string) (string, error) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestValidatePrintsEffectiveIntervals(t *testing.T) {
	unsetEnv(t, "TIMER_SPEEDUP")
	path := writeConfig(t, validYAML)

	out, err := execute("validate", "-c", path, "--speedup", "4")
	if err != nil {
		t.Fatalf("validate: %v\n%s", err, out)
	}
	for _, want := range []string{"hello", "2.5s", "slow", "250ms", "speedup 4"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestValidateEnvSpeedup(t *testing.T) {
	t.Setenv("TIMER_SPEEDUP", "10")
	path := writeConfig(t, validYAML)

	out, err := execute("validate", "-c", path)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "100ms") || !strings.Contains(out, "speedup 10") {
		t.Fatalf("env speedup not applied:\n%s", out)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	unsetEnv(t, "TIMER_SPEEDUP")
	path := writeConfig(t, strings.Replace(validYAML, "interval_secs: 10", "interval_secs: 0", 1))

	_, err := execute("validate", "-c", path)
	var ce *trigger.ConfigurationError
	if !errors.As(err, &ce) || ce.Field != "triggers[0].interval_secs" {
		t.Fatalf("want ConfigurationError on triggers[0].interval_secs, got %v", err)
	}
}

func TestValidateUnparseableValues(t *testing.T) {
	cases := []struct {
		name  string
		body  string
		env   string
		field string
	}{
		{name: "interval", body: strings.Replace(validYAML, "interval_secs: 10", "interval_secs: soon", 1), field: "triggers.interval_secs"},
		{name: "speedup", body: strings.Replace(validYAML, "speedup: 1", "speedup: fast", 1), field: "speedup"},
		{name: "env speedup", body: validYAML, env: "fast", field: "env"},
		{name: "unknown key", body: validYAML + "cron: \"* * * * *\"\n", field: "cron"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.env != "" {
				t.Setenv("TIMER_SPEEDUP", tc.env)
			} else {
				unsetEnv(t, "TIMER_SPEEDUP")
			}
			path := writeConfig(t, tc.body)

			_, err := execute("validate", "-c", path)
			var ce *trigger.ConfigurationError
			if !errors.As(err, &ce) {
				t.Fatalf("want *trigger.ConfigurationError, got %T: %v", err, err)
			}
			if ce.Field != tc.field {
				t.Fatalf("field = %q, want %q (%v)", ce.Field, tc.field, err)
			}
		})
	}
}

func TestMissingConfigFile(t *testing.T) {
	unsetEnv(t, "TIMER_SPEEDUP")
	_, err := execute("validate", "-c", filepath.Join(t.TempDir(), "absent.yaml"))
	var ce *trigger.ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("want *trigger.ConfigurationError, got %T: %v", err, err)
	}
}

func TestConfigFlagRequired(t *testing.T) {
	if _, err := execute("validate"); err == nil {
		t.Fatal("expected missing --config error")
	}
}
