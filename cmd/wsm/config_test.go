package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/calvinalkan/wsm/session"
)

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	defaults := DefaultConfig()

	withDefaults := func(mutate func(c *Config)) Config {
		c := DefaultConfig()
		mutate(&c)

		return c
	}

	tests := []struct {
		name        string
		globalFiles map[string]string // path -> content (relative to XDG_CONFIG_HOME)
		explicit    string            // content of the --config file, empty means no flag
		env         map[string]string
		want        Config
		wantErr     string // substring of error message, empty means no error
	}{
		{
			name: "defaults when no config files",
			want: defaults,
		},
		{
			name: "global config .json",
			globalFiles: map[string]string{
				"wsm/config.json": `{"wait_timeout": 20, "env_files": "declarative"}`,
			},
			want: withDefaults(func(c *Config) {
				c.WaitTimeout = floatPtr(20)
				c.EnvFiles = envFilesDeclarative
			}),
		},
		{
			name: "global config .jsonc with comments",
			globalFiles: map[string]string{
				"wsm/config.jsonc": `{
					// settle a bit longer
					"settle_time": 0.5,
					/* block comment */
					"use_session_slice": true,
				}`,
			},
			want: withDefaults(func(c *Config) {
				c.SettleTime = floatPtr(0.5)
				c.UseSessionSlice = boolPtr(true)
			}),
		},
		{
			name: "error when both .json and .jsonc exist",
			globalFiles: map[string]string{
				"wsm/config.json":  `{}`,
				"wsm/config.jsonc": `{}`,
			},
			wantErr: "both",
		},
		{
			name: "explicit config overrides global",
			globalFiles: map[string]string{
				"wsm/config.json": `{"wait_timeout": 20, "finalize_varnames": ["A"]}`,
			},
			explicit: `{"wait_timeout": 30}`,
			want: withDefaults(func(c *Config) {
				c.WaitTimeout = floatPtr(30)
				c.FinalizeVarnames = []string{"A"}
			}),
		},
		{
			name: "policy lists accumulate",
			globalFiles: map[string]string{
				"wsm/config.json": `{"policy": {"always_export": ["A"], "never_cleanup": ["N"]}}`,
			},
			explicit: `{"policy": {"always_export": ["B"]}}`,
			want: withDefaults(func(c *Config) {
				c.Policy = session.PolicyLists{
					AlwaysExport: []string{"A", "B"},
					NeverCleanup: []string{"N"},
				}
			}),
		},
		{
			name: "env overrides config",
			globalFiles: map[string]string{
				"wsm/config.json": `{"wait_timeout": 20, "use_session_slice": true}`,
			},
			env: map[string]string{
				envWaitTimeout:     "15",
				envSettleTime:      "0",
				envUseSessionSlice: "false",
			},
			want: withDefaults(func(c *Config) {
				c.WaitTimeout = floatPtr(15)
				c.SettleTime = floatPtr(0)
				c.UseSessionSlice = boolPtr(false)
			}),
		},
		{
			name:    "error on unparsable env override",
			env:     map[string]string{envWaitTimeout: "soon"},
			wantErr: envWaitTimeout,
		},
		{
			name:    "error on wait timeout below one second",
			env:     map[string]string{envWaitTimeout: "0.5"},
			wantErr: "at least 1 second",
		},
		{
			name: "error on negative settle time",
			globalFiles: map[string]string{
				"wsm/config.json": `{"settle_time": -1}`,
			},
			wantErr: "must not be negative",
		},
		{
			name: "error on unknown env_files loader",
			globalFiles: map[string]string{
				"wsm/config.json": `{"env_files": "bash"}`,
			},
			wantErr: "env_files",
		},
		{
			name: "error on invalid json",
			globalFiles: map[string]string{
				"wsm/config.json": `{"wait_timeout": }`,
			},
			wantErr: "parsing config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			xdgConfigHome := t.TempDir()

			for path, content := range tt.globalFiles {
				writeTestFile(t, filepath.Join(xdgConfigHome, path), content)
			}

			env := map[string]string{"XDG_CONFIG_HOME": xdgConfigHome}
			for k, v := range tt.env {
				env[k] = v
			}

			input := LoadConfigInput{Env: env}

			if tt.explicit != "" {
				input.ConfigPath = filepath.Join(t.TempDir(), "explicit.json")
				writeTestFile(t, input.ConfigPath, tt.explicit)
			}

			got, err := LoadConfig(input)

			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("want error containing %q, got nil", tt.wantErr)
				}

				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("want error containing %q, got %q", tt.wantErr, err.Error())
				}

				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if diff := cmp.Diff(tt.want, got, cmpopts.IgnoreFields(Config{}, "Files"), cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("config mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func Test_LoadConfig_Records_Loaded_Files_In_Order(t *testing.T) {
	t.Parallel()

	xdgConfigHome := t.TempDir()
	global := filepath.Join(xdgConfigHome, "wsm", "config.jsonc")
	explicit := filepath.Join(t.TempDir(), "extra.json")

	writeTestFile(t, global, `{}`)
	writeTestFile(t, explicit, `{}`)

	cfg, err := LoadConfig(LoadConfigInput{
		ConfigPath: explicit,
		Env:        map[string]string{"XDG_CONFIG_HOME": xdgConfigHome},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if diff := cmp.Diff([]string{global, explicit}, cfg.Files); diff != "" {
		t.Errorf("files mismatch (-want +got):\n%s", diff)
	}
}

func Test_LoadConfig_Falls_Back_To_Home_When_XDG_Config_Home_Unset(t *testing.T) {
	t.Parallel()

	home := t.TempDir()
	writeTestFile(t, filepath.Join(home, ".config", "wsm", "config.json"), `{"wait_timeout": 42}`)

	cfg, err := LoadConfig(LoadConfigInput{Env: map[string]string{"HOME": home}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := cfg.WaitTimeoutDuration(); got != 42*time.Second {
		t.Errorf("WaitTimeoutDuration() = %v, want 42s", got)
	}
}

func Test_LoadConfig_Fails_When_Explicit_Config_Missing(t *testing.T) {
	t.Parallel()

	_, err := LoadConfig(LoadConfigInput{
		ConfigPath: filepath.Join(t.TempDir(), "missing.json"),
		Env:        map[string]string{"XDG_CONFIG_HOME": t.TempDir()},
	})
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("error = %v, want os.ErrNotExist", err)
	}
}

func Test_Config_Durations(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()

	if got := cfg.WaitTimeoutDuration(); got != session.DefaultWaitTimeout {
		t.Errorf("default WaitTimeoutDuration() = %v, want %v", got, session.DefaultWaitTimeout)
	}

	if got := cfg.SettleDuration(); got != session.DefaultSettleTime {
		t.Errorf("default SettleDuration() = %v, want %v", got, session.DefaultSettleTime)
	}

	cfg.SettleTime = floatPtr(0)

	if got := cfg.SettleDuration(); got != 0 {
		t.Errorf("SettleDuration() = %v, want 0", got)
	}

	cfg.WaitTimeout = floatPtr(1.5)

	if got := cfg.WaitTimeoutDuration(); got != 1500*time.Millisecond {
		t.Errorf("WaitTimeoutDuration() = %v, want 1.5s", got)
	}

	if cfg.SessionSlice() {
		t.Error("SessionSlice() = true, want false by default")
	}
}

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()

	err := os.MkdirAll(filepath.Dir(path), 0o750)
	if err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}

	err = os.WriteFile(path, []byte(content), 0o600)
	if err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
}
