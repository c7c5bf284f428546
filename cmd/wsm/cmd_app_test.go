package main

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/calvinalkan/wsm/session"
)

func Test_AppCommand_Builds_Systemd_Run_Command_Line(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   appInput
		want []string
	}{
		{
			name: "scope in app slice",
			in:   appInput{Cmdline: []string{"foot", "-e", "htop"}, Desktop: "sway:wlroots", Random: "abcd1234", Slice: "a", Type: "scope"},
			want: []string{
				"systemd-run", "--user", "--scope",
				"--slice=app-graphical.slice",
				"--unit=app-sway-foot-abcd1234.scope",
				"--description=foot",
				"--quiet", "--collect", "--same-dir", "--",
				"foot", "-e", "htop",
			},
		},
		{
			name: "service in background slice with app name",
			in:   appInput{Cmdline: []string{"/usr/bin/syncthing"}, Random: "00ff00ff", Slice: "b", Type: "service", AppName: "sync", Description: "File sync"},
			want: []string{
				"systemd-run", "--user", "--property=ExitType=cgroup",
				"--slice=background-graphical.slice",
				"--unit=app-wsm-sync@00ff00ff.service",
				"--description=File sync",
				"--quiet", "--collect", "--same-dir", "--",
				"/usr/bin/syncthing",
			},
		},
		{
			name: "explicit unit and custom slice",
			in:   appInput{Cmdline: []string{"waybar"}, Random: "x", Slice: "bar.slice", Type: "scope", Unit: "bar.scope"},
			want: []string{
				"systemd-run", "--user", "--scope",
				"--slice=bar.slice",
				"--unit=bar.scope",
				"--description=waybar",
				"--quiet", "--collect", "--same-dir", "--",
				"waybar",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := appCommand(tt.in)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("command mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func Test_AppCommand_Rejects_Invalid_Input(t *testing.T) {
	t.Parallel()

	valid := appInput{Cmdline: []string{"foot"}, Random: "r", Slice: "a", Type: "scope"}

	tests := []struct {
		name    string
		mutate  func(in *appInput)
		wantErr error
	}{
		{"empty command", func(in *appInput) { in.Cmdline = nil }, session.ErrNoCommand},
		{"desktop entry", func(in *appInput) { in.Cmdline = []string{"foot.desktop"} }, session.ErrDesktopEntry},
		{"unknown slice", func(in *appInput) { in.Slice = "x" }, ErrInvalidSlice},
		{"bare slice suffix", func(in *appInput) { in.Slice = ".slice" }, ErrInvalidSlice},
		{"unknown type", func(in *appInput) { in.Type = "timer" }, ErrInvalidUnit},
		{"unit type mismatch", func(in *appInput) { in.Unit = "foot.service" }, ErrInvalidUnit},
		{"unit too long", func(in *appInput) { in.Unit = strings.Repeat("a", 300) + ".scope" }, ErrInvalidUnit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			in := valid
			tt.mutate(&in)

			_, err := appCommand(in)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func Test_AppUnitName_Fits_Systemd_Limit(t *testing.T) {
	t.Parallel()

	name := appUnitName(strings.Repeat("d", 200), strings.Repeat("é", 200), "service", "12345678")

	if len(name) > maxUnitName {
		t.Errorf("len(name) = %d, want <= %d", len(name), maxUnitName)
	}

	if !strings.HasSuffix(name, "@12345678.service") {
		t.Errorf("name = %q, want suffix @12345678.service", name)
	}

	_, rest, _ := strings.Cut(strings.TrimPrefix(name, "app-"), "-")
	appPart := strings.TrimSuffix(rest, "@12345678.service")

	if len(appPart) == 0 || len(appPart)%len(`\xc3`) != 0 {
		t.Errorf("app part %q of %q splits an escape sequence", appPart, name)
	}
}

func Test_TruncateEscaped_Does_Not_Split_Escape_Sequences(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"abc", 5, "abc"},
		{"abcdef", 3, "abc"},
		{`ab\x2dcd`, 4, "ab"},
		{`ab\x2dcd`, 6, `ab\x2d`},
		{`ab\x2dcd`, 7, `ab\x2dc`},
		{`\xc3\xa9`, 5, `\xc3`},
		{"abc", 0, ""},
	}

	for _, tt := range tests {
		if got := truncateEscaped(tt.in, tt.n); got != tt.want {
			t.Errorf("truncateEscaped(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func Test_App_Dry_Run_Prints_Command(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	c.Env["XDG_CURRENT_DESKTOP"] = "sway"

	stdout := c.MustRun("app", "-n", "-s", "s", "--", "foot", "-e", "htop")

	AssertContains(t, stdout, "systemd-run --user --scope --slice=session-graphical.slice --unit=app-sway-foot-")
	AssertContains(t, stdout, ".scope --description=foot --quiet --collect --same-dir -- foot -e htop")

	if len(c.Execs()) != 0 {
		t.Error("dry run should not exec")
	}
}

func Test_App_Fails_When_Command_Not_Found(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)

	stderr := c.MustFail("app", "definitely-not-a-real-command-wsm")

	AssertContains(t, stderr, "command not found")
}
