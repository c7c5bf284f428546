package main

import (
	"os"
	"strings"
	"testing"
	"time"
)

func Test_Run_Shows_Help_When_No_Args(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	stdout, _, code := c.Run()

	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}

	AssertContains(t, stdout, "wsm - Wayland session manager for systemd")
	AssertContains(t, stdout, "Commands:")
}

func Test_Run_Global_Help_Lists_Commands_And_Footer(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	stdout, _, code := c.Run("--help")

	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}

	for _, name := range []string{"start", "stop", "finalize", "check", "app", "aux"} {
		AssertContains(t, stdout, "  "+name+" ")
	}

	AssertContains(t, stdout, "--config <file>")
	AssertContains(t, stdout, "Run 'wsm <command> --help' for more information on a command.")
}

func Test_Run_Shows_Help_When_Config_Is_Invalid(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	c.WriteFile(".config/wsm/config.json", "{not json")

	stdout, _, code := c.Run("-h")

	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}

	AssertContains(t, stdout, "Commands:")
}

func Test_Run_Fails_When_Config_Is_Invalid_And_Command_Given(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	c.WriteFile(".config/wsm/config.json", "{not json")

	stderr := c.MustFail("check", "is-active")

	AssertContains(t, stderr, "error: parsing config")
}

func Test_Run_Shows_Version_When_Version_Flag(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)

	for _, flag := range []string{"--version", "-v"} {
		stdout, _, code := c.Run(flag)

		if code != 0 {
			t.Errorf("%s: exit code = %d, want 0", flag, code)
		}

		AssertContains(t, stdout, "wsm dev (built from source)")
	}
}

func Test_Run_Error_Output_Contains_Error_Prefix(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	_, stderr, code := c.Run("--unknown")

	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}

	AssertContains(t, stderr, "error: unknown flag: --unknown\n\nUsage: wsm [flags] <command> [args]")
	AssertContains(t, stderr, "Global flags:")
}

func Test_Run_Fails_When_Command_Unknown(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	stderr := c.MustFail("launch")

	AssertContains(t, stderr, `error: unknown command "launch"`)
	AssertContains(t, stderr, "Run 'wsm --help' for a list of commands.")
}

func Test_Run_Command_Help_Shows_Usage_And_Flags(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	stdout := c.MustRun("start", "--help")

	AssertContains(t, stdout, "Usage: wsm start [flags] <compositor> [args]")
	AssertContains(t, stdout, "Flags:")
	AssertContains(t, stdout, "--only-generate")
	AssertContains(t, stdout, "--desktop-names")
}

func Test_Run_Command_Unknown_Flag_Shows_Error_And_Help(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	_, stderr, code := c.Run("stop", "--unknown")

	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}

	AssertContains(t, stderr, "error: unknown flag: --unknown\n\nUsage: wsm stop")
}

func Test_Run_Aux_Lists_Subcommands_When_No_Args(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	_, stderr, code := c.Run("aux")

	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}

	AssertContains(t, stderr, "Usage: wsm aux <command> [args]")

	for _, name := range []string{"prepare-env", "cleanup-env", "waitenv", "waitpid", "bind-session", "exec"} {
		AssertContains(t, stderr, "  "+name)
	}
}

func Test_Run_Aux_Fails_When_Subcommand_Unknown(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	stderr := c.MustFail("aux", "bogus")

	AssertContains(t, stderr, `unknown command "wsm aux bogus"`)
}

func Test_Run_Aux_Subcommand_Help_Uses_Group_Prefix(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	stdout := c.MustRun("aux", "waitenv", "--help")

	AssertContains(t, stdout, "Usage: wsm aux waitenv [--notify]")
	AssertContains(t, stdout, "--notify")
}

func Test_Run_Debug_Lists_Config_Files(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	c.WriteFile(".config/wsm/config.jsonc", "{\n  // comment\n  \"wait_timeout\": 5\n}\n")

	_, stderr, code := c.Run("--debug", "check", "is-active")

	if code != 1 {
		t.Errorf("exit code = %d, want 1 (nothing running)", code)
	}

	AssertContains(t, stderr, "=== Config ===")
	AssertContains(t, stderr, "config.jsonc")
}

func Test_Run_Returns_130_When_Interrupted(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	c.Env[envWaitTimeout] = "60"

	sigCh := make(chan os.Signal, 1)
	done := c.RunWithSignal(sigCh, "aux", "waitenv")

	time.Sleep(100 * time.Millisecond)

	sigCh <- os.Interrupt

	select {
	case code := <-done:
		if code != 130 {
			t.Errorf("exit code = %d, want 130", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("command did not exit after interrupt")
	}
}

func Test_Run_Does_Not_Print_Error_When_Check_Fails(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	_, stderr, code := c.Run("check", "is-active")

	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}

	if strings.Contains(stderr, "error:") {
		t.Errorf("stderr should not contain an error, got: %s", stderr)
	}
}
