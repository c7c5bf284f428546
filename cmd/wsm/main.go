// Command wsm starts and supervises a Wayland compositor session on the
// systemd user manager.
package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"
)

func main() {
	sigCh := make(chan os.Signal, 2)

	if bindsSession(os.Args) {
		// Must happen before anything else, a SIGHUP from the closing
		// terminal would otherwise kill the watcher.
		signal.Ignore(syscall.SIGINT, syscall.SIGHUP)
		signal.Notify(sigCh, syscall.SIGTERM)
	} else {
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	}

	env := make(map[string]string)

	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			env[k] = v
		}
	}

	os.Exit(Run(os.Stdin, os.Stdout, os.Stderr, os.Args, env, sigCh))
}
