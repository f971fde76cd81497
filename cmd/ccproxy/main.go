// Copyright CCProxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/yduwcui/ccproxy/internal/version"
)

type (
	// cmd corresponds to the top-level `ccproxy` command.
	cmd struct {
		// Version is the sub-command to show the version.
		Version struct{} `cmd:"" help:"Show version."`
		// Run is the sub-command parsed by the `cmdRun` struct.
		Run cmdRun `cmd:"" help:"Run the proxy for the given configuration."`
		// Healthcheck is the sub-command to check if the ccproxy server is healthy.
		Healthcheck cmdHealthcheck `cmd:"" help:"Docker HEALTHCHECK command."`
	}
	// cmdRun corresponds to the `ccproxy run` command.
	cmdRun struct {
		Debug      bool   `help:"Enable debug logging emitted to stderr."`
		Path       string `arg:"" name:"path" optional:"" help:"Path to the ccproxy configuration yaml file. Defaults apply when omitted." type:"path"`
		ModelList  string `name:"model-list" help:"Path to the model list yaml file." type:"path"`
		Port       int    `help:"TCP port for the main proxy listener." default:"4000"`
		AdminPort  int    `help:"HTTP port for the admin server (serves /metrics, /health, and /status)." default:"9901"`
		PidFileDir string `name:"pid-file-dir" help:"Directory holding the managed pid files." default:"/tmp"`
	}
	// cmdHealthcheck corresponds to the `ccproxy healthcheck` command.
	cmdHealthcheck struct {
		AdminPort int `help:"Admin port to probe." default:"9901"`
	}
)

type (
	runFn         func(context.Context, cmdRun, io.Writer, io.Writer) error
	healthcheckFn func(context.Context, int, io.Writer, io.Writer) error
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	doMain(ctx, os.Stdout, os.Stderr, os.Args[1:], os.Exit, run, healthcheck)
}

// doMain is the main entry point for the CLI. It parses the command line
// arguments and executes the appropriate command.
//
//   - stdout and stderr are the output writers. Mainly for testing.
//   - args are the command line arguments without the program name.
//   - exitFn is called to exit during argument parsing. Mainly for testing.
//   - rf and hf are the run and healthcheck implementations. Mainly for testing.
func doMain(ctx context.Context, stdout, stderr io.Writer, args []string, exitFn func(int),
	rf runFn,
	hf healthcheckFn,
) {
	var c cmd
	parser, err := kong.New(&c,
		kong.Name("ccproxy"),
		kong.Description("Request-routing reverse proxy for LLM APIs"),
		kong.Writers(stdout, stderr),
		kong.Exit(exitFn),
	)
	if err != nil {
		log.Fatalf("Error creating parser: %v", err)
	}
	parsed, err := parser.Parse(args)
	parser.FatalIfErrorf(err)
	switch parsed.Command() {
	case "version":
		_, _ = fmt.Fprintf(stdout, "ccproxy: %s\n", version.Parse())
	case "run", "run <path>":
		if err = rf(ctx, c.Run, stdout, stderr); err != nil {
			log.Fatalf("Error running: %v", err)
		}
	case "healthcheck":
		if err = hf(ctx, c.Healthcheck.AdminPort, stdout, stderr); err != nil {
			log.Fatalf("Health check failed: %v", err)
		}
	default:
		panic("unreachable")
	}
}
