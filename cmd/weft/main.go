package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/weftlabs/weft/pkg/schema"
)

func main() {
	cmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 {
		cmd = args[0]
		args = args[1:]
	}

	switch cmd {
	case "serve":
		exit(runServe())
	case "run":
		exit(runOnce(args))
	case "mcp":
		exit(runMCP())
	case "version":
		printVersion()
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(2)
	}
}

func exit(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	os.Exit(0)
}

func usage() {
	fmt.Print(`weft - distributed workflow execution engine

Usage:
  weft serve            start the admin API and scheduler
  weft run <file.json> [input.json]
                        execute a workflow definition and print the report
  weft mcp              serve the MCP agent surface on stdio
  weft version          print the version
`)
}

// runServe hosts the admin API and the cron scheduler until SIGINT/SIGTERM.
func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, _ := buildLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.scheduler != nil {
		if err := a.scheduler.RecoverMissed(ctx); err != nil {
			logger.Warn("missed-run recovery failed", "error", err)
		}
		if err := a.scheduler.Start(ctx); err != nil {
			return err
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- a.admin.Start() }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return a.admin.Shutdown(shutdownCtx)
}

// runOnce executes one workflow definition from a file and prints the report.
func runOnce(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: weft run <definition.json> [input.json]")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, _ := buildLogger(cfg)

	raw, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return fmt.Errorf("parse definition: %w", err)
	}

	var input json.RawMessage
	if len(args) > 1 {
		in, readErr := os.ReadFile(args[1])
		if readErr != nil {
			return readErr
		}
		if !json.Valid(in) {
			return fmt.Errorf("input file %s is not valid JSON", args[1])
		}
		input = in
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.runtime.Run(ctx, &def, input)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if report.Status != schema.WorkflowStatusSucceeded {
		os.Exit(1)
	}
	return nil
}

// runMCP serves the agent surface on stdio.
func runMCP() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// Stdout carries the protocol; force logs to stderr-friendly text.
	logger, _ := buildLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	return a.mcp.Serve(ctx)
}
