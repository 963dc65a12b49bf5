// Chorus is an event-driven chat bot core.
//
// It accepts chat events from a websocket gateway, routes them through
// registered services, and answers through an LLM-backed reply
// pipeline. Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	chorus serve             Start the gateway and HTTP API
//	chorus init [dir]        Write a sample config and persona
//	chorus config            Print the effective configuration
//	chorus version           Print version and build information
//	chorus -o json version   Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/chorus/examples"
	"github.com/nugget/chorus/internal/api"
	"github.com/nugget/chorus/internal/app"
	"github.com/nugget/chorus/internal/buildinfo"
	"github.com/nugget/chorus/internal/config"
	"github.com/nugget/chorus/internal/mqtt"
	"github.com/nugget/chorus/internal/services"
	"github.com/nugget/chorus/internal/tasks"
)

// shutdownTimeout bounds the whole graceful shutdown sequence.
const shutdownTimeout = 10 * time.Second

// main only builds the OS environment and hands off to [run], so the
// full lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Logs go to stdout; args is os.Args[1:].
// Arguments are parsed by hand because the flag package's globals get
// in the way of running run concurrently in tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command == "" {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
			cmdArgs = append(cmdArgs, args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "config":
		return runConfig(stdout, configPath, outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// runConfig prints the configuration serve would run with, defaults
// applied and credentials masked. Text output is YAML.
func runConfig(w io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	cfg = cfg.Redacted()

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if outputFmt == "text" {
		_, err = w.Write(out)
		return err
	}

	// Round-trip through YAML so JSON keys match the file format.
	var doc map[string]any
	if err := yaml.Unmarshal(out, &doc); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

// runInit writes the sample config and persona into dir. Existing files
// are left alone.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Chorus in %s\n", dir)

	if err := os.MkdirAll(filepath.Join(dir, "data"), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	// config.yaml may hold credentials.
	files := []struct {
		name    string
		content []byte
		perm    os.FileMode
	}{
		{"config.yaml", examples.ConfigYAML, 0o600},
		{"persona.md", examples.PersonaMD, 0o644},
	}
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		wrote, err := writeIfMissing(path, f.content, f.perm)
		if err != nil {
			return err
		}
		if wrote {
			fmt.Fprintf(w, "  ✓ %s\n", path)
		} else {
			fmt.Fprintf(w, "  - %s (exists, kept)\n", path)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml and persona.md, then run: chorus serve")
	return nil
}

// writeIfMissing writes content to path unless the file already exists.
func writeIfMissing(path string, content []byte, perm os.FileMode) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, perm); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Chorus - event-driven chat bot")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: chorus [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the gateway and HTTP API")
	fmt.Fprintln(w, "  init [dir]   Write a sample config.yaml and persona.md (default: .)")
	fmt.Fprintln(w, "  config       Print the effective configuration")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/chorus/config.yaml, /etc/chorus/config.yaml")
	return nil
}

// runServe is the primary operating mode. It builds the core, registers
// the built-in services, seals composition and serves HTTP until ctx is
// cancelled or a signal arrives.
//
// Shutdown order: stop accepting HTTP, stop background tasks, take the
// event mirror offline, then close the core, which drains in-flight
// listeners before releasing the gateway and storage.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := config.NewLogger(stdout, level, cfg.LogFormat)
	logger.Info("starting Chorus", "version", buildinfo.Version, "config", cfgPath)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	core, err := app.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("build core: %w", err)
	}

	if err := services.Register(core, services.Builtin(core)...); err != nil {
		core.Close(context.Background())
		return fmt.Errorf("register services: %w", err)
	}

	var mirror *mqtt.Mirror
	if cfg.MQTT.Configured() {
		mirror = mqtt.New(cfg.MQTT, core.Metrics, logger)
		mirror.Attach(core.Dispatcher)
	}

	core.Seal()

	if mirror != nil {
		// Start waits for the first connection; serve should not.
		go func() {
			if err := mirror.Start(ctx); err != nil {
				logger.Error("mqtt mirror failed to start", "error", err)
			}
		}()
	}

	if err := core.WatchDependencies(ctx); err != nil {
		logger.Warn("dependency monitoring unavailable", "error", err)
	}

	runner := tasks.New(core, tasks.PruneEvents(core), tasks.PruneUsage(core))
	runner.Start(ctx)

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, core, logger)

	stopped := make(chan error, 1)
	go func() {
		<-ctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		errs := []error{server.Shutdown(shutdownCtx)}
		runner.Stop()
		if mirror != nil {
			errs = append(errs, mirror.Stop(shutdownCtx))
		}
		errs = append(errs, core.Close(shutdownCtx))
		stopped <- errors.Join(errs...)
	}()

	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		stop()
		<-stopped
		return fmt.Errorf("api server: %w", err)
	}

	if err := <-stopped; err != nil {
		logger.Warn("unclean shutdown", "error", err)
	}
	logger.Info("Chorus stopped")
	return nil
}

// loadConfig locates and parses the configuration file. An explicit path
// must exist; otherwise the default locations are searched.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", fmt.Errorf("%w (run \"chorus init\" to create one)", err)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}
