// Fieldnode is a sensor node agent for a ThingsBoard-compatible IoT
// platform.
//
// It keeps the network link up, holds one MQTT session to the platform,
// reports temperature, humidity and signal strength, mirrors shared
// attributes, and applies over-the-air firmware updates. Configuration
// is loaded from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	fieldnode serve              Run the node
//	fieldnode check              Validate the configuration and exit
//	fieldnode init [dir]         Write a starter configuration
//	fieldnode version            Print version and build information
//	fieldnode -o json version    Output version information as JSON
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/goccy/go-json"

	"github.com/nugget/fieldnode/internal/buildinfo"
	"github.com/nugget/fieldnode/internal/config"
	"github.com/nugget/fieldnode/internal/node"
)

func main() {
	if err := run(context.Background(), os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "fieldnode: %s\n", err)
		os.Exit(1)
	}
}

// invocation is a parsed command line.
type invocation struct {
	configPath string
	output     string // "text" or "json"
	help       bool
	command    string
	args       []string
}

// flagValue matches "-name value" and "-name=value" for any of names. It
// reports the value and how many arguments it consumed.
func flagValue(args []string, i int, names ...string) (string, int, bool) {
	for _, name := range names {
		if args[i] == name && i+1 < len(args) {
			return args[i+1], 2, true
		}
		if v, ok := strings.CutPrefix(args[i], name+"="); ok {
			return v, 1, true
		}
	}
	return "", 0, false
}

// parseArgs parses args by hand so tests can call run concurrently
// without the flag package's globals. Flags may appear before the
// command; everything after the command belongs to it.
func parseArgs(args []string) (invocation, error) {
	inv := invocation{output: "text"}
	for i := 0; i < len(args); {
		if inv.command != "" {
			inv.args = append(inv.args, args[i])
			i++
			continue
		}
		if v, n, ok := flagValue(args, i, "-config", "--config"); ok {
			inv.configPath = v
			i += n
			continue
		}
		if v, n, ok := flagValue(args, i, "-o", "--output"); ok {
			inv.output = v
			i += n
			continue
		}
		switch a := args[i]; {
		case a == "-h" || a == "-help" || a == "--help":
			inv.help = true
		case strings.HasPrefix(a, "-"):
			return inv, fmt.Errorf("unknown flag: %s", a)
		default:
			inv.command = a
		}
		i++
	}
	if inv.output != "text" && inv.output != "json" {
		return inv, fmt.Errorf("unknown output format: %q (expected text or json)", inv.output)
	}
	return inv, nil
}

// run is the real entry point. Logs go to stdout; args is os.Args[1:].
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	inv, err := parseArgs(args)
	if err != nil {
		return err
	}
	if inv.help {
		return printUsage(stdout)
	}

	switch inv.command {
	case "serve":
		return runServe(ctx, stdout, inv.configPath)
	case "check":
		return runCheck(stdout, inv.configPath, inv.output)
	case "init":
		dir := "."
		if len(inv.args) > 0 {
			dir = inv.args[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, inv.output)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", inv.command)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runVersion(w io.Writer, output string) error {
	info := buildinfo.Info()
	if output == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		fmt.Fprintf(w, "  %-12s %s\n", k+":", info[k])
	}
	return nil
}

// runCheck loads and validates the configuration and summarizes what
// serve would connect to. Secrets are not printed.
func runCheck(w io.Writer, configPath, output string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	tb := cfg.ThingsBoard
	if output == "json" {
		return writeJSON(w, map[string]any{
			"config":            cfgPath,
			"device":            cfg.DeviceName,
			"server":            tb.Address(),
			"protocol":          tb.Protocol,
			"tls":               tb.TLS,
			"shared_attributes": tb.SharedAttributes,
			"firmware_title":    cfg.Firmware.Title,
			"firmware_version":  cfg.Firmware.Version,
			"data_dir":          cfg.DataDir,
		})
	}
	fmt.Fprintf(w, "%s is valid\n", cfgPath)
	fmt.Fprintf(w, "  device:     %s\n", cfg.DeviceName)
	fmt.Fprintf(w, "  server:     %s (%s, tls=%t)\n", tb.Address(), tb.Protocol, tb.TLS)
	fmt.Fprintf(w, "  attributes: %s\n", strings.Join(tb.SharedAttributes, ", "))
	fmt.Fprintf(w, "  firmware:   %s %s\n", cfg.Firmware.Title, cfg.Firmware.Version)
	fmt.Fprintf(w, "  data dir:   %s\n", cfg.DataDir)
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprint(w, `fieldnode - ThingsBoard sensor node

Usage: fieldnode [flags] <command> [args]

Commands:
  serve        Run the node until interrupted
  check        Validate the configuration and print a summary
  init [dir]   Write a starter config.yaml and data directory (default: .)
  version      Show version information

Flags:
  -config <path>    Config file (default: first of the search paths)
  -o, --output fmt  Output format for check and version: text or json

Config search paths:
  ./config.yaml, ~/.config/fieldnode/config.yaml, /etc/fieldnode/config.yaml
`)
	return nil
}

// runServe wires the node and runs it until SIGINT or SIGTERM.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	logger := cfg.Logger(stdout)
	slog.SetDefault(logger)
	logger.Info("config loaded",
		"path", cfgPath,
		"server", cfg.ThingsBoard.Address(),
		"protocol", cfg.ThingsBoard.Protocol,
		"data_dir", cfg.DataDir,
	)

	n, err := node.New(node.Options{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	defer func() {
		if err := n.Close(); err != nil {
			logger.Warn("close node", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := n.Run(ctx); err != nil {
		return err
	}
	logger.Info("fieldnode stopped")
	return nil
}

func loadConfig(explicit string) (*config.Config, string, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, path, nil
}
