// ABOUTME: Entry point for the huddle-gateway server and its operator commands
// ABOUTME: serve, init, health, ready and bots; config path from HUDDLE_CONFIG or XDG

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/olekukonko/tablewriter"

	"github.com/2389/huddle-gateway/internal/config"
	"github.com/2389/huddle-gateway/internal/gateway"
)

// version is set at build time.
var version = "dev"

const banner = `
  _               _     _ _
 | |__  _   _  __| | __| | | ___
 | '_ \| | | |/ _' |/ _' | |/ _ \
 | | | | |_| | (_| | (_| | |  __/
 |_| |_|\__,_|\__,_|\__,_|_|\___|
`

// getConfigPath returns the path to the gateway config file.
// Priority: HUDDLE_CONFIG env var > XDG_CONFIG_HOME/huddle/gateway.yaml > ~/.config/huddle/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("HUDDLE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "huddle", "gateway.yaml")
}

// getDataPath returns the path to the huddle data directory.
// Priority: XDG_DATA_HOME/huddle > ~/.local/share/huddle
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "huddle")
}

func usage() {
	fmt.Println("Usage: huddle-gateway <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve     Start the gateway server")
	fmt.Println("  init      Create a new config file interactively")
	fmt.Println("  health    Check gateway liveness")
	fmt.Println("  ready     Check gateway readiness")
	fmt.Println("  bots      List configured bots")
	fmt.Println("  version   Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	// A .env next to the binary is optional
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit(os.Stdin, os.Stdout)
	case "health":
		err = runProbe(ctx, "/health")
	case "ready":
		err = runProbe(ctx, "/health/ready")
	case "bots":
		err = runBots(os.Stdout)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Storage:   %s %s\n", cfg.Database.Driver, cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Bots:      %d (handshake policy %s)\n", len(cfg.Bots), cfg.Handshake.Policy)
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	fmt.Println()

	logger.Info("starting huddle-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"driver", cfg.Database.Driver,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// runProbe hits a health endpoint of a running gateway.
func runProbe(ctx context.Context, path string) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("probe failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, body)
	}

	fmt.Println(string(body))
	return nil
}

// runBots prints the bots the config file declares.
func runBots(out io.Writer) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	renderBots(out, cfg)
	return nil
}

func renderBots(out io.Writer, cfg *config.Config) {
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Name", "Kind", "Target"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)

	for _, name := range config.BotNames(cfg.Bots) {
		spec := cfg.Bots[name]
		target := ""
		switch {
		case spec.Internal != nil:
			target = spec.Internal.Kind
		case spec.External != nil:
			target = spec.External.Endpoint
		}
		table.Append([]string{name, string(spec.Kind()), target})
	}
	table.Render()
}
