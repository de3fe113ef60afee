// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/wevov/liaotian/internal/app"
	"github.com/wevov/liaotian/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	roomID   = flag.String("room", "", "Room to join on startup")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("liaotian v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Error: missing data directory")
		fmt.Fprintln(os.Stderr, "Usage: liaotian [-room <id>] <data-directory>")
		os.Exit(1)
	}
	runNode(args[0], *roomID)
}

func runNode(dirArg, room string) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid data directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Create data directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, "liaotian.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("Wrote default config to %s", cfgPath)
	}

	printBanner(absDir, cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{
		DataDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
		RoomID:  room,
	}); err != nil {
		log.Fatalf("Node failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("liaotian - p2p mesh calls")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  liaotian <directory>               Run a node from the given data directory")
	fmt.Println("  liaotian -room <id> <directory>    Run and join a room immediately")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println("  -room     Room id to join on startup")
	fmt.Println()
	fmt.Println("The directory holds liaotian.json plus the identity key and the")
	fmt.Println("local database. It is created on first run with defaults.")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # Run a node and drive it over the HTTP gateway")
	fmt.Println("  liaotian ./nodes/alice")
	fmt.Println()
	fmt.Println("  # Join the room \"garden\" right away")
	fmt.Println("  liaotian -room garden ./nodes/alice")
}

func printBanner(dataDir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                    liaotian node                       ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Data Directory: %s\n", dataDir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	if cfg.Profile.DisplayName != "" {
		fmt.Printf("Display Name:   %s\n", cfg.Profile.DisplayName)
	}
	if cfg.Gateway.HTTPAddr != "" {
		fmt.Printf("🌐 Gateway:      http://%s\n", cfg.Gateway.HTTPAddr)
	}
	fmt.Println()
	fmt.Println("Starting node... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
