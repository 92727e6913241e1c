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

	"github.com/carelinq/callkit/internal/config"
)

var (
	showHelp    = flag.Bool("h", false, "Show help")
	showVersion = flag.Bool("version", false, "Show version")
	cfgFlag     = flag.String("config", "callkit.json", "Path to config file")
	writeConfig = flag.Bool("init", false, "Write a default config file and exit")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("callkit v%s\n", appVersion)
		return
	}

	if *showHelp {
		showUsage()
		return
	}

	cfgPath, err := filepath.Abs(*cfgFlag)
	if err != nil {
		log.Fatalf("Invalid config path: %v", err)
	}

	if *writeConfig {
		cfg := config.Default()
		if err := config.Save(cfgPath, cfg); err != nil {
			log.Fatalf("Failed to write config: %v", err)
		}
		fmt.Printf("Wrote default config to %s — fill in identity and vendor endpoints.\n", cfgPath)
		return
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	printBanner(cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	app := NewApp(cfgPath, cfg)
	if err := app.Start(ctx); err != nil {
		log.Fatalf("Agent failed to start: %v", err)
	}

	<-sigCh
	log.Println("\nShutting down gracefully...")
	app.Close()
}

func showUsage() {
	fmt.Println("callkit - telemedicine call agent")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  callkit [-config path]     Run the call agent")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -config   Path to config file (default callkit.json)")
	fmt.Println("  -init     Write a default config file and exit")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # Create a starter config")
	fmt.Println("  callkit -init -config exam-room-3.json")
	fmt.Println()
	fmt.Println("  # Run the agent")
	fmt.Println("  callkit -config exam-room-3.json")
}

func printBanner(cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                  CareLinq Call Agent                   ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Config File:    %s\n", cfgPath)
	fmt.Printf("Identity:       %s", cfg.Identity.UserID)
	if cfg.Identity.DisplayName != "" {
		fmt.Printf(" (%s)", cfg.Identity.DisplayName)
	}
	fmt.Println()
	fmt.Printf("Signaling:      %s\n", cfg.Vendor.SocketURL)
	fmt.Printf("Rooms API:      %s\n", cfg.Vendor.RESTURL)
	if cfg.Vendor.APIKey == "" {
		fmt.Println("API Key:        (none — signaling disabled)")
	}
	if cfg.Call.AutoAnswer {
		fmt.Println("Mode:           Auto-answer (kiosk)")
	}
	fmt.Println()
	fmt.Println("Starting agent... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
