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

	"github.com/petervdpas/lanlink/internal/app"
	"github.com/petervdpas/lanlink/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("lanlink v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	dir := "."
	if args := flag.Args(); len(args) > 0 {
		dir = args[0]
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		log.Fatalf("Invalid peer directory: %v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Peer directory does not exist: %s", absDir)
	}

	cfgPath := filepath.Join(absDir, "lanlink.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("APP: wrote default config to %s", cfgPath)
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
		BaseDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		log.Fatalf("Peer failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("lanlink - serverless LAN chat and voice calls")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  lanlink [directory]")
	fmt.Println()
	fmt.Println("  directory holds lanlink.json and the message database;")
	fmt.Println("  it defaults to the current directory. A default config")
	fmt.Println("  is written on first run.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # Run from the current directory")
	fmt.Println("  lanlink")
	fmt.Println()
	fmt.Println("  # Run a second identity from another directory")
	fmt.Println("  lanlink ~/peers/laptop")
}

func printBanner(dir, cfgPath string, cfg config.Config) {
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Printf("lanlink · %s\n", cfg.Profile.Username)
	fmt.Printf("Peer Directory: %s\n", dir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	fmt.Printf("Listen Port:    %d\n", cfg.Network.ListenPort)
	if cfg.Network.MdnsDisabled {
		fmt.Println("Discovery:      static peers only")
	} else {
		fmt.Println("Discovery:      mDNS")
	}
	fmt.Println("Starting peer... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
}
