package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/latticemesh/meshnode/internal/meshauth"
	"github.com/latticemesh/meshnode/internal/meshconfig"
	"github.com/latticemesh/meshnode/internal/orchestrator"
)

// Set via -ldflags at build time:
//
//	go build -ldflags "-X main.version=0.1.0 -X main.commit=$(git rev-parse --short HEAD)" -o meshnode ./cmd/meshnode
var (
	version = "dev"
	commit  = "unknown"
)

// shutdownDeadline bounds how long Shutdown is given to drain in-flight
// work and emit its leave announcements before the process exits anyway.
const shutdownDeadline = 10 * time.Second

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runNode(os.Args[2:])
	case "mesh":
		runMesh(os.Args[2:])
	case "version", "--version":
		fmt.Printf("meshnode %s (%s)\n", version, commit)
		fmt.Printf("Go %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: meshnode <command> [options]")
	fmt.Println()
	fmt.Println("  run --config <path>     Start the mesh node")
	fmt.Println("  mesh <command>          Founder-side mesh administration")
	fmt.Println("  version                 Show version information")
}

func runNode(args []string) {
	configPath := "config.json"
	for i := 0; i < len(args); i++ {
		if args[i] == "--config" && i+1 < len(args) {
			configPath = args[i+1]
		}
	}

	cfg, err := meshconfig.Load(configPath)
	if err != nil {
		slog.Error("load config failed", "path", configPath, "error", err)
		os.Exit(1)
	}

	dir := filepath.Dir(configPath)

	// The relay class authenticates with a founder-signed mesh token; a
	// node without one still runs on LAN and direct transports. A token
	// that is present but unparseable or already expired is an auth
	// failure at bootstrap (exit code 2).
	var meshToken []byte
	if data, err := os.ReadFile(filepath.Join(dir, "meshtoken.json")); err == nil {
		var tok meshauth.MeshToken
		if err := json.Unmarshal(data, &tok); err != nil {
			slog.Error("mesh token unparseable", "error", err)
			os.Exit(2)
		}
		if time.Now().After(tok.ExpiresAt) {
			slog.Error("mesh token expired", "expired_at", tok.ExpiresAt)
			os.Exit(2)
		}
		meshToken = data
	}

	var joinToken string
	if data, err := os.ReadFile(filepath.Join(dir, "jointoken.txt")); err == nil {
		joinToken = string(data)
	}

	node, err := orchestrator.New(orchestrator.Options{
		Config:         cfg,
		Version:        version,
		IdentityPath:   filepath.Join(dir, "identity.key"),
		RegistryPath:   filepath.Join(dir, "capabilities.json"),
		ControlSocket:  resolveControlSocket(cfg, dir),
		MeshToken:      meshToken,
		JoinToken:      joinToken,
		FounderPubPath: filepath.Join(dir, "founder.pub"),
	})
	if err != nil {
		slog.Error("construct node failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := node.Bootstrap(ctx); err != nil {
		slog.Error("bootstrap failed", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()
	slog.Info("shutdown signal received")

	shCtx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
	defer cancel()
	if err := node.Shutdown(shCtx, shutdownDeadline); err != nil {
		slog.Error("shutdown failed", "error", err)
		os.Exit(1)
	}
}

func resolveControlSocket(cfg meshconfig.Config, dir string) string {
	if cfg.ControlAPI.SocketPath != "" {
		return cfg.ControlAPI.SocketPath
	}
	return filepath.Join(dir, "meshnode.sock")
}
