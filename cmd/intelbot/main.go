package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/rs/zerolog"

	"github.com/briangreenhill/intelbot/internal/config"
	"github.com/briangreenhill/intelbot/internal/providers"
	"github.com/briangreenhill/intelbot/internal/services"
)

const version = "v0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := runCLI(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: intelbot [command]")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  <provider>          Print the digest for one provider (coingecko, finnhub, fred)")
	fmt.Fprintln(w, "  all                 Print every configured digest, then client health")
	fmt.Fprintln(w, "  help, -h            Show this help message")
	fmt.Fprintln(w, "  version, -v         Show the version")
	fmt.Fprintln(w, "Environment:")
	fmt.Fprintln(w, "  INTELBOT_COINS      Coin ids for coingecko (default bitcoin,ethereum)")
	fmt.Fprintln(w, "  FINNHUB_API_KEY     Enables finnhub")
	fmt.Fprintln(w, "  FRED_API_KEY        Enables fred")
}

func runCLI(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return nil
	}
	switch args[0] {
	case "help", "--help", "-h":
		usage(out)
		return nil
	case "version", "--version", "-v":
		fmt.Fprintf(out, "intelbot %s\n", version)
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(cfg.Level()).With().Timestamp().Logger()

	client, err := services.New(cfg.ServiceClient(), services.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	registry, err := providers.Setup(cfg, client, logger)
	if err != nil {
		return err
	}

	if args[0] == "all" {
		return runAll(ctx, registry, client, out)
	}
	return runProvider(ctx, registry, args[0], out)
}

// runProvider prints a single provider's digest
func runProvider(ctx context.Context, registry *providers.Registry, name string, out io.Writer) error {
	p, exists := registry.Get(name)
	if !exists {
		available := registry.List()
		if len(available) == 0 {
			return fmt.Errorf("no providers are configured. Please set the required environment variables")
		}
		return fmt.Errorf("provider '%s' not found. Available providers: %v", name, available)
	}

	digest, err := p.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", name, err)
	}
	fmt.Fprint(out, digest)
	return nil
}

// runAll prints every digest, skipping failures, followed by the client's
// health snapshot
func runAll(ctx context.Context, registry *providers.Registry, client *services.Client, out io.Writer) error {
	for _, name := range registry.List() {
		if err := runProvider(ctx, registry, name, out); err != nil {
			fmt.Fprintf(out, "%s: %v\n", name, err)
		}
		fmt.Fprintln(out)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(client.HealthStatus())
}
