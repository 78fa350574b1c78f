// Command arbstr runs the cost-arbitrage reverse proxy: serve starts the
// HTTP server, check validates a configuration file without starting
// anything, providers prints the configured upstreams.
package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/johnzilla/arbstr/internal/breaker"
	"github.com/johnzilla/arbstr/internal/config"
	"github.com/johnzilla/arbstr/internal/httpserver"
	"github.com/johnzilla/arbstr/internal/router"
	"github.com/johnzilla/arbstr/internal/storage"
)

var (
	configPath     string
	listenOverride string
	mockMode       bool
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	root := &cobra.Command{
		Use:           "arbstr",
		Short:         "Cost-arbitrage reverse proxy for OpenAI-compatible chat completions",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the proxy server",
		RunE:  runServe,
	}
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "config.toml", "path to configuration file")
	serveCmd.Flags().StringVarP(&listenOverride, "listen", "l", "", "override the configured listen address")
	serveCmd.Flags().BoolVar(&mockMode, "mock", false, "run with two mock providers and no real upstream calls")

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a configuration file",
		RunE:  runCheck,
	}
	checkCmd.Flags().StringVarP(&configPath, "config", "c", "config.toml", "path to configuration file")

	providersCmd := &cobra.Command{
		Use:   "providers",
		Short: "List configured providers and their rates",
		RunE:  runProviders,
	}
	providersCmd.Flags().StringVarP(&configPath, "config", "c", "config.toml", "path to configuration file")

	root.AddCommand(serveCmd, checkCmd, providersCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, []config.ProviderKeySource, error) {
	if mockMode {
		return config.Mock(), nil, nil
	}
	return config.Load(configPath)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, sources, err := loadConfig()
	if err != nil {
		return err
	}
	if !mockMode {
		if mode, tooOpen := config.CheckFilePermissions(configPath); tooOpen {
			log.Printf("warning: config file %q has mode %#o, wider than 0600 -- consider chmod 600 %s", configPath, mode, configPath)
		}
	}
	if listenOverride != "" {
		cfg.Server.Listen = listenOverride
	}

	log.Printf("loaded configuration: listen=%s providers=%d policies=%d", cfg.Server.Listen, len(cfg.Providers), len(cfg.Policies.Rules))
	for _, ks := range sources {
		log.Printf("provider %q key source: %s", ks.Provider, ks.Source)
	}

	r := router.New(cfg.RouterProviders(), cfg.RouterPolicies(), cfg.Policies.DefaultStrategy)

	var store *storage.Store
	if cfg.Database.Path != "" {
		store, err = storage.Open(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("opening request log database: %w", err)
		}
		defer store.Close()
	}

	// Circuits are registered eagerly for every configured provider, not
	// lazily on first dispatch, so GET /health reports a complete picture
	// from the moment the server starts.
	breakers := breaker.NewRegistry()
	for _, p := range cfg.Providers {
		breakers.Register(p.Name)
	}

	state := &httpserver.State{
		Router:   r,
		Breakers: breakers,
		Store:    store,
		Client:   httpserver.NewHTTPClient(),
	}

	mux := httpserver.NewMux(state)
	log.Printf("starting arbstr on %s", cfg.Server.Listen)
	return http.ListenAndServe(cfg.Server.Listen, mux)
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, sources, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Configuration is valid!")
	fmt.Printf("  Listen: %s\n", cfg.Server.Listen)
	fmt.Printf("  Database: %s\n", cfg.Database.Path)
	fmt.Printf("  Providers: %d\n", len(cfg.Providers))
	fmt.Printf("  Policy rules: %d\n", len(cfg.Policies.Rules))

	if mode, tooOpen := config.CheckFilePermissions(configPath); tooOpen {
		fmt.Println()
		fmt.Printf("  WARNING: config file has mode %#o, wider than 0600\n", mode)
		fmt.Printf("  Consider: chmod 600 %s\n", configPath)
	}

	fmt.Println()
	fmt.Println("Provider key status:")
	for _, ks := range sources {
		fmt.Printf("  %s: %s\n", ks.Provider, ks.Source)
		if ks.Source.Kind == "literal" {
			fmt.Printf("  WARNING: %q's API key is stored in plaintext in the config file\n", ks.Provider)
			fmt.Println("  Consider: ${VAR} expansion or the ARBSTR_<NAME>_API_KEY environment convention instead")
		}
	}
	return nil
}

func runProviders(cmd *cobra.Command, args []string) error {
	cfg, _, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if len(cfg.Providers) == 0 {
		fmt.Println("No providers configured.")
		return nil
	}

	fmt.Println("Configured providers:")
	fmt.Println()
	for _, p := range cfg.Providers {
		fmt.Printf("  %s (%s)\n", p.Name, p.URL)
		if len(p.Models) > 0 {
			fmt.Printf("    Models: %s\n", strings.Join(p.Models, ", "))
		}
		fmt.Printf("    Rates: %d sats/1k input, %d sats/1k output\n", p.InputRate, p.OutputRate)
		if p.BaseFee > 0 {
			fmt.Printf("    Base fee: %d sats\n", p.BaseFee)
		}
		fmt.Println()
	}
	return nil
}
