package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/tonproxy/tonproxy/tonproxy-srv/config"
	"github.com/tonproxy/tonproxy/tonproxy-srv/logger"
	"github.com/tonproxy/tonproxy/tonproxy-srv/proxy"
)

var version string

func main() {
	cfg, configPath := parseFlagsAndConfig()
	runProxy(cfg, configPath)
}

// parseFlagsAndConfig handles CLI flags, environment, logging, and config loading.
func parseFlagsAndConfig() (cfg *config.Config, configPath string) {
	versionFlag := flag.Bool("version", false, "Print version and exit")
	versionShortFlag := flag.Bool("v", false, "Print version and exit (shorthand)")
	configPathPtr := flag.String("config", "tonproxy.json", "Path to configuration file (supports .json and .hcl formats)")
	bindAddress := flag.String("bind-address", "", "Listen address, overrides the config file (e.g. 127.0.0.1:8080)")
	verbose := flag.Bool("verbose", false, "Enable verbose request logging")
	logFile := flag.String("log-file", "", "Write logs to this file instead of stdout")
	envfile := flag.String("envfile", "", "Path to env file to load environment variables")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *versionFlag || *versionShortFlag {
		if version == "" {
			version = "dev"
		}
		fmt.Println("tonproxy version:", version)
		os.Exit(0)
	}

	if *logFile != "" {
		f, err := os.OpenFile(filepath.Clean(*logFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			logger.Fatal("Failed to open log file %s: %v", *logFile, err)
		}
		logger.SetOutput(f)
	}

	if *envfile != "" {
		if err := loadEnvFile(*envfile); err != nil {
			logger.Fatal("Failed to load envfile: %v", err)
		}
		logger.Info("Loaded environment variables from %s", *envfile)
	}

	if *debugMode {
		logger.SetLevel(logger.DEBUG)
		logger.Debug("Debug logging enabled")
	}

	logger.Info("Starting TON proxy server")
	logger.Debug("Using configuration file: %s", *configPathPtr)

	cfg, err := config.LoadConfig(*configPathPtr)
	if err != nil {
		logger.Warn("Could not load config file: %v. Using environment variables.", err)
		cfg, err = config.LoadConfig("")
		if err != nil {
			logger.Fatal("Failed to load configuration: %v", err)
		}
	}

	if *bindAddress != "" {
		cfg.BindAddress = *bindAddress
	}
	if *verbose {
		cfg.VerboseLogging = true
	}
	if cfg.VerboseLogging {
		logger.SetLevel(logger.DEBUG)
	}

	logger.Debug("Configuration loaded successfully")
	logger.Debug("Bind address: %s", cfg.BindAddress)
	logger.Debug("TON domains: %s", strings.Join(cfg.TonDomains, ", "))
	logger.Debug("TON gateway: %s", cfg.TonGateway)
	logger.Debug("Timeout: %d seconds", cfg.TimeoutSeconds)

	return cfg, *configPathPtr
}

// runProxy starts and manages the proxy server, including signal handling and reloads.
func runProxy(cfg *config.Config, configPath string) {
	server, err := proxy.NewServer(cfg)
	if err != nil {
		logger.Fatal("Failed to create proxy server: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	startServer := func(s *proxy.Server) {
		go func() {
			if err := s.ListenAndServe(); err != nil {
				logger.Fatal("Proxy server error: %v", err)
			}
		}()
	}

	startServer(server)
	currentCfg := cfg

	for {
		sig := <-sigChan
		switch sig {
		case syscall.SIGHUP:
			logger.Info("Received SIGHUP: reloading configuration...")
			newCfg, err := config.LoadConfig(configPath)
			if err != nil {
				logger.Error("Failed to reload config: %v (keeping current config)", err)
				continue
			}
			newCfg.BindAddress = currentCfg.BindAddress
			if !config.HasChanged(currentCfg, newCfg) {
				logger.Info("Config unchanged after reload; not restarting proxy.")
				continue
			}
			logger.Info("Config changed. Restarting proxy...")
			if err := server.Stop(); err != nil {
				logger.Error("Error stopping proxy for reload: %v", err)
			}
			server, err = proxy.NewServer(newCfg)
			if err != nil {
				logger.Fatal("Failed to create proxy server with new config: %v", err)
			}
			startServer(server)
			currentCfg = newCfg
			logger.Info("Proxy restarted with new configuration.")
		case syscall.SIGINT, syscall.SIGTERM:
			logger.Info("Received signal %v, shutting down proxy server...", sig)
			if err := server.Stop(); err != nil {
				logger.Error("Error during shutdown: %v", err)
			}
			logger.Info("Proxy server shutdown complete")
			return
		}
	}
}

// loadEnvFile reads a .env-style file and sets environment variables
func loadEnvFile(path string) error {
	cleanPath := filepath.Clean(path)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return fmt.Errorf("invalid file path: %w", err)
		}
		cleanPath = absPath
	}
	f, err := os.Open(cleanPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			logger.Error("Error closing env file: %v", closeErr)
		}
	}()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		if setErr := os.Setenv(key, val); setErr != nil {
			logger.Error("Error setting environment variable %s: %v", key, setErr)
		}
	}
	return scanner.Err()
}
