// Command limitd is the entry point for the rate-limit service: it parses
// flags and an optional YAML config file, builds and starts a server.Server,
// and waits for SIGTERM/SIGINT to drain it. This is deliberately the only
// place that touches os.Exit, flag parsing, signal handling, and CPU
// profiling; internal/server owns the listener itself and knows nothing
// about the process's command line.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/limitd/limitd-go/internal/bucket"
	"github.com/limitd/limitd-go/internal/config"
	"github.com/limitd/limitd-go/internal/logging"
	"github.com/limitd/limitd-go/internal/server"
)

var (
	dbPath     = flag.String("db", "", "path to the store database (required)")
	port       = flag.Int("port", config.DefaultPort, "TCP port to listen on")
	hostname   = flag.String("hostname", config.DefaultHostname, "hostname/address to bind")
	configFile = flag.String("config-file", "", "optional YAML configuration file")
	protocol   = flag.String("protocol", config.DefaultProtocol, "wire dialect: binary-schema or tagged-json")
	profile    = flag.Bool("profile", false, "enable CPU profiling to ./limitd.pprof")
	version    = flag.Bool("version", false, "print version and exit")
	stats      = flag.Bool("stats", false, "print statistics periodically")
)

// buildVersion is overridden at build time via -ldflags, following the
// convention of stamping version info into a package-level var rather than
// reading it at runtime.
var buildVersion = "dev"

// fileLogLevel holds the config file's log_level, applied only when the
// LOG_LEVEL environment variable is unset.
var fileLogLevel string

func main() {
	flag.Parse()

	if *version {
		fmt.Println("limitd", buildVersion)
		return
	}

	cfg, err := resolveConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "limitd:", err)
		os.Exit(1)
	}

	logging.SetLevel(levelFromEnv())

	if *profile {
		f, err := os.Create("limitd.pprof")
		if err != nil {
			fmt.Fprintln(os.Stderr, "limitd: cannot create profile file:", err)
			os.Exit(1)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			fmt.Fprintln(os.Stderr, "limitd: cannot start CPU profile:", err)
			os.Exit(1)
		}
		defer pprof.StopCPUProfile()
	}

	srv, err := server.New(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "limitd: startup failed:", err)
		os.Exit(1)
	}

	if err := srv.Start(); err != nil {
		fmt.Fprintln(os.Stderr, "limitd: bind failed:", err)
		os.Exit(1)
	}

	fmt.Printf("limitd listening on %s:%d (%s)\n", cfg.Hostname, cfg.Port, cfg.Protocol)

	if *stats {
		go printStats(srv)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("limitd: shutting down")
	if err := srv.Stop(); err != nil {
		fmt.Fprintln(os.Stderr, "limitd: shutdown error:", err)
		os.Exit(1)
	}
}

// resolveConfig merges the optional YAML config file with CLI flag
// overrides; flags explicitly set on the command line win over the file
//.
func resolveConfig() (server.Config, error) {
	cfg := server.DefaultConfig()

	if *configFile != "" {
		f, err := config.Load(*configFile)
		if err != nil {
			return server.Config{}, err
		}
		cfg.Hostname = f.Hostname
		cfg.Port = f.Port
		cfg.DBPath = f.DB
		cfg.Protocol = f.Protocol
		cfg.Buckets = f.Buckets
		cfg.RemoteConfigURI = f.RemoteConfigURI
		cfg.RemoteConfigInterval = f.RemoteConfigIntervalDuration()
		fileLogLevel = f.LogLevel
	}

	flag.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "port":
			cfg.Port = *port
		case "hostname":
			cfg.Hostname = *hostname
		case "db":
			cfg.DBPath = *dbPath
		case "protocol":
			cfg.Protocol = *protocol
		}
	})

	if cfg.DBPath == "" {
		cfg.DBPath = *dbPath
	}
	if cfg.Buckets == nil {
		cfg.Buckets = map[string]bucket.BucketType{}
	}

	if cfg.DBPath == "" {
		return server.Config{}, fmt.Errorf("--db is required (or db: in --config-file)")
	}
	return cfg, nil
}

func levelFromEnv() string {
	if l := os.Getenv("LOG_LEVEL"); l != "" {
		return l
	}
	if fileLogLevel != "" {
		return fileLogLevel
	}
	return config.DefaultLogLevel
}

func printStats(srv *server.Server) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		st := srv.GetStats()
		fmt.Printf("limitd: connections accepted=%d active=%d | dispatch submitted=%d completed=%d rejected=%d\n",
			st.ConnectionsAccepted, st.ConnectionsActive,
			st.Pool.Submitted, st.Pool.Completed, st.Pool.Rejected)
	}
}
