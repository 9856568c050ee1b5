package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"github.com/zurustar/p2pregistrar/internal/server"
)

func main() {
	configFile := pflag.StringP("config", "c", "config.yaml", "Configuration file path")
	logLevel := pflag.String("log-level", "", "Override the configured log level (debug, info, warn, error)")
	pflag.Parse()

	cfg, err := server.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "p2pregistrar: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	if err := server.New(cfg).RunWithSignalHandling(); err != nil {
		fmt.Fprintf(os.Stderr, "p2pregistrar: %v\n", err)
		os.Exit(1)
	}
}
