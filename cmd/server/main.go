// Package main provides the entry point for the realtime relay server.
// The server accepts browser websocket sessions and relays their event
// envelopes to an upstream realtime AI service.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/router-for-me/RealtimeRelay/internal/buildinfo"
	"github.com/router-for-me/RealtimeRelay/internal/cmd"
	"github.com/router-for-me/RealtimeRelay/internal/config"
	"github.com/router-for-me/RealtimeRelay/internal/logging"
	"github.com/router-for-me/RealtimeRelay/internal/util"
	log "github.com/sirupsen/logrus"
)

var (
	Version           = "dev"
	Commit            = "none"
	BuildDate         = "unknown"
	DefaultConfigPath = ""
)

// init initializes the shared logger setup.
func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

func main() {
	fmt.Println(buildinfo.Banner())

	var configPath string
	var envFile string
	var checkConfig bool
	flag.StringVar(&configPath, "config", DefaultConfigPath, "Configure File Path (defaults to ./config.yaml)")
	flag.StringVar(&envFile, "env-file", ".env", "Environment file loaded before the config")
	flag.BoolVar(&checkConfig, "check", false, "Validate the configuration and exit")
	flag.Parse()

	if errLoad := godotenv.Load(envFile); errLoad != nil {
		if !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}

	optional := false
	if configPath == "" {
		wd, errWd := os.Getwd()
		if errWd != nil {
			log.Errorf("failed to get working directory: %v", errWd)
			os.Exit(1)
		}
		configPath = filepath.Join(wd, "config.yaml")
		optional = true
	}

	cfg, errCfg := config.LoadConfigOptional(configPath, optional)
	if errCfg != nil {
		log.Errorf("failed to load config: %v", errCfg)
		os.Exit(1)
	}
	cfg.ApplyEnvOverrides(os.LookupEnv)
	if errValidate := cfg.Validate(); errValidate != nil {
		log.Errorf("invalid configuration: %v", errValidate)
		os.Exit(1)
	}
	if checkConfig {
		fmt.Println("configuration OK")
		return
	}

	if errLog := logging.ConfigureLogOutput(cfg); errLog != nil {
		log.Errorf("failed to configure log output: %v", errLog)
		os.Exit(1)
	}
	util.SetLogLevel(cfg)

	if cfg.Upstream.APIKey == "" {
		log.Warn("no upstream api key configured; handshakes will be sent without credentials")
	}
	log.Infof("upstream: %s", util.MaskURL(cfg.Upstream.URL))

	if errRun := cmd.StartService(cfg, configPath); errRun != nil {
		os.Exit(1)
	}
}
