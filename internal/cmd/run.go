// Package cmd wires the relay components into a running service.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/router-for-me/RealtimeRelay/internal/access"
	"github.com/router-for-me/RealtimeRelay/internal/api"
	"github.com/router-for-me/RealtimeRelay/internal/config"
	"github.com/router-for-me/RealtimeRelay/internal/logging"
	"github.com/router-for-me/RealtimeRelay/internal/watcher"
	"github.com/router-for-me/RealtimeRelay/internal/wsrelay"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

// StartService runs the relay until SIGINT/SIGTERM or until a component fails.
// configPath enables hot reload when non-empty and present on disk.
func StartService(cfg *config.Config, configPath string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	return RunService(ctx, cfg, configPath, true)
}

// RunService runs the relay until ctx is cancelled. When handleSignals is set,
// SIGINT and SIGTERM also stop it.
func RunService(ctx context.Context, cfg *config.Config, configPath string, handleSignals bool) error {
	opts, errOpts := wsrelay.OptionsFromConfig(cfg)
	if errOpts != nil {
		return errOpts
	}
	relay := wsrelay.NewManager(opts)
	server := api.NewServer(cfg, relay, access.NewGuard(cfg.APIKeys), api.WithShutdownGracePeriod(shutdownTimeout))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		errServe := server.Start()
		cancel()
		return errServe
	})

	g.Go(func() error {
		<-ctx.Done()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stopCancel()
		return server.Stop(stopCtx)
	})

	if configPath != "" {
		if _, errStat := os.Stat(configPath); errStat == nil {
			if errWatch := startConfigWatcher(ctx, g, cfg, configPath, server); errWatch != nil {
				log.Warnf("config hot reload disabled: %v", errWatch)
			}
		}
	}

	if handleSignals {
		g.Go(func() error {
			return stopSignalHandler(ctx, cancel)
		})
	}

	if errWait := g.Wait(); errWait != nil && !errors.Is(errWait, context.Canceled) {
		log.Errorf("realtime relay terminated with error: %v", errWait)
		return errWait
	}
	log.Info("realtime relay stopped")
	return nil
}

func startConfigWatcher(ctx context.Context, g *errgroup.Group, cfg *config.Config, configPath string, server *api.Server) error {
	w, errWatcher := watcher.NewWatcher(configPath, os.LookupEnv, func(newCfg *config.Config) {
		if errLog := logging.ConfigureLogOutput(newCfg); errLog != nil {
			log.Errorf("failed to reconfigure log output: %v", errLog)
		}
		server.UpdateConfig(newCfg)
	})
	if errWatcher != nil {
		return fmt.Errorf("create config watcher: %w", errWatcher)
	}
	w.SetConfig(cfg)
	if errStart := w.Start(ctx); errStart != nil {
		_ = w.Stop()
		return fmt.Errorf("start config watcher: %w", errStart)
	}
	g.Go(func() error {
		<-ctx.Done()
		return w.Stop()
	})
	return nil
}

func stopSignalHandler(ctx context.Context, cancel context.CancelFunc) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(c)
	select {
	case sig := <-c:
		log.Infof("received %s, shutting down", sig)
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
