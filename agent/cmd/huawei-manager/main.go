// Command huawei-manager watches the WAN IP of Huawei HiLink modems and
// reconnects them until the address falls inside a configured range.
//
// # Usage
//
//	huawei-manager --config /etc/huawei-manager/daemon.yaml
//
// # Configuration
//
// Daemon settings come from:
// - Config file (--config)
// - Environment variables (HUAWEI_MANAGER_*)
//
// Devices are read from the store named in the config: the UCI package
// huawei_manager by default, or an INI file.
//
// # Examples
//
// Run against an INI device file with debug logging:
//
//	HUAWEI_MANAGER_SOURCE_TYPE=ini \
//	HUAWEI_MANAGER_SOURCE_PATH=/etc/huawei-manager/devices.ini \
//	huawei-manager --debug
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pilot-net/huawei-manager/agent"
	"github.com/pilot-net/huawei-manager/agent/internal/config"
	"github.com/pilot-net/huawei-manager/agent/internal/logging"
)

func main() {
	var (
		configFile = flag.String("config", "", "Path to config file")
		debug      = flag.Bool("debug", false, "Enable debug logging")
		version    = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Printf("huawei-manager %s\n", agent.Version)
		os.Exit(0)
	}

	cfg := config.DefaultConfig()
	if *configFile != "" {
		fileCfg, err := config.LoadFromFile(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config file: %v\n", err)
			os.Exit(1)
		}
		cfg = fileCfg
	}
	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	var opts []agent.Option
	if *debug {
		// --debug pins the level; globals.log_level is ignored.
		logger.Level.Set(slog.LevelDebug)
	} else {
		opts = append(opts, agent.WithLevelSetter(logger.SetLevel))
	}
	logger.Info("logging configured", "output", logger.String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	code := 0
	for {
		a, err := agent.New(cfg, logger.Logger, opts...)
		if err != nil {
			logger.Error("failed to create agent", "error", err)
			code = 1
			break
		}

		err = a.Run(ctx)
		if errors.Is(err, agent.ErrConfigChanged) {
			logger.Info("device configuration changed, restarting")
			continue
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("agent exited with error", "error", err)
			code = 1
		}
		break
	}

	logger.Info("huawei-manager shutdown complete")
	if code != 0 {
		logger.Close()
		os.Exit(code)
	}
}
