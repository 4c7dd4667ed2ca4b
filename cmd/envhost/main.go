package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/envhost/internal/check"
	"github.com/GriffinCanCode/envhost/internal/host"
	"github.com/GriffinCanCode/envhost/internal/infrastructure/config"
	"github.com/GriffinCanCode/envhost/internal/infrastructure/logging"
	"github.com/GriffinCanCode/envhost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/envhost/internal/infrastructure/server"
)

// exitInterrupted follows the shell convention for SIGINT.
const exitInterrupted = 130

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "Config file (YAML or TOML)")
	eval := flag.String("e", "", "Evaluate source instead of reading a script file")
	serve := flag.Bool("serve", false, "Serve diagnostics until interrupted")
	dev := flag.Bool("dev", false, "Development logging at debug level")
	inspect := flag.Bool("inspect", false, "Enable the inspector agent")
	jsonOut := flag.Bool("json", false, "Print the final environment snapshot as JSON")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "envhost: %v\n", err)
		return 2
	}
	if *dev {
		cfg.Logging.Development = true
		cfg.Logging.Level = "debug"
	}
	if *inspect {
		cfg.Inspector.Enabled = true
	}
	if *serve {
		cfg.Server.Enabled = true
	}

	logger, err := logging.New(logging.Config{Level: cfg.Logging.Level, Development: cfg.Logging.Development})
	if err != nil {
		fmt.Fprintf(os.Stderr, "envhost: %v\n", err)
		return 2
	}
	defer func() { _ = logger.Sync() }()

	check.SetHandler(func(v *check.Violation) {
		logger.Error("Invariant violated", zap.String("op", v.Op), zap.String("detail", v.Detail))
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := monitoring.NewMetrics(reg)

	manager, err := host.NewManager(cfg, logger.Logger, metrics)
	if err != nil {
		logger.Error("Failed to start host", zap.Error(err))
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var srv *server.Server
	errChan := make(chan error, 1)
	if cfg.Server.Enabled {
		srv = server.NewServer(cfg, manager, reg, logger.Logger)
		go func() {
			if err := srv.Run(); err != nil {
				errChan <- err
			}
		}()
	}

	code := 0
	spec, ok, err := scriptSpec(flag.Args(), *eval)
	switch {
	case err != nil:
		logger.Error("Failed to read script", zap.Error(err))
		code = 2
	case ok:
		code = runScript(ctx, manager, spec, *jsonOut, logger.Logger)
	case srv == nil:
		fmt.Fprintln(os.Stderr, "usage: envhost [flags] script.js [args...] | envhost -e source | envhost -serve")
		code = 2
	}

	if *serve && srv != nil && code != exitInterrupted {
		select {
		case <-ctx.Done():
			logger.Info("Shutting down gracefully")
		case err := <-errChan:
			logger.Error("Server error", zap.Error(err))
			code = 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Server shutdown failed", zap.Error(err))
		}
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Host shutdown failed", zap.Error(err))
	}
	return code
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// scriptSpec builds the program from -e or the first positional argument.
// ok is false when neither was given.
func scriptSpec(args []string, eval string) (spec host.Spec, ok bool, err error) {
	if eval != "" {
		return host.Spec{Name: "[eval]", Source: eval, Argv: args}, true, nil
	}
	if len(args) == 0 {
		return host.Spec{}, false, nil
	}
	src, err := os.ReadFile(args[0])
	if err != nil {
		return host.Spec{}, false, err
	}
	name, err := filepath.Abs(args[0])
	if err != nil {
		name = args[0]
	}
	return host.Spec{Name: name, Source: string(src), Argv: args[1:]}, true, nil
}

func runScript(ctx context.Context, manager *host.Manager, spec host.Spec, jsonOut bool, logger *zap.Logger) int {
	inst, err := manager.Spawn(ctx, spec)
	if err != nil {
		logger.Error("Failed to create environment", zap.Error(err))
		return 1
	}

	final, err := manager.Wait(ctx, inst.ID)
	if ctx.Err() != nil {
		manager.Close(inst.ID)
		return exitInterrupted
	}
	if err != nil {
		logger.Error("Script failed", zap.String("name", spec.Name), zap.Error(err))
	}

	if jsonOut {
		out, merr := sonic.MarshalIndent(final, "", "  ")
		if merr != nil {
			logger.Error("Failed to encode snapshot", zap.Error(merr))
		} else {
			fmt.Println(string(out))
		}
	}
	return final.ExitCode
}
