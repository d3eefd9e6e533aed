package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"heimdall/internal/agent"
	"heimdall/internal/core"
	"heimdall/internal/logging"
)

func main() {
	register := flag.Bool("register", false, "Interaktive Geräteregistrierung starten")
	demo := flag.Bool("demo", false, "Demo-Modus ohne Backend (fest verdrahtete Regeln)")
	remoteControl := flag.Bool("remote-control", false, "HTTP-Fernbedienung aktivieren")
	remotePort := flag.Int("remote-port", agent.DefaultRemotePort, "Port für die Fernbedienung")
	service := flag.Bool("service", false, "Als Hintergrunddienst laufen (nur Windows)")
	verbose := flag.Bool("v", false, "Debug-Logging aktivieren")
	logFormat := flag.String("log-format", "text", "Log format: json or text")
	flag.Parse()

	level := "info"
	if *verbose {
		level = "debug"
	}
	logger := logging.Setup(level, *logFormat)
	slog.SetDefault(logger)
	mainLogger := logger.With("component", "main")

	configPath := agent.ConfigPath()

	if *register {
		if err := agent.Register(context.Background(), os.Stdin, os.Stdout, configPath, logger); err != nil {
			fmt.Fprintf(os.Stderr, "Registrierung fehlgeschlagen: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if *service {
		if err := runService(configPath, logger); err != nil {
			mainLogger.Error("Service mode failed", "error", err)
			os.Exit(1)
		}
		return
	}

	a, err := buildAgent(*demo, configPath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		flag.Usage()
		os.Exit(1)
	}

	a.OnStateChange = func(state string) {
		mainLogger.Info("Agent state changed", "state", state)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *remoteControl {
		control := agent.NewRemoteControl(a, *remotePort, logger)
		go func() {
			if err := control.Run(ctx); err != nil {
				mainLogger.Error("Remote control stopped", "error", err)
			}
		}()
	}

	done := make(chan error, 1)
	go func() {
		done <- a.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		mainLogger.Info("Shutdown signal received", "signal", sig.String())
		cancel()
		<-done

	case err := <-done:
		if err != nil {
			mainLogger.Error("Agent stopped", "error", err)
			os.Exit(1)
		}
	}

	mainLogger.Info("Heimdall agent stopped")
}

// buildAgent assembles either the demo fixture or a wired agent from
// the persisted registration.
func buildAgent(demo bool, configPath string, logger *slog.Logger) (*agent.Agent, error) {
	clock := core.RealClock{}

	if demo {
		logger.Info("Demo mode: hard-wired rules, no backend connection")
		return agent.NewDemo(clock, logger), nil
	}

	config, err := agent.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config %s: %w", configPath, err)
	}
	if !config.IsRegistered() {
		return nil, fmt.Errorf("device is not registered, run with --register first")
	}

	return agent.New(config, agent.CachePath(), clock, logger)
}
