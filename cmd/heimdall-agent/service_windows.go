//go:build windows

package main

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sys/windows/svc"

	"heimdall/internal/agent"
	"heimdall/internal/core"
)

const serviceName = "HeimdallAgent"

// runService hands control to the Windows service manager. The SCM
// drives start and stop; the agent loop runs under a cancellable
// context like in console mode.
func runService(configPath string, logger *slog.Logger) error {
	config, err := agent.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config %s: %w", configPath, err)
	}
	if !config.IsRegistered() {
		return agent.ErrNotRegistered
	}

	a, err := agent.New(config, agent.CachePath(), core.RealClock{}, logger)
	if err != nil {
		return err
	}
	a.OnStateChange = func(state string) {
		logger.Info("Agent state changed", "state", state)
	}

	return svc.Run(serviceName, &agentService{
		agent:  a,
		logger: logger.With("component", "service"),
	})
}

type agentService struct {
	agent  *agent.Agent
	logger *slog.Logger
}

func (s *agentService) Execute(args []string, requests <-chan svc.ChangeRequest, status chan<- svc.Status) (bool, uint32) {
	status <- svc.Status{State: svc.StartPending}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- s.agent.Run(ctx)
	}()

	status <- svc.Status{State: svc.Running, Accepts: svc.AcceptStop | svc.AcceptShutdown}
	s.logger.Info("Service running", "name", serviceName)

	for {
		select {
		case err := <-done:
			status <- svc.Status{State: svc.StopPending}
			if err != nil {
				s.logger.Error("Agent loop failed", "error", err)
				return true, 1
			}
			return false, 0

		case req := <-requests:
			switch req.Cmd {
			case svc.Interrogate:
				status <- req.CurrentStatus
			case svc.Stop, svc.Shutdown:
				s.logger.Info("Stop requested by service manager")
				status <- svc.Status{State: svc.StopPending}
				cancel()
				<-done
				return false, 0
			default:
				s.logger.Warn("Unexpected service control request", "cmd", req.Cmd)
			}
		}
	}
}
