//go:build windows

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sys/windows/svc"

	"fleetauth/services/agent"
)

const (
	defaultConfigPath  = `C:\ProgramData\Fleetauth\agent.yaml`
	windowsServiceName = "FleetauthAgent"
)

// runService hands control to the Service Control Manager when started as a
// service and runs in the foreground otherwise.
func runService(ctx context.Context, s *agent.Service, logger zerolog.Logger) error {
	isService, err := svc.IsWindowsService()
	if err != nil {
		return fmt.Errorf("detect service environment: %w", err)
	}
	if !isService {
		return s.Run(ctx)
	}
	return svc.Run(windowsServiceName, &scmHandler{ctx: ctx, agent: s, log: logger})
}

type scmHandler struct {
	ctx   context.Context
	agent *agent.Service
	log   zerolog.Logger
}

func (h *scmHandler) Execute(_ []string, r <-chan svc.ChangeRequest, changes chan<- svc.Status) (bool, uint32) {
	const accepted = svc.AcceptStop | svc.AcceptShutdown
	changes <- svc.Status{State: svc.StartPending}

	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.agent.Run(ctx) }()

	changes <- svc.Status{State: svc.Running, Accepts: accepted}
	for {
		select {
		case c := <-r:
			switch c.Cmd {
			case svc.Interrogate:
				changes <- c.CurrentStatus
			case svc.Stop, svc.Shutdown:
				changes <- svc.Status{State: svc.StopPending}
				cancel()
				<-done
				return false, 0
			}
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				h.log.Error().Err(err).Msg("agent stopped")
				return false, 1
			}
			return false, 0
		}
	}
}
