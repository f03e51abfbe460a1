//go:build !windows

package main

import (
	"context"

	"github.com/rs/zerolog"

	"fleetauth/services/agent"
)

const defaultConfigPath = agent.ConfigPath

func runService(ctx context.Context, s *agent.Service, _ zerolog.Logger) error {
	return s.Run(ctx)
}
