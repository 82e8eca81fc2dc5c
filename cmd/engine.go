// File: cmd/engine.go
package cmd

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/browserhost/internal/config"
	"github.com/xkilldash9x/browserhost/internal/engine/cdp"
	"github.com/xkilldash9x/browserhost/internal/engine/sim"
	"github.com/xkilldash9x/browserhost/internal/native"
)

// newEngine builds the engine selected by cfg.Backend.
func newEngine(cfg config.EngineConfig, logger *zap.Logger) (native.Engine, error) {
	switch cfg.Backend {
	case config.BackendSim:
		return sim.New(sim.Options{
			Logger:       logger.Named("sim"),
			UserAgent:    cfg.UserAgent(),
			Locale:       cfg.Locale,
			DownloadDir:  cfg.DownloadDir,
			FetchTimeout: cfg.FetchTimeout,
		}), nil
	case config.BackendCDP:
		return cdp.New(cdp.Options{
			Logger:           logger.Named("cdp"),
			ExecPath:         cfg.ExecPath,
			Headless:         cfg.Headless,
			DebugPort:        cfg.DebugPort,
			Args:             cfg.Args,
			UserAgentProduct: cfg.UserAgentProduct,
			Locale:           cfg.Locale,
			LogPath:          cfg.LogPath,
			LogSeverity:      cfg.LogSeverity,
			DownloadDir:      cfg.DownloadDir,
			StartTimeout:     cfg.StartTimeout,
		}), nil
	default:
		return nil, fmt.Errorf("unknown engine backend %q", cfg.Backend)
	}
}
