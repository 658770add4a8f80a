package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/harun/agentgate/internal/config"
	"github.com/harun/agentgate/internal/observability"
	"github.com/harun/agentgate/internal/tracing"
	"github.com/harun/agentgate/pkg/agent"
	"github.com/harun/agentgate/pkg/commandqueue"
	"github.com/harun/agentgate/pkg/dispatch"
	"github.com/harun/agentgate/pkg/registry"
	"github.com/harun/agentgate/pkg/session"
	"github.com/harun/agentgate/pkg/switchboard"
	"github.com/harun/agentgate/pkg/tools"
	"github.com/harun/agentgate/pkg/usage"
	"github.com/rs/zerolog"
)

// server holds the wired components of a running agentgate process.
type server struct {
	sb       *switchboard.Switchboard
	registry *registry.Registry
	agents   *registry.DirSource
	queue    *commandqueue.CommandQueue
	quota    *usage.QuotaMeter
	ledger   *usage.Ledger
	auditor  *observability.Auditor
	tracing  bool
	logger   zerolog.Logger
}

// buildRegistry loads static definitions and opens the published agents directory.
func buildRegistry(cfg *config.Config, logger zerolog.Logger) (*registry.Registry, *registry.DirSource, error) {
	static := registry.Builtins()
	if cfg.Registry.DefinitionsPath != "" {
		defs, err := registry.LoadDefinitions(cfg.Registry.DefinitionsPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load agent definitions: %w", err)
		}
		static = append(static, defs...)
	}

	agents, err := registry.NewDirSource(cfg.Registry.AgentsDir, logger)
	if err != nil {
		return nil, nil, err
	}

	reg, err := registry.New(registry.Config{
		Static:           static,
		DefaultPublisher: cfg.Registry.DefaultPublisher,
		Source:           agents,
		Logger:           logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return reg, agents, nil
}

// newServer wires every component. A nil model is built from the model config.
func newServer(cfg *config.Config, logger zerolog.Logger, model agent.ModelClient) (_ *server, err error) {
	srv := &server{logger: logger}
	defer func() {
		if err != nil {
			_ = srv.Close()
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry("agentgate", cfg.Tracing.SampleRatio); err != nil {
			return nil, fmt.Errorf("failed to init tracing: %w", err)
		}
		srv.tracing = true
	}

	if cfg.Logging.AuditFile != "" {
		srv.auditor, err = observability.OpenAuditFile(cfg.Logging.AuditFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit file: %w", err)
		}
		observability.SetAuditor(srv.auditor)
	}

	srv.registry, srv.agents, err = buildRegistry(cfg, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Registry.Watch {
		if err := srv.agents.Watch(); err != nil {
			return nil, fmt.Errorf("failed to watch agents dir: %w", err)
		}
	}

	srv.quota, err = usage.NewQuotaMeter(usage.QuotaConfig{
		StepsPerSession: cfg.Usage.StepsPerSession,
		ResetSchedule:   cfg.Usage.ResetSchedule,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}
	srv.quota.Start()

	ledgerPath := cfg.Usage.LedgerPath
	if ledgerPath == "" {
		ledgerPath = filepath.Join(cfg.DataDir, "usage.db")
	}
	srv.ledger, err = usage.OpenLedger(ledgerPath, srv.quota, logger)
	if err != nil {
		return nil, err
	}

	archiver, err := session.NewArchiver(filepath.Join(cfg.DataDir, "sessions"), logger)
	if err != nil {
		return nil, err
	}

	srv.queue = commandqueue.New(commandqueue.WithLogger(logger))
	srv.sb, err = switchboard.New(switchboard.Config{
		Host:                 cfg.Switchboard.Host,
		Port:                 cfg.Switchboard.Port,
		SharedSecret:         cfg.Switchboard.SharedSecret,
		ClientToolTimeout:    cfg.Switchboard.ClientToolTimeout(),
		OutboundBuffer:       cfg.Switchboard.OutboundBuffer,
		RunRequestsPerMinute: cfg.Switchboard.RunRequestsPerMinute,
		Resolver:             srv.registry,
		Queue:                srv.queue,
		Archiver:             archiver,
		OnRetire:             srv.ledger.Forget,
		Logger:               logger,
	})
	if err != nil {
		return nil, err
	}

	workspace := cfg.Agent.WorkspaceRoot
	if workspace == "" {
		if workspace, err = os.Getwd(); err != nil {
			return nil, err
		}
	}

	dispatcher := dispatch.New(dispatch.Config{Logger: logger})
	if err := tools.Register(dispatcher, tools.Options{WorkspaceRoot: workspace, Client: srv.sb}); err != nil {
		return nil, err
	}

	if model == nil {
		model, err = agent.NewFailoverClient(cfg.Model.Provider, cfg.Model.APIKey,
			cfg.Model.FallbackProvider, cfg.Model.FallbackAPIKey)
		if err != nil {
			return nil, err
		}
	}

	loop, err := agent.NewLoop(agent.Config{
		Model:             model,
		Dispatcher:        dispatcher,
		Meter:             srv.ledger,
		Emitter:           srv.sb,
		ModelName:         cfg.Model.Model,
		MaxTokens:         cfg.Model.MaxTokens,
		Temperature:       cfg.Model.Temperature,
		MaxRetries:        cfg.Agent.MaxRetries,
		RetryBaseDelay:    cfg.Agent.RetryBaseDelay(),
		DefaultStepBudget: cfg.Agent.DefaultStepBudget,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}
	srv.sb.SetRunner(loop)

	return srv, nil
}

// Close releases everything newServer opened. Shut the switchboard down first.
func (s *server) Close() error {
	var errs []error
	if s.queue != nil {
		errs = append(errs, s.queue.Close())
	}
	if s.quota != nil {
		s.quota.Stop()
	}
	if s.ledger != nil {
		errs = append(errs, s.ledger.Close())
	}
	if s.agents != nil {
		errs = append(errs, s.agents.Stop())
	}
	if s.auditor != nil {
		observability.SetAuditor(nil)
		errs = append(errs, s.auditor.Close())
	}
	if s.tracing {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, tracing.ShutdownOpenTelemetry(ctx))
		cancel()
	}
	return errors.Join(errs...)
}
