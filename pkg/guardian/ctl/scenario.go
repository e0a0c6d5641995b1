package ctl

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/TFMV/guardian/pkg/guardian/config"
	"github.com/TFMV/guardian/pkg/guardian/service"
	"github.com/TFMV/guardian/pkg/guardian/threat"
)

// scenarioSignals is the demonstration escalation from WARNING to ABSOLUTE_ZERO
var scenarioSignals = []threat.ThreatSignal{
	{
		Type:        threat.TypePriceManipulation,
		Severity:    threat.LevelWarning,
		Description: "Unusual price movement detected on oracle feed",
		Source:      "oracle-monitor",
		Confidence:  0.75,
	},
	{
		Type:            threat.TypeConsensusAttack,
		Severity:        threat.LevelCritical,
		Description:     "Validators signing conflicting blocks",
		Source:          "consensus-monitor",
		Confidence:      0.95,
		AffectedSystems: []string{"validator-3", "validator-7"},
	},
	{
		Type:        threat.TypeQuantumThreat,
		Severity:    threat.LevelAbsoluteZero,
		Description: "Signature forgery consistent with a quantum adversary",
		Source:      "pq-monitor",
		Confidence:  0.99,
	},
}

func newScenarioCommand() *cobra.Command {
	var (
		replicas int
		complete bool
	)

	cmd := &cobra.Command{
		Use:   "scenario",
		Short: "Run the escalation and recovery demonstration in-process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}

			cfg, err := config.LoadConfig(rt.configPath)
			if err != nil {
				return err
			}
			isolateScenario(cfg)
			if cmd.Flags().Changed("replicas") {
				cfg.Mirror.ReplicaCount = replicas
				if err := cfg.Validate(); err != nil {
					return err
				}
			}

			report, err := runScenario(cmd.Context(), cfg, complete)
			if err != nil {
				return err
			}
			return rt.printStatus(report)
		},
	}

	cmd.Flags().IntVar(&replicas, "replicas", 3, "Vault replica count")
	cmd.Flags().BoolVar(&complete, "complete", false, "Complete recovery and return to OPERATIONAL")
	return cmd
}

// isolateScenario keeps the in-process run off the network
func isolateScenario(cfg *config.Config) {
	cfg.Server.AdminAPIEnabled = false
	cfg.Server.GRPCEnabled = false
	cfg.Events.NATSEnabled = false
	cfg.Events.Kafka.Enabled = false
	cfg.Events.LogStatus = false
	cfg.Telemetry.PrometheusEnabled = false
	cfg.Telemetry.OTelEnabled = false
	cfg.Audit.StoragePath = ""
	cfg.Vault.Backend = "memory"
}

func runScenario(ctx context.Context, cfg *config.Config, complete bool) (threat.StatusReport, error) {
	svc, err := service.New(ctx, cfg)
	if err != nil {
		return threat.StatusReport{}, err
	}
	defer func() {
		if err := svc.Shutdown(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Msg("Scenario shutdown failed")
		}
	}()

	for _, signal := range scenarioSignals {
		if err := svc.Controller.Submit(ctx, signal); err != nil {
			return svc.Controller.Status(), fmt.Errorf("%s signal: %w", signal.Severity, err)
		}
	}

	svc.AllClear.Grant("scenario")
	if _, err := svc.Controller.InitiateRecovery(ctx); err != nil {
		return svc.Controller.Status(), err
	}

	if complete {
		if err := svc.Controller.CompleteRecovery(ctx); err != nil {
			return svc.Controller.Status(), err
		}
	}

	if _, err := svc.Controller.Monitor(ctx); err != nil {
		return svc.Controller.Status(), err
	}
	return svc.Controller.Status(), nil
}
