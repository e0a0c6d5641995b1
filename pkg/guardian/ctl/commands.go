package ctl

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TFMV/guardian/pkg/guardian/threat"
)

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current controller status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			report, err := rt.client().Status(cmd.Context())
			if err != nil {
				return err
			}
			return rt.printStatus(report)
		},
	}
}

func newHistoryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "List recorded threat signals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			history, err := rt.client().History(cmd.Context())
			if err != nil {
				return err
			}
			return rt.printHistory(history)
		},
	}
}

func newSubmitCommand() *cobra.Command {
	var (
		threatType  string
		severity    string
		confidence  float64
		source      string
		description string
		affected    []string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a threat signal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}

			t, err := threat.ParseThreatType(threatType)
			if err != nil {
				return err
			}
			level, err := threat.ParseThreatLevel(severity)
			if err != nil {
				return err
			}

			signal := threat.ThreatSignal{
				Type:            t,
				Severity:        level,
				Description:     description,
				Source:          source,
				Confidence:      confidence,
				AffectedSystems: affected,
			}
			if err := signal.Validate(); err != nil {
				return err
			}

			report, err := rt.client().Submit(cmd.Context(), signal)
			return rt.printResult(report, err)
		},
	}

	cmd.Flags().StringVarP(&threatType, "type", "t", "", "Threat type, e.g. CONSENSUS_ATTACK")
	cmd.Flags().StringVarP(&severity, "severity", "s", "", "Severity: NORMAL, WARNING, CRITICAL, ABSOLUTE_ZERO")
	cmd.Flags().Float64Var(&confidence, "confidence", 1.0, "Detector confidence in [0,1]")
	cmd.Flags().StringVar(&source, "source", "guardianctl", "Signal source")
	cmd.Flags().StringVarP(&description, "description", "d", "", "Human readable description")
	cmd.Flags().StringSliceVar(&affected, "affected", nil, "Affected systems, comma separated")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("severity")

	return cmd
}

func newRecoverCommand() *cobra.Command {
	var source string

	cmd := &cobra.Command{
		Use:       "recover [initiate|complete|retry|all_clear|revoke]",
		Short:     "Run a recovery action",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"initiate", "complete", "retry", "all_clear", "revoke"},
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			if err := cobra.OnlyValidArgs(cmd, args); err != nil {
				return err
			}
			report, err := rt.client().Recovery(cmd.Context(), args[0], source)
			return rt.printResult(report, err)
		},
	}

	cmd.Flags().StringVar(&source, "source", "guardianctl", "All-clear source")
	return cmd
}

func newAdmitCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "admit [normal|critical]",
		Short:     "Check whether a transaction would be admitted",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"normal", "critical"},
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			priority := "normal"
			if len(args) == 1 {
				priority = args[0]
			}
			resp, err := rt.client().Admit(cmd.Context(), priority)
			if err != nil {
				return err
			}
			return rt.printJSON(resp)
		},
	}
}

func newVerifyCommand() *cobra.Command {
	var signers, total int

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check a signer count against the active consensus threshold",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			resp, err := rt.client().Verify(cmd.Context(), signers, total)
			if err != nil {
				return err
			}
			return rt.printJSON(resp)
		},
	}

	cmd.Flags().IntVar(&signers, "signers", 0, "Number of valid signatures")
	cmd.Flags().IntVar(&total, "total", 0, "Size of the signer set")
	_ = cmd.MarkFlagRequired("signers")
	_ = cmd.MarkFlagRequired("total")
	return cmd
}

func newNodeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "node <id>",
		Short: "Check whether a validator node may participate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			resp, err := rt.client().Node(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return rt.printJSON(resp)
		},
	}
}

// printResult prints the post-action status, which the server also returns
// for failed actions
func (rt *runtimeState) printResult(report threat.StatusReport, err error) error {
	var apiErr *APIError
	if err != nil && !(errors.As(err, &apiErr) && apiErr.Status != nil) {
		return err
	}
	if perr := rt.printStatus(report); perr != nil {
		return perr
	}
	if err != nil {
		return fmt.Errorf("action failed: %w", err)
	}
	return nil
}
