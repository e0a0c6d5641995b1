// Package ctl implements the guardianctl command line
package ctl

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Config holds the command defaults
type Config struct {
	Server       string
	Token        string
	OutputWriter io.Writer
	Timeout      time.Duration
}

type runtimeState struct {
	server       string
	token        string
	outputFormat string
	configPath   string
	timeout      time.Duration
	verbose      bool
	writer       io.Writer
}

type runtimeKey struct{}

// DefaultConfig returns defaults taken from the environment
func DefaultConfig() Config {
	server := os.Getenv("GUARDIAN_SERVER")
	if server == "" {
		server = "http://localhost:9091"
	}
	return Config{
		Server:       server,
		Token:        os.Getenv("GUARDIAN_ADMIN_TOKEN"),
		OutputWriter: os.Stdout,
		Timeout:      2 * time.Minute,
	}
}

// NewRootCommand builds the guardianctl command tree
func NewRootCommand(cfg Config) *cobra.Command {
	rt := &runtimeState{server: cfg.Server, token: cfg.Token, writer: cfg.OutputWriter, timeout: cfg.Timeout}

	root := &cobra.Command{
		Use:           "guardianctl",
		Short:         "Inspect and drive the guardian threat escalation controller",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if rt.writer == nil {
				rt.writer = os.Stdout
			}
			level := zerolog.WarnLevel
			if rt.verbose {
				level = zerolog.DebugLevel
			}
			zerolog.SetGlobalLevel(level)
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
			switch rt.outputFormat {
			case "", "json", "text":
				return nil
			default:
				return errors.New("output format must be json or text")
			}
		},
	}

	root.PersistentFlags().StringVar(&rt.server, "server", rt.server, "Admin API base URL")
	root.PersistentFlags().StringVar(&rt.token, "token", rt.token, "Admin API bearer token")
	root.PersistentFlags().StringVarP(&rt.outputFormat, "output", "o", "json", "Output format: json, text")
	root.PersistentFlags().StringVar(&rt.configPath, "config", "", "Config file for in-process commands")
	root.PersistentFlags().DurationVar(&rt.timeout, "timeout", rt.timeout, "Request timeout")
	root.PersistentFlags().BoolVarP(&rt.verbose, "verbose", "v", false, "Enable verbose logging")

	root.SetContext(context.WithValue(context.Background(), runtimeKey{}, rt))

	root.AddCommand(
		newStatusCommand(),
		newHistoryCommand(),
		newSubmitCommand(),
		newRecoverCommand(),
		newAdmitCommand(),
		newVerifyCommand(),
		newNodeCommand(),
		newScenarioCommand(),
	)

	return root
}

func getRuntime(cmd *cobra.Command) (*runtimeState, error) {
	rt, ok := cmd.Context().Value(runtimeKey{}).(*runtimeState)
	if !ok || rt == nil {
		return nil, errors.New("runtime not initialized")
	}
	return rt, nil
}

func (rt *runtimeState) client() *Client {
	return NewClient(rt.server, rt.token, rt.timeout)
}
