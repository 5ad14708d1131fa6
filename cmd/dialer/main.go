// Command dialer runs the outbound auto-dialer engine and exposes a
// small CLI for operators: run the daemon, check its status, or place
// one ad-hoc call outside any campaign.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/sebas/autodialer/internal/config"
	"github.com/sebas/autodialer/internal/engine"
	"github.com/sebas/autodialer/internal/logutil"
	"github.com/sebas/autodialer/internal/model"
	"github.com/sebas/autodialer/internal/repository"
)

// Exit codes match the operator-facing contract: 0 success, 2 bad
// configuration, 3 the engine couldn't start, 4 a requested call or
// status query failed.
const (
	exitOK             = 0
	exitConfigError    = 2
	exitStartupFailure = 3
	exitRuntimeFailure = 4
)

var configFile string

func main() {
	root := &cobra.Command{
		Use:   "dialer",
		Short: "Outbound SIP auto-dialer",
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to dialer.yaml")

	root.AddCommand(runCmd(), statusCmd(), dialCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
		os.Exit(exitRuntimeFailure)
	}
}

func loadEngine() (*config.Config, *engine.Engine, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}

	closer := logutil.Init(logutil.Config{
		Level: cfg.Logging.Level,
		JSON:  cfg.Logging.JSON,
		File: logutil.FileConfig{
			Enabled:    cfg.Logging.File.Enabled,
			Path:       cfg.Logging.File.Path,
			MaxSizeMB:  cfg.Logging.File.MaxSizeMB,
			MaxBackups: cfg.Logging.File.MaxBackups,
			MaxAgeDays: cfg.Logging.File.MaxAgeDays,
			Compress:   cfg.Logging.File.Compress,
		},
	})
	if closer != nil {
		defer closer.Close()
	}

	repo := repository.NewMemoryRepository()
	eng, err := engine.New(cfg, repo, slog.Default())
	if err != nil {
		return cfg, nil, err
	}
	return cfg, eng, nil
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the dialer engine and block until signaled",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, eng, err := loadEngine()
			if err != nil {
				fmt.Fprintln(os.Stderr, color.RedString("startup failed: %v", err))
				os.Exit(exitConfigError)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			if err := eng.Start(ctx); err != nil {
				fmt.Fprintln(os.Stderr, color.RedString("engine failed to start: %v", err))
				os.Exit(exitStartupFailure)
			}

			<-ctx.Done()
			eng.Stop()
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print call manager status (run this against a live process's metrics endpoint in production)",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, eng, err := loadEngine()
			if err != nil {
				return err
			}
			status := eng.CallManagerStatus()

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(status)
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Campaign", "Active", "Max Concurrent", "Initiated", "Completed", "Failed"})
			for id, c := range status.Campaigns {
				table.Append([]string{
					id,
					fmt.Sprintf("%d", c.ActiveCalls),
					fmt.Sprintf("%d", c.MaxConcurrentCalls),
					fmt.Sprintf("%d", c.TotalInitiated),
					fmt.Sprintf("%d", c.TotalCompleted),
					fmt.Sprintf("%d", c.TotalFailed),
				})
			}
			table.Render()
			fmt.Printf("global: active=%d/%d pending=%d\n", status.TotalActiveCalls, status.GlobalMaxConcurrent, status.PendingContacts)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit machine-readable JSON instead of a table")
	return cmd
}

func dialCmd() *cobra.Command {
	var to, callerID, flowPath string
	cmd := &cobra.Command{
		Use:   "dial",
		Short: "Place one ad-hoc call outside any campaign",
		RunE: func(cmd *cobra.Command, args []string) error {
			if to == "" {
				fmt.Fprintln(os.Stderr, color.RedString("--to is required"))
				os.Exit(exitConfigError)
			}

			_, eng, err := loadEngine()
			if err != nil {
				fmt.Fprintln(os.Stderr, color.RedString("startup failed: %v", err))
				os.Exit(exitConfigError)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			if err := eng.Start(ctx); err != nil {
				fmt.Fprintln(os.Stderr, color.RedString("engine failed to start: %v", err))
				os.Exit(exitStartupFailure)
			}
			defer eng.Stop()

			var flow *model.IVRFlow
			if flowPath != "" {
				flow, err = loadFlow(flowPath)
				if err != nil {
					fmt.Fprintln(os.Stderr, color.RedString("failed to load flow: %v", err))
					os.Exit(exitConfigError)
				}
			}

			rec, err := eng.DialOnce(ctx, to, callerID, flow)
			if err != nil {
				fmt.Fprintln(os.Stderr, color.RedString("call failed: %v", err))
				os.Exit(exitRuntimeFailure)
			}

			fmt.Printf("result=%s hangup_cause=%s duration=%.1fs amd=%s\n", rec.Result, rec.HangupCause, rec.DurationSeconds, rec.AMDResult)
			return nil
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "destination number in E.164 form")
	cmd.Flags().StringVar(&callerID, "caller-id", "", "caller ID to present")
	cmd.Flags().StringVar(&flowPath, "flow", "", "path to a JSON-encoded IVR flow to run once answered")
	return cmd
}

func loadFlow(path string) (*model.IVRFlow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var flow model.IVRFlow
	if err := json.Unmarshal(data, &flow); err != nil {
		return nil, fmt.Errorf("parse ivr flow: %w", err)
	}
	if problems := flow.Validate(); len(problems) > 0 {
		return nil, fmt.Errorf("invalid ivr flow: %v", problems)
	}
	return &flow, nil
}
