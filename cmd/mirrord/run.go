package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rossigee/libvirt-mirror-orchestrator/internal/blockjob"
	"github.com/rossigee/libvirt-mirror-orchestrator/internal/config"
	"github.com/rossigee/libvirt-mirror-orchestrator/internal/jobs"
	"github.com/rossigee/libvirt-mirror-orchestrator/internal/libvirt"
	"github.com/rossigee/libvirt-mirror-orchestrator/internal/provisioner"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	runDomain string
	runParams map[string]string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Mirror one disk in the foreground, release the target and exit",
	Long: `run drives a single mirror through provisioning, copy, pivot and cleanup.
Cleanup tears down the target storage once the run ends, so the copy is not
kept attached after the command returns.`,
	Example: `  mirrord run --domain guest1 --param source_image=/var/lib/libvirt/images/guest1.qcow2 \
    --param target_image=guest1-new --param when_steady=query_status`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runOnce(cmd.Context(), cfg)
	},
}

func init() {
	runCmd.Flags().StringVarP(&runDomain, "domain", "d", "", "name of the running domain")
	runCmd.Flags().StringToStringVarP(&runParams, "param", "p", nil, "mirror parameter as key=value (repeatable)")
	_ = runCmd.MarkFlagRequired("domain")
}

func runOnce(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	params := make(map[string]any, len(runParams)+1)
	for k, v := range runParams {
		params[k] = v
	}
	params["domain"] = runDomain

	opts, err := cfg.Resolve(params)
	if err != nil {
		return fmt.Errorf("%w: %w", jobs.ErrInvalidParameters, err)
	}

	deps, err := provisionerDeps(cfg)
	if err != nil {
		return err
	}
	prov, err := provisioner.New(opts, deps)
	if err != nil {
		return err
	}

	conn, err := libvirt.NewConnection(cfg.Libvirt)
	if err != nil {
		return err
	}
	defer func() {
		if err := conn.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close libvirt connection")
		}
	}()

	ch, err := conn.OpenDomain(ctx, opts.Domain)
	if err != nil {
		return err
	}
	defer func() {
		if err := ch.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close domain channel")
		}
	}()

	lifecycle, err := jobs.NewLifecycle(ch, prov, opts,
		jobs.WithObserver(func(state jobs.State, phase string, err error) {
			entry := logrus.WithFields(logrus.Fields{"state": state, "phase": phase})
			if err != nil {
				entry.WithError(err).Error("Mirror run step failed")
				return
			}
			entry.Info("Mirror run advanced")
		}),
		jobs.WithProgress(func(status blockjob.JobStatus) {
			logrus.WithField("percent", fmt.Sprintf("%.1f", status.Percent())).Debug("Copy progress")
		}),
	)
	if err != nil {
		return err
	}

	if err := lifecycle.Run(ctx); err != nil {
		return err
	}

	logrus.WithFields(runSummary(opts, lifecycle)).Info("Mirror run finished; target storage released")
	return nil
}

func runSummary(opts config.Options, lifecycle *jobs.Lifecycle) logrus.Fields {
	return logrus.Fields{
		"domain": opts.Domain,
		"device": lifecycle.Device(),
		"target": lifecycle.Target().Path,
		"state":  lifecycle.State(),
	}
}
