package main

import (
	"fmt"

	"github.com/rossigee/libvirt-mirror-orchestrator/internal/config"
	"github.com/rossigee/libvirt-mirror-orchestrator/internal/minio"
	"github.com/rossigee/libvirt-mirror-orchestrator/internal/provisioner"
	"github.com/rossigee/libvirt-mirror-orchestrator/internal/retry"
	"github.com/sirupsen/logrus"
)

// provisionerDeps wires host tooling shared by the serve and run commands.
// Seed images can only be fetched when MinIO credentials are configured.
func provisionerDeps(cfg *config.Config) (provisioner.Deps, error) {
	deps := provisioner.Deps{
		Runner: provisioner.ExecRunner{},
		Retry:  retry.ParseConfig(cfg.Retry.Attempts, cfg.Retry.BackoffMS),
	}

	if !cfg.MinIO.Enabled() {
		logrus.Info("MinIO credentials not set, seed image downloads disabled")
		return deps, nil
	}

	client, err := minio.NewClient(cfg.MinIO)
	if err != nil {
		return provisioner.Deps{}, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}
	deps.Fetcher = client
	return deps, nil
}
