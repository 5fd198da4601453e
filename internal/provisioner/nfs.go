package provisioner

import (
	"context"
	"fmt"

	"github.com/rossigee/libvirt-mirror-orchestrator/internal/blockjob"
	"github.com/rossigee/libvirt-mirror-orchestrator/internal/config"
	"github.com/rossigee/libvirt-mirror-orchestrator/internal/retry"
	"github.com/sirupsen/logrus"
)

// NFS mounts an export and places the image file on it.
type NFS struct {
	server       string
	export       string
	mountDir     string
	mountOptions string
	local        *Local
	deps         Deps
}

// NewNFS creates an NFS provisioner from opts.
func NewNFS(opts config.Options, deps Deps) *NFS {
	deps = deps.withDefaults()
	return &NFS{
		server:       opts.NFSServer,
		export:       opts.NFSExport,
		mountDir:     opts.NFSMountDir,
		mountOptions: opts.NFSMountOptions,
		local:        NewLocal(opts.NFSMountDir, deps),
		deps:         deps,
	}
}

// Provision mounts the export if needed, waits for the mount and then
// prepares the image inside it.
func (n *NFS) Provision(ctx context.Context, target *blockjob.TargetImage) (string, error) {
	if err := n.deps.Fs.MkdirAll(n.mountDir, 0o750); err != nil {
		return "", provisioningError(target, fmt.Errorf("failed to create mount point: %w", err))
	}

	if !n.mounted(ctx) {
		source := fmt.Sprintf("%s:%s", n.server, n.export)
		args := []string{"-t", "nfs"}
		if n.mountOptions != "" {
			args = append(args, "-o", n.mountOptions)
		}
		args = append(args, source, n.mountDir)

		logrus.WithFields(logrus.Fields{
			"source":      source,
			"mount_point": n.mountDir,
		}).Info("Mounting NFS export")

		err := retry.WithRetry(ctx, n.deps.Retry, "nfs mount", func(ctx context.Context) error {
			_, err := n.deps.Runner.Run(ctx, "mount", args...)
			return err
		})
		if err != nil {
			return "", provisioningError(target, err)
		}
	}

	ready := retry.WaitUntil(ctx, retry.PollConfig{
		Step:    n.deps.PollInterval,
		Timeout: n.deps.WaitTimeout,
	}, func() bool {
		return n.mounted(ctx)
	})
	if !ready {
		return "", provisioningError(target, fmt.Errorf("%s not mounted after %s", n.mountDir, n.deps.WaitTimeout))
	}

	return n.local.Provision(ctx, target)
}

// Teardown unmounts the export.
func (n *NFS) Teardown(ctx context.Context, _ *blockjob.TargetImage) error {
	if !n.mounted(ctx) {
		return nil
	}

	if _, err := n.deps.Runner.Run(ctx, "umount", n.mountDir); err != nil {
		return fmt.Errorf("failed to unmount %s: %w", n.mountDir, err)
	}
	return nil
}

func (n *NFS) mounted(ctx context.Context) bool {
	_, err := n.deps.Runner.Run(ctx, "mountpoint", "-q", n.mountDir)
	return err == nil
}
