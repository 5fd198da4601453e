package provisioner

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rossigee/libvirt-mirror-orchestrator/internal/blockjob"
	"github.com/rossigee/libvirt-mirror-orchestrator/internal/config"
	"github.com/rossigee/libvirt-mirror-orchestrator/internal/retry"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

const defaultISCSIPort = "3260"

// ISCSI logs in to a target and uses the LUN's block device as the image.
type ISCSI struct {
	portal string
	target string
	lun    int
	deps   Deps

	// attached is set once the LUN device is known to belong to this run.
	attached bool
}

// NewISCSI creates an iSCSI provisioner from opts.
func NewISCSI(opts config.Options, deps Deps) *ISCSI {
	portal := opts.ISCSIPortal
	if !strings.Contains(portal, ":") {
		portal = portal + ":" + defaultISCSIPort
	}
	return &ISCSI{
		portal: portal,
		target: opts.ISCSITarget,
		lun:    opts.ISCSILun,
		deps:   deps.withDefaults(),
	}
}

// DevicePath returns the udev by-path node of the LUN.
func (i *ISCSI) DevicePath() string {
	return fmt.Sprintf("/dev/disk/by-path/ip-%s-iscsi-%s-lun-%d", i.portal, i.target, i.lun)
}

// Provision discovers and logs in to the target, then waits for the LUN
// device node to appear.
func (i *ISCSI) Provision(ctx context.Context, target *blockjob.TargetImage) (string, error) {
	device := i.DevicePath()
	target.Path = device

	fields := logrus.Fields{"portal": i.portal, "target": i.target, "lun": i.lun}

	exists, err := afero.Exists(i.deps.Fs, device)
	if err != nil {
		return "", provisioningError(target, fmt.Errorf("failed to check device: %w", err))
	}
	if exists {
		logrus.WithFields(fields).Info("iSCSI session already established")
		i.attached = true
		return device, nil
	}

	logrus.WithFields(fields).Info("Logging in to iSCSI target")

	err = retry.WithRetry(ctx, i.deps.Retry, "iscsi discovery", func(ctx context.Context) error {
		_, err := i.deps.Runner.Run(ctx, "iscsiadm", "-m", "discovery", "-t", "sendtargets", "-p", i.portal)
		return err
	})
	if err != nil {
		return "", provisioningError(target, err)
	}

	err = retry.WithRetry(ctx, i.deps.Retry, "iscsi login", func(ctx context.Context) error {
		_, err := i.deps.Runner.Run(ctx, "iscsiadm", "-m", "node", "-T", i.target, "-p", i.portal, "--login")
		return err
	})
	if err != nil {
		return "", provisioningError(target, err)
	}
	i.attached = true

	ready := retry.WaitUntil(ctx, retry.PollConfig{
		Step:    i.deps.PollInterval,
		Timeout: i.deps.WaitTimeout,
	}, func() bool {
		ok, _ := afero.Exists(i.deps.Fs, device)
		return ok
	})
	if !ready {
		return "", provisioningError(target, fmt.Errorf("device %s did not appear after %s", device, i.deps.WaitTimeout))
	}

	return device, nil
}

// Teardown reformats the LUN so later users start from a clean image, then
// logs out. Both steps are attempted. Nothing is touched unless a login
// succeeded; only the LUN device is ever reformatted, never target.Path.
func (i *ISCSI) Teardown(ctx context.Context, target *blockjob.TargetImage) error {
	if !i.attached {
		logrus.WithField("target", i.target).Debug("No iSCSI session to release")
		return nil
	}

	var errs []error

	device := i.DevicePath()
	if _, err := i.deps.Runner.Run(ctx, "qemu-img", "create", "-f", target.Format, device, target.Size); err != nil {
		errs = append(errs, fmt.Errorf("failed to reformat %s: %w", device, err))
	}

	if _, err := i.deps.Runner.Run(ctx, "iscsiadm", "-m", "node", "-T", i.target, "-p", i.portal, "--logout"); err != nil {
		errs = append(errs, fmt.Errorf("failed to log out of %s: %w", i.target, err))
	}
	i.attached = false

	return errors.Join(errs...)
}
