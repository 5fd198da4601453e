// Package provisioner prepares and releases mirror target images on local
// disk, NFS exports and iSCSI LUNs.
package provisioner

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/rossigee/libvirt-mirror-orchestrator/internal/blockjob"
	"github.com/rossigee/libvirt-mirror-orchestrator/internal/config"
	"github.com/rossigee/libvirt-mirror-orchestrator/internal/retry"
	"github.com/spf13/afero"
)

// Provisioner creates the storage behind a target image and releases it.
type Provisioner interface {
	// Provision makes target usable and returns its local path. It also
	// stores the path in target. Calling it twice is harmless.
	Provision(ctx context.Context, target *blockjob.TargetImage) (string, error)
	// Teardown releases backend resources held for target.
	Teardown(ctx context.Context, target *blockjob.TargetImage) error
}

// Runner executes host tools.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Fetcher downloads an image object to a local file.
type Fetcher interface {
	DownloadImage(ctx context.Context, imageURL, destPath string) error
}

// Deps are the collaborators shared by every backend.
type Deps struct {
	Runner  Runner
	Fs      afero.Fs
	Fetcher Fetcher
	Retry   retry.Config
	// WaitTimeout bounds waits for mounts and device nodes.
	WaitTimeout time.Duration
	// PollInterval is the step of those waits.
	PollInterval time.Duration
}

func (d Deps) withDefaults() Deps {
	if d.Runner == nil {
		d.Runner = ExecRunner{}
	}
	if d.Fs == nil {
		d.Fs = afero.NewOsFs()
	}
	if d.Retry.MaxAttempts == 0 {
		d.Retry = retry.DefaultConfig
	}
	if d.WaitTimeout == 0 {
		d.WaitTimeout = 30 * time.Second
	}
	if d.PollInterval == 0 {
		d.PollInterval = time.Second
	}
	return d
}

// New selects the backend for opts.ImageType.
func New(opts config.Options, deps Deps) (Provisioner, error) {
	deps = deps.withDefaults()

	kind, err := blockjob.ParseBackingStoreKind(opts.ImageType)
	if err != nil {
		return nil, err
	}

	switch kind {
	case blockjob.KindNFS:
		return NewNFS(opts, deps), nil
	case blockjob.KindISCSI:
		return NewISCSI(opts, deps), nil
	default:
		return NewLocal(opts.DataDir, deps), nil
	}
}

// ExecRunner runs commands on the host.
type ExecRunner struct{}

// Run executes name with args and returns the combined output.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	//nolint:gosec // Command names are fixed; arguments come from validated options
	cmd := exec.CommandContext(ctx, name, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return output, fmt.Errorf("%s failed: %w, output: %s", name, err, string(output))
	}
	return output, nil
}

func provisioningError(target *blockjob.TargetImage, err error) error {
	return &blockjob.ProvisioningError{Kind: target.Kind, Path: target.Path, Err: err}
}
