package provisioner

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rossigee/libvirt-mirror-orchestrator/internal/blockjob"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// Local provisions image files in a directory on the host.
type Local struct {
	dataDir string
	deps    Deps
}

// NewLocal creates a provisioner rooted at dataDir.
func NewLocal(dataDir string, deps Deps) *Local {
	return &Local{
		dataDir: dataDir,
		deps:    deps.withDefaults(),
	}
}

// ImagePath returns the file used for target.
func (l *Local) ImagePath(target *blockjob.TargetImage) string {
	if target.Path != "" {
		return target.Path
	}
	return filepath.Join(l.dataDir, fmt.Sprintf("%s.%s", target.Name, target.Format))
}

// Provision resolves the image path. With the existing create mode it also
// creates the image unless the file is already there; otherwise the
// hypervisor creates the file when the copy starts.
func (l *Local) Provision(ctx context.Context, target *blockjob.TargetImage) (string, error) {
	path := l.ImagePath(target)
	target.Path = path

	if err := l.deps.Fs.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", provisioningError(target, fmt.Errorf("failed to create image directory: %w", err))
	}

	if target.CreateMode != blockjob.CreateExisting {
		return path, nil
	}

	exists, err := afero.Exists(l.deps.Fs, path)
	if err != nil {
		return "", provisioningError(target, fmt.Errorf("failed to check image: %w", err))
	}
	if exists {
		logrus.WithField("path", path).Info("Reusing existing target image")
		return path, nil
	}

	if target.SeedURL != "" {
		if err := l.seed(ctx, target); err != nil {
			return "", provisioningError(target, err)
		}
		return path, nil
	}

	logrus.WithFields(logrus.Fields{
		"path":   path,
		"format": target.Format,
		"size":   target.Size,
	}).Info("Creating target image")

	if _, err := l.deps.Runner.Run(ctx, "qemu-img", "create", "-f", target.Format, path, target.Size); err != nil {
		return "", provisioningError(target, fmt.Errorf("failed to create image: %w", err))
	}

	return path, nil
}

// seed downloads target.SeedURL and converts it into the target format.
func (l *Local) seed(ctx context.Context, target *blockjob.TargetImage) error {
	if l.deps.Fetcher == nil {
		return fmt.Errorf("seed image %s requested but no object store is configured", target.SeedURL)
	}

	tempPath := target.Path + ".seed"
	defer func() {
		if err := l.deps.Fs.Remove(tempPath); err != nil {
			logrus.WithError(err).WithField("path", tempPath).Debug("Failed to remove seed download")
		}
	}()

	logrus.WithFields(logrus.Fields{
		"seed_url": target.SeedURL,
		"path":     target.Path,
	}).Info("Seeding target image")

	if err := l.deps.Fetcher.DownloadImage(ctx, target.SeedURL, tempPath); err != nil {
		return fmt.Errorf("failed to download seed image: %w", err)
	}

	if _, err := l.deps.Runner.Run(ctx, "qemu-img", "convert", "-O", target.Format, tempPath, target.Path); err != nil {
		return fmt.Errorf("failed to convert seed image: %w", err)
	}

	return nil
}

// Teardown is a no-op: the image file is removed through the run's trash
// list.
func (l *Local) Teardown(context.Context, *blockjob.TargetImage) error {
	return nil
}
