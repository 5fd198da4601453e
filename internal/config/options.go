package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/rossigee/libvirt-mirror-orchestrator/internal/blockjob"
	"github.com/spf13/viper"
)

// Options is the resolved, per-run view of the mirror settings.
//
// Precedence, lowest first: built-in defaults, the "mirror" section of the
// config file, caller parameters, then the "images.<target_image>" section.
type Options struct {
	Domain      string `mapstructure:"domain"`
	Device      string `mapstructure:"device"`
	SourceImage string `mapstructure:"source_image"`
	TargetImage string `mapstructure:"target_image"`
	TargetPath  string `mapstructure:"target_path"`

	CreateMode       string `mapstructure:"create_mode"`
	ReopenTimeoutSec int    `mapstructure:"reopen_timeout"`
	FullCopy         bool   `mapstructure:"full_copy"`
	CheckEvent       bool   `mapstructure:"check_event"`
	DefaultSpeed     int64  `mapstructure:"default_speed"`
	WaitTimeoutSec   int    `mapstructure:"wait_timeout"`

	ImageFormat  string `mapstructure:"image_format"`
	ImageType    string `mapstructure:"image_type"`
	ImageSize    string `mapstructure:"image_size"`
	DataDir      string `mapstructure:"data_dir"`
	SeedImageURL string `mapstructure:"seed_image_url"`

	NFSServer       string `mapstructure:"nfs_server"`
	NFSExport       string `mapstructure:"nfs_export"`
	NFSMountDir     string `mapstructure:"nfs_mount_dir"`
	NFSMountOptions string `mapstructure:"nfs_mount_options"`

	ISCSIPortal string `mapstructure:"iscsi_portal"`
	ISCSITarget string `mapstructure:"iscsi_target"`
	ISCSILun    int    `mapstructure:"iscsi_lun"`

	BeforeSteady []string `mapstructure:"before_steady"`
	WhenSteady   []string `mapstructure:"when_steady"`
	AfterReopen  []string `mapstructure:"after_reopen"`
	StepPauseSec int      `mapstructure:"step_pause"`
}

func setOptionDefaults(v *viper.Viper) {
	v.SetDefault("target_image", "target1")
	v.SetDefault("create_mode", string(blockjob.CreateAbsolutePath))
	v.SetDefault("reopen_timeout", 60)
	v.SetDefault("full_copy", true)
	v.SetDefault("check_event", false)
	v.SetDefault("default_speed", 0)
	v.SetDefault("wait_timeout", 600)
	v.SetDefault("image_format", "qcow2")
	v.SetDefault("image_type", string(blockjob.KindLocal))
	v.SetDefault("image_size", "10G")
	v.SetDefault("data_dir", "/var/lib/libvirt/images")
	v.SetDefault("nfs_mount_dir", "/mnt/mirror-nfs")
	v.SetDefault("before_steady", []string{})
	v.SetDefault("when_steady", []string{})
	v.SetDefault("after_reopen", []string{})
	v.SetDefault("step_pause", 5)
}

// DefaultOptions resolves options with no file and no caller input.
func DefaultOptions() (Options, error) {
	return (&Config{}).Resolve(nil)
}

// Resolve merges params into the configured defaults and applies the
// overrides scoped to the resulting target image.
func (c *Config) Resolve(params map[string]any) (Options, error) {
	v := viper.New()
	setOptionDefaults(v)

	if err := v.MergeConfigMap(c.mirror); err != nil {
		return Options{}, fmt.Errorf("failed to merge mirror defaults: %w", err)
	}
	if err := v.MergeConfigMap(params); err != nil {
		return Options{}, fmt.Errorf("failed to merge parameters: %w", err)
	}
	// Image sections are keyed case-insensitively; viper lower-cases map keys.
	if scoped, ok := c.images[strings.ToLower(v.GetString("target_image"))]; ok {
		if err := v.MergeConfigMap(scoped); err != nil {
			return Options{}, fmt.Errorf("failed to merge image overrides: %w", err)
		}
	}

	var opts Options
	if err := v.Unmarshal(&opts, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		switchToBoolHook(),
		stepListHook(),
	))); err != nil {
		return Options{}, fmt.Errorf("failed to decode options: %w", err)
	}

	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// Validate checks value ranges and enumerations.
func (o Options) Validate() error {
	if _, err := blockjob.ParseCreateMode(o.CreateMode); err != nil {
		return err
	}
	if _, err := blockjob.ParseBackingStoreKind(o.ImageType); err != nil {
		return err
	}
	if o.ReopenTimeoutSec <= 0 {
		return fmt.Errorf("reopen_timeout must be positive, got %d", o.ReopenTimeoutSec)
	}
	if o.DefaultSpeed < 0 {
		return fmt.Errorf("default_speed must not be negative, got %d", o.DefaultSpeed)
	}
	if o.WaitTimeoutSec <= 0 {
		return fmt.Errorf("wait_timeout must be positive, got %d", o.WaitTimeoutSec)
	}
	if o.ImageFormat == "" {
		return fmt.Errorf("image_format is required")
	}
	if o.TargetImage == "" {
		return fmt.Errorf("target_image is required")
	}
	if o.TargetPath != "" && !filepath.IsAbs(o.TargetPath) {
		return fmt.Errorf("target_path must be absolute: %s", o.TargetPath)
	}

	switch blockjob.BackingStoreKind(o.ImageType) {
	case blockjob.KindNFS:
		if o.NFSServer == "" || o.NFSExport == "" {
			return fmt.Errorf("nfs_server and nfs_export are required for nfs images")
		}
	case blockjob.KindISCSI:
		if o.ISCSIPortal == "" || o.ISCSITarget == "" {
			return fmt.Errorf("iscsi_portal and iscsi_target are required for iscsi images")
		}
		// The LUN device is the target; a configured path would be ignored.
		if o.TargetPath != "" {
			return fmt.Errorf("target_path cannot be set for iscsi images: %s", o.TargetPath)
		}
	}

	return nil
}

// ReopenTimeout returns reopen_timeout as a duration.
func (o Options) ReopenTimeout() time.Duration {
	return time.Duration(o.ReopenTimeoutSec) * time.Second
}

// WaitTimeout returns wait_timeout as a duration.
func (o Options) WaitTimeout() time.Duration {
	return time.Duration(o.WaitTimeoutSec) * time.Second
}

// StepPause returns step_pause as a duration.
func (o Options) StepPause() time.Duration {
	return time.Duration(o.StepPauseSec) * time.Second
}

// Target builds the target image descriptor. Path is left as configured;
// provisioners fill it in when it is derived from the backing store.
func (o Options) Target() blockjob.TargetImage {
	kind, _ := blockjob.ParseBackingStoreKind(o.ImageType)
	mode, _ := blockjob.ParseCreateMode(o.CreateMode)
	return blockjob.TargetImage{
		Name:       o.TargetImage,
		Path:       o.TargetPath,
		Format:     o.ImageFormat,
		Kind:       kind,
		CreateMode: mode,
		Size:       o.ImageSize,
		SeedURL:    o.SeedImageURL,
	}
}

// switchToBoolHook accepts the yes/no and full/top spellings used by test
// parameter files in addition to strconv.ParseBool values.
func switchToBoolHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to.Kind() != reflect.Bool {
			return data, nil
		}

		s := strings.ToLower(strings.TrimSpace(reflect.ValueOf(data).String()))
		switch s {
		case "yes", "on", "full":
			return true, nil
		case "no", "off", "top", "":
			return false, nil
		}

		b, err := strconv.ParseBool(s)
		if err != nil {
			return nil, fmt.Errorf("invalid boolean %q", s)
		}
		return b, nil
	}
}

// stepListHook splits "a b,c" into step names.
func stepListHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to.Kind() != reflect.Slice || to.Elem().Kind() != reflect.String {
			return data, nil
		}

		return strings.FieldsFunc(reflect.ValueOf(data).String(), func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t'
		}), nil
	}
}
