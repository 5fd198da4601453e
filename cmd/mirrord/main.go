// Command mirrord mirrors disks of running libvirt domains onto new target
// images and reopens the domain on the copy.
package main

import (
	"fmt"
	"os"

	"github.com/rossigee/libvirt-mirror-orchestrator/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configFile string
	rootCmd    = &cobra.Command{
		Use:   "mirrord",
		Short: "Block copy orchestration for libvirt domains",
		Long: `mirrord drives libvirt block copy jobs: it provisions a target image,
mirrors a running domain's disk onto it, waits for the copy to converge
and pivots the domain to the new image.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default /etc/libvirt-mirror-orchestrator/mirrord.yaml)")
	rootCmd.AddCommand(serveCmd, runCmd)
}

// loadConfig reads the config file and applies its logging section.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if err := config.ConfigureLogging(cfg.Logging); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Debug("Command failed")
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
