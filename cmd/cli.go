// Package cmd parses the command line into a validated configuration.
package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"batmon/internal/build"
	"batmon/internal/config"
)

// Commands selected by the CLI.
const (
	CommandRun  = "run"
	CommandList = "list"
)

// ParseArgs builds the configuration from the YAML file, environment and
// flags, in that order of precedence, and returns the selected command. An
// empty command means cobra already handled the invocation (help, version).
func ParseArgs() (*config.Config, string, error) {
	buildInfo := build.GetBuildFlags()

	var (
		command    string
		configPath string
		devicePath string
		outputDir  string
		wsAddress  string
		arm        bool
		monitor    bool
		verbose    bool
	)

	rootCmd := &cobra.Command{
		Use:           buildInfo.Name,
		Short:         "Real-time acoustic monitor for ultrasonic bat detectors",
		Version:       buildInfo.Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd:   true,
			DisableDescriptions: true,
			DisableNoDescFlag:   true,
			HiddenDefaultCmd:    true,
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			command = CommandRun
			return nil
		},
	}
	rootCmd.SetHelpCommand(&cobra.Command{Hidden: true})

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available audio output devices",
		Run: func(cmd *cobra.Command, args []string) {
			command = CommandList
		},
	}
	rootCmd.AddCommand(listCmd)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "f", "",
		"Path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVarP(&devicePath, "device", "d", "",
		"usbdevfs node of the detector, e.g. /dev/bus/usb/001/004")
	rootCmd.PersistentFlags().StringVarP(&outputDir, "output-dir", "o", "",
		"Directory for finished recordings")
	rootCmd.PersistentFlags().StringVar(&wsAddress, "ws-address", "",
		"WebSocket listen address for UI clients")
	rootCmd.PersistentFlags().BoolVarP(&arm, "arm", "a", false,
		"Arm the auto trigger at startup")
	rootCmd.PersistentFlags().BoolVarP(&monitor, "monitor", "m", false,
		"Enable the audible heterodyne monitor")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Enable debug logging")

	rootCmd.SetArgs(os.Args[1:])
	if err := rootCmd.Execute(); err != nil {
		return nil, "", err
	}
	if command == "" {
		return nil, "", nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, "", err
	}

	// Flags win over file and environment.
	if devicePath != "" {
		cfg.Device.Path = devicePath
	}
	if outputDir != "" {
		cfg.Recording.OutputDir = outputDir
	}
	if wsAddress != "" {
		cfg.Transport.WebSocketAddress = wsAddress
		cfg.Transport.WebSocketEnabled = true
	}
	if monitor {
		cfg.Heterodyne.Enabled = true
	}
	if verbose {
		cfg.Debug = true
		cfg.LogLevel = "debug"
	}
	cfg.ArmOnStart = arm

	return cfg, command, nil
}
