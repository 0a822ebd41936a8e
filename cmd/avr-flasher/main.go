package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/bigbag/avr-flasher/internal/config"
	"github.com/bigbag/avr-flasher/internal/detect"
	"github.com/bigbag/avr-flasher/internal/drive"
	"github.com/bigbag/avr-flasher/internal/ihex"
	"github.com/bigbag/avr-flasher/internal/logging"
	"github.com/bigbag/avr-flasher/internal/protocol"
	"github.com/bigbag/avr-flasher/internal/serial"
	"github.com/bigbag/avr-flasher/internal/transport"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	configFlag   string
	logLevelFlag string
	noColorFlag  bool

	portFlag    string
	baudFlag    int
	tcpFlag     string
	hexModeFlag string
	lenientFlag bool
	timeoutFlag time.Duration
	dryRunFlag  bool
	noResetFlag bool

	imageFlag    string
	intervalFlag time.Duration
)

// cfg is the configuration file merged with the flags that were set.
var cfg config.Config

func main() {
	rootCmd := &cobra.Command{
		Use:   "avr-flasher",
		Short: "Upload firmware to AVR boards through an STK500 bootloader",
		Long: `AVR Flasher uploads compiled Intel HEX images to Arduino-style boards
running an STK500v1 bootloader such as optiboot.

Boards can be reached over a USB serial port, a Bluetooth serial link
bound to an rfcomm device, or a TCP serial bridge.`,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
	}
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Config file (default "+config.DefaultPath()+")")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level (trace, debug, info, warn, error, off)")
	rootCmd.PersistentFlags().BoolVar(&noColorFlag, "no-color", false, "Disable colored log output")

	// Flash command
	flashCmd := &cobra.Command{
		Use:   "flash <image.hex>",
		Short: "Upload a hex image to the board",
		Long: `Decode an Intel HEX image and upload it to the board.

The board is reset into its bootloader by pulsing DTR/RTS unless
--no-reset is given. Use --dry-run to upload to a simulated board.`,
		Args: cobra.ExactArgs(1),
		RunE: runFlash,
	}
	addConnectionFlags(flashCmd)
	addUploadFlags(flashCmd)

	// Build command
	buildCmd := &cobra.Command{
		Use:   "build <program-file>",
		Short: "Compile a robot program and upload it",
		Long: `Wrap the program into the robot sketch, compile it with the configured
build script and upload the resulting image.`,
		Args: cobra.ExactArgs(1),
		RunE: runBuild,
	}
	addConnectionFlags(buildCmd)
	addUploadFlags(buildCmd)

	// Drive command
	driveCmd := &cobra.Command{
		Use:   "drive [commands...]",
		Short: "Upload the interactive sketch and drive the robot",
		Long: `Upload the interactive sketch, keep the link open and send drive commands:
w forward, s backward, a left, d right, x stop, p query sensors.

Commands given as arguments are sent and the link is closed. Without
arguments commands are read from standard input, one or more per line.`,
		RunE: runDrive,
	}
	addConnectionFlags(driveCmd)
	addUploadFlags(driveCmd)
	driveCmd.Flags().StringVar(&imageFlag, "image", "", "Upload this compiled interactive image instead of building one")
	driveCmd.Flags().DurationVar(&intervalFlag, "interval", drive.DefaultInterval, "Pause after every command")

	// Decode command
	decodeCmd := &cobra.Command{
		Use:   "decode <image.hex>",
		Short: "Decode a hex image and show its size",
		Args:  cobra.ExactArgs(1),
		RunE:  runDecode,
	}
	decodeCmd.Flags().StringVar(&hexModeFlag, "hex-mode", "", "Hex decoder: records, legacy or strict")

	// Info command
	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Show bootloader info",
		Long:  "Detect and show the bootloader version and device signature of connected boards.",
		RunE:  runInfo,
	}
	addConnectionFlags(infoCmd)

	// Version command
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("avr-flasher %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	// List command
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		RunE:  runList,
	}

	rootCmd.AddCommand(flashCmd, buildCmd, driveCmd, decodeCmd, infoCmd, versionCmd, listCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func addConnectionFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port (auto-detect if not specified)")
	cmd.Flags().IntVarP(&baudFlag, "baud", "b", protocol.DefaultBaudRate, "Baud rate")
	cmd.Flags().StringVar(&tcpFlag, "tcp", "", "TCP serial bridge address (host:port)")
	cmd.Flags().BoolVar(&noResetFlag, "no-reset", false, "Do not pulse DTR/RTS before connecting")
}

func addUploadFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&hexModeFlag, "hex-mode", "", "Hex decoder: records, legacy or strict")
	cmd.Flags().BoolVar(&lenientFlag, "lenient", false, "Log out-of-sync responses instead of aborting")
	cmd.Flags().DurationVar(&timeoutFlag, "timeout", 0, "Read timeout per response")
	cmd.Flags().BoolVar(&dryRunFlag, "dry-run", false, "Upload to a simulated board")
}

// setup loads the configuration, applies the flags that were set and
// configures logging.
func setup(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load(configFlag)
	if err != nil {
		return err
	}
	cfg = loaded

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevelFlag
	}
	if flags.Changed("port") {
		cfg.Port = portFlag
	}
	if flags.Changed("baud") {
		cfg.Baud = baudFlag
	}
	if flags.Changed("tcp") {
		cfg.TCP = tcpFlag
	}
	if flags.Changed("no-reset") {
		cfg.Reset = !noResetFlag
	}
	if flags.Changed("hex-mode") {
		mode, err := ihex.ParseMode(hexModeFlag)
		if err != nil {
			return err
		}
		cfg.HexMode = mode
	}
	if flags.Changed("lenient") {
		cfg.Strict = !lenientFlag
	}
	if flags.Changed("timeout") && timeoutFlag > 0 {
		cfg.ReadTimeout = timeoutFlag
	}

	if _, err := logging.Configure(cfg.LogLevel, noColorFlag); err != nil {
		return err
	}
	log.Debug().Str("config", configFlag).Msg("configuration loaded")
	return nil
}

func runDecode(cmd *cobra.Command, args []string) error {
	imagePath := args[0]

	image, err := ihex.DecodeFile(imagePath, cfg.DecodeOptions())
	if err != nil {
		return fmt.Errorf("failed to decode image: %w", err)
	}

	pages := (len(image) + cfg.PageSize - 1) / cfg.PageSize
	fmt.Printf("Image:  %s\n", imagePath)
	fmt.Printf("Mode:   %s\n", cfg.HexMode)
	fmt.Printf("Size:   %d bytes\n", len(image))
	fmt.Printf("Pages:  %d x %d bytes\n", pages, cfg.PageSize)
	if len(image) > protocol.MaxImageSize {
		fmt.Printf("Warning: image exceeds the %d byte flash address space\n", protocol.MaxImageSize)
	}
	return nil
}

func runInfo(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if cfg.TCP != "" {
		t, err := transport.Dial(ctx, cfg.TCP)
		if err != nil {
			return err
		}
		defer t.Close()

		result, err := detect.Probe(ctx, t, cfg.FlasherOptions()...)
		if err != nil {
			return fmt.Errorf("failed to detect bootloader on %s: %w", cfg.TCP, err)
		}
		printDeviceInfo(result)
		return nil
	}

	if cfg.Port != "" {
		// Check specific port
		result, err := detect.DetectOnPort(ctx, cfg.Port, cfg.Baud, cfg.Reset, cfg.FlasherOptions()...)
		if err != nil {
			return fmt.Errorf("failed to detect bootloader on %s: %w", cfg.Port, err)
		}
		printDeviceInfo(result)
		return nil
	}

	// Auto-detect
	fmt.Println("Scanning for bootloaders...")
	devices, err := detect.ListDevices(ctx, cfg.Baud, cfg.Reset)
	if err != nil {
		return err
	}

	if len(devices) == 0 {
		fmt.Println("No bootloaders found")
		return nil
	}

	fmt.Printf("Found %d device(s):\n\n", len(devices))
	for i, d := range devices {
		fmt.Printf("Device %d:\n", i+1)
		printDeviceInfo(&d)
		fmt.Println()
	}

	return nil
}

func printDeviceInfo(d *detect.Result) {
	fmt.Printf("  Port:       %s\n", d.Port)
	fmt.Printf("  Part:       %s\n", d.PartName)
	fmt.Printf("  Signature:  %s\n", d.Signature)
	fmt.Printf("  Bootloader: %s\n", d.Version)
}

func runList(cmd *cobra.Command, args []string) error {
	ports, err := serial.ListDetailedPorts()
	if err != nil {
		return err
	}

	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}

	fmt.Println("Available serial ports:")
	for _, p := range ports {
		if p.IsUSB {
			fmt.Printf("  %s  [%s:%s] %s %s\n", p.Name, p.VID, p.PID, p.Product, p.SerialNumber)
			continue
		}
		fmt.Printf("  %s\n", p.Name)
	}

	return nil
}

// autodetectPort finds the first port with a responding bootloader.
func autodetectPort(ctx context.Context) (string, error) {
	fmt.Println("Detecting device...")
	result, err := detect.DetectDevice(ctx, cfg.Baud, cfg.Reset)
	if err != nil {
		return "", fmt.Errorf("device detection failed: %w", err)
	}
	fmt.Printf("Found %s on %s\n", result.PartName, result.Port)
	return result.Port, nil
}
