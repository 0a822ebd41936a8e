package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/bigbag/avr-flasher/internal/devicesim"
	"github.com/bigbag/avr-flasher/internal/flasher"
	"github.com/bigbag/avr-flasher/internal/toolchain"
	"github.com/bigbag/avr-flasher/internal/upload"
)

func runFlash(cmd *cobra.Command, args []string) error {
	imagePath := args[0]
	fmt.Printf("Image: %s (%s decoder)\n", imagePath, cfg.HexMode)

	return runUpload(cmd.Context(), upload.HexFile(imagePath))
}

func runBuild(cmd *cobra.Command, args []string) error {
	program, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read program file: %w", err)
	}

	builder := toolchain.New(cfg.Toolchain.Script, cfg.Toolchain.WorkDir)
	fmt.Printf("Building with %s in %s\n", builder.Script, builder.WorkDir)

	return runUpload(cmd.Context(), builder.Source(string(program)))
}

// runUpload connects, uploads the image from source and reports the outcome.
// Ctrl-C cancels the upload.
func runUpload(ctx context.Context, source upload.ImageSource) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, err := uploadImage(ctx, source, false)
	return err
}

// uploadImage runs one upload and prints its outcome. With keepOpen the
// link of a successful upload is returned in the result.
func uploadImage(ctx context.Context, source upload.ImageSource, keepOpen bool) (upload.Result, error) {
	connector, err := connectorFor(ctx)
	if err != nil {
		return upload.Result{}, err
	}
	fmt.Printf("Device: %s\n", connector.Device())

	var bar *progressbar.ProgressBar
	progress := flasher.WithProgress(func(current, total int) {
		if bar == nil {
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetDescription("Flashing"),
				progressbar.OptionSetWidth(40),
				progressbar.OptionShowBytes(false),
				progressbar.OptionSetPredictTime(true),
				progressbar.OptionThrottle(100),
				progressbar.OptionShowCount(),
				progressbar.OptionClearOnFinish(),
			)
		}
		bar.Set(current)
	})

	o := upload.New(upload.Config{
		Decode:  cfg.DecodeOptions(),
		Session: append(cfg.FlasherOptions(), progress),
	}, nil)

	h, err := o.Start(ctx, upload.Job{Source: source, Connector: connector, KeepOpen: keepOpen})
	if err != nil {
		return upload.Result{}, err
	}

	result := h.Wait()
	if bar != nil {
		bar.Finish()
	}

	switch result.Status {
	case upload.StatusSucceeded:
		info := result.Info
		fmt.Printf("\nUploaded %d bytes in %d pages to %s (bootloader %s) in %s\n",
			info.Bytes, info.Pages, info.PartName(), info.Version(), result.Duration.Round(time.Millisecond))
		fmt.Println("Done!")
		return result, nil
	case upload.StatusCancelled:
		fmt.Println("\nUpload cancelled")
		return result, context.Canceled
	default:
		return result, result.Err
	}
}

// connectorFor picks the link from the configuration: simulator, TCP
// bridge, named serial port or the first port with a bootloader.
func connectorFor(ctx context.Context) (upload.Connector, error) {
	if dryRunFlag {
		return upload.Existing{T: devicesim.New()}, nil
	}

	if cfg.TCP != "" {
		return upload.TCPBridge{Addr: cfg.TCP, Timeout: cfg.ReadTimeout * 10}, nil
	}

	port := cfg.Port
	if port == "" {
		var err error
		port, err = autodetectPort(ctx)
		if err != nil {
			return nil, err
		}
	}

	return upload.SerialPort{Port: port, Baud: cfg.Baud, Reset: cfg.Reset}, nil
}
