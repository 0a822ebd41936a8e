package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/bigbag/avr-flasher/internal/drive"
	"github.com/bigbag/avr-flasher/internal/toolchain"
	"github.com/bigbag/avr-flasher/internal/upload"
)

func runDrive(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var source upload.ImageSource
	if imageFlag != "" {
		fmt.Printf("Image: %s (%s decoder)\n", imageFlag, cfg.HexMode)
		source = upload.HexFile(imageFlag)
	} else {
		builder := toolchain.New(cfg.Toolchain.Script, cfg.Toolchain.WorkDir)
		fmt.Printf("Building interactive sketch with %s in %s\n", builder.Script, builder.WorkDir)
		source = builder.Source(drive.Program)
	}

	result, err := uploadImage(ctx, source, true)
	if err != nil {
		return err
	}

	remote := drive.NewRemote(result.Link, drive.WithInterval(intervalFlag))
	defer remote.Close()

	if len(args) > 0 {
		cmds, err := drive.ParseCommands(strings.Join(args, " "))
		if err != nil {
			return err
		}
		return remote.Send(ctx, cmds...)
	}

	fmt.Println("Enter drive commands (w forward, s backward, a left, d right, x stop, p sensors). Ctrl-D quits.")
	if err := driveInteractive(ctx, remote, os.Stdin); err != nil {
		return err
	}
	fmt.Printf("Sent %d commands\n", remote.Sent())
	return nil
}

// driveInteractive sends the commands on every line of r until EOF or
// cancellation. Unknown input is reported and skipped.
func driveInteractive(ctx context.Context, remote *drive.Remote, r io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			cmds, err := drive.ParseCommands(line)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%v\n", err)
				continue
			}
			if err := remote.Send(ctx, cmds...); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			log.Debug().Int("commands", len(cmds)).Msg("line sent")
		}
	}
}
