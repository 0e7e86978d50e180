package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	serial "github.com/luhtfiimanal/go-serial-console"
	"github.com/luhtfiimanal/go-serial-console/internal/config"
	"github.com/luhtfiimanal/go-serial-console/internal/session"
	"pkt.systems/pslog"
)

func newOpenCmd(cfgPath *string, logOut *session.LineWriter) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "open <device>",
		Short: "Attach the console to a serial device",
		Long: `Attach the console to a serial device.

Keystrokes go to the device and device output goes to stdout. Press the
prefix key (Ctrl-T by default) followed by q to quit, s to send a file or
? for help. Press the prefix twice to send it literally.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath, cmd.Flags())
			if err != nil {
				return err
			}
			lineCfg, err := cfg.SerialConfig(args[0])
			if err != nil {
				return err
			}
			keymap, err := cfg.Keymap()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
			defer stop()
			logger := pslog.Ctx(ctx).With("device", lineCfg.Device)

			port, err := serial.Open(lineCfg)
			if err != nil {
				return err
			}
			defer port.Close()
			if err := port.Flush(); err != nil {
				logger.Warn("discarding stale port data failed", "err", err)
			}
			logger.Debug("port open", "settings", lineCfg.String(), "flow", lineCfg.FlowControl.String())

			s, err := session.New(session.Config{
				Device:      port,
				Input:       os.Stdin,
				Output:      cmd.OutOrStdout(),
				Notices:     cmd.ErrOrStderr(),
				Keymap:      keymap,
				ChunkSize:   cfg.ChunkSize,
				Description: lineCfg.String(),
				Logger:      logger,
				LogOutput:   logOut,
			})
			if err != nil {
				return err
			}
			return s.Run(ctx)
		},
	}
	addLineFlags(cmd.Flags())
	return cmd
}

// addLineFlags registers the flags config.Load binds by name.
func addLineFlags(fs *pflag.FlagSet) {
	def := serial.DefaultConfig("")
	fs.IntP("baud-rate", "b", def.BaudRate, "baud rate")
	fs.IntP("data-bits", "d", def.DataBits, "data bits (5-8)")
	fs.VarP(&def.Parity, "parity", "p", "parity: none, odd or even")
	fs.VarP(&def.StopBits, "stop-bits", "s", "stop bits: 1 or 2")
	fs.VarP(&def.FlowControl, "flow-control", "f", "flow control: none, software or hardware")
	fs.String("prefix", "ctrl-t", "command prefix key")
	fs.Int("chunk-size", config.Default().ChunkSize, "file transfer chunk size in bytes")
	fs.Duration("write-timeout", serial.DefaultWriteTimeout, "give up on a stalled device write after this long")
}
