package main

import (
	"context"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/luhtfiimanal/go-serial-console/internal/session"
	"pkt.systems/psi"
	"pkt.systems/pslog"
)

func main() {
	psi.Run(submain)
}

func submain(ctx context.Context) int {
	logOut := session.NewLineWriter(os.Stderr)
	logger := pslog.LoggerFromEnv(
		pslog.WithEnvWriter(logOut),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeConsole}),
	)
	ctx = pslog.ContextWithLogger(ctx, logger)
	log.SetOutput(pslog.LogLogger(logger).Writer())
	log.SetFlags(0)

	root := newRootCmd(logOut)
	root.SetArgs(os.Args[1:])

	if err := root.ExecuteContext(ctx); err != nil {
		pslog.Ctx(ctx).With("err", err).Error("sercon command failed")
		return 1
	}
	return 0
}

// newRootCmd builds the command tree. logOut is the writer behind the
// context logger, or nil when it does not share the terminal.
func newRootCmd(logOut *session.LineWriter) *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "sercon",
		Short:         "Interactive console for serial devices",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default $XDG_CONFIG_HOME/sercon/config.yaml)")

	root.AddCommand(newOpenCmd(&cfgPath, logOut))
	root.AddCommand(newListCmd())
	root.AddCommand(newConfigCmd(&cfgPath))
	root.AddCommand(newVersionCmd())

	return root
}
