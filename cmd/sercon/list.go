package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	goserial "go.bug.st/serial"
	"go.bug.st/serial/enumerator"
	"pkt.systems/pslog"
)

// overridden in tests
var (
	getPortsList         = goserial.GetPortsList
	getDetailedPortsList = enumerator.GetDetailedPortsList
)

func newListCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List serial ports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			if !verbose {
				names, err := getPortsList()
				if err != nil {
					return fmt.Errorf("list ports: %w", err)
				}
				if len(names) == 0 {
					logger.Info("no serial ports found")
				}
				for _, name := range names {
					if _, err := fmt.Fprintln(cmd.OutOrStdout(), name); err != nil {
						return err
					}
				}
				return nil
			}

			ports, err := getDetailedPortsList()
			if err != nil {
				return fmt.Errorf("list ports: %w", err)
			}
			if len(ports) == 0 {
				logger.Info("no serial ports found")
				return nil
			}
			return writePortDetails(cmd.OutOrStdout(), ports)
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "show USB vendor, product and serial number")
	return cmd
}

func writePortDetails(w io.Writer, ports []*enumerator.PortDetails) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PORT\tVID:PID\tSERIAL\tPRODUCT")
	for _, p := range ports {
		if !p.IsUSB {
			fmt.Fprintf(tw, "%s\t-\t-\t-\n", p.Name)
			continue
		}
		fmt.Fprintf(tw, "%s\t%s:%s\t%s\t%s\n", p.Name, p.VID, p.PID, orDash(p.SerialNumber), orDash(p.Product))
	}
	return tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
