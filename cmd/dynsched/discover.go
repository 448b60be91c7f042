package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List the services persisted on containerd",
	Long: `List the dynamic services whose context is stored in sidecar
container labels. This is what "serve" restores on start.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		rt, err := newRuntime(cfg, nil)
		if err != nil {
			return err
		}
		defer rt.Close()

		contexts, err := rt.ListContexts(context.Background())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NODE ID\tSERVICE\tSTATUS\tFROZEN\tREMOVE\tMESSAGE")
		for _, svc := range contexts {
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%t\t%s\n",
				svc.NodeID,
				svc.ServiceName,
				svc.Sidecar.Status.Current,
				svc.Sidecar.WaitForManualIntervention,
				svc.Sidecar.Removal.CanRemove,
				svc.Sidecar.Status.Message,
			)
		}
		return w.Flush()
	},
}
