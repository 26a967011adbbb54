package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

type modelsFlags struct {
	probe  bool
	output string
}

func newModelsCmd(root *rootFlags) *cobra.Command {
	flags := &modelsFlags{}
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the model catalog and load status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runModels(cmd, root, flags)
		},
	}

	f := cmd.Flags()
	f.BoolVar(&flags.probe, "probe", false, "Attempt to load every model before reporting")
	f.StringVarP(&flags.output, "output", "o", "table", "Output format: table, json or yaml")
	return cmd
}

func runModels(cmd *cobra.Command, root *rootFlags, flags *modelsFlags) error {
	ctx := cmd.Context()
	a, err := root.openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	statuses := a.Models.Status()
	if flags.probe {
		statuses = a.Models.Probe(ctx)
	}

	if flags.output != "table" {
		return render(cmd.OutOrStdout(), flags.output, statuses)
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tARCHITECTURE\tCHECKPOINT\tCLASSES\tREQUIRED\tSTATUS\tLOADED\tERROR")
	for _, st := range statuses {
		loaded := "-"
		if st.LoadedAt != nil {
			loaded = st.LoadedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%t\t%s\t%s\t%s\n",
			st.Key, st.Architecture, st.Checkpoint, st.Classes, st.Required, st.Status, loaded, st.LastError)
	}
	return tw.Flush()
}
