package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/telemetry"
)

func newGraphCommand(global *globalFlags) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "graph <out-dir>",
		Short: "Print the requirement graph of a run",
		Long: `Print the requirement graph of the objects in a host's output tree in
DOT format. Nodes are coloured by object state. A requirement cycle is
reported as a warning.`,
		Example: `  # Render the graph of the last run against web1
  converge graph /tmp/converge/web1 | dot -Tsvg > web1.svg`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := global.loadSettings(nil)
			if err != nil {
				return err
			}
			tel, err := telemetry.NewTelemetry(s.TelemetryConfig(""))
			if err != nil {
				return err
			}

			e, err := engine.Load(args[0], nil, tel)
			if err != nil {
				return err
			}
			graph, states, err := e.Graph()
			if err != nil {
				return err
			}
			if cyclic, cycle := engine.CheckCycle(graph); cyclic {
				tel.Logger.Warnf("Requirement cycle: %v", cycle)
			}

			dot := engine.ToDOT(graph, states)
			if output == "" || output == "-" {
				_, err = fmt.Fprint(cmd.OutOrStdout(), dot)
				return err
			}
			return os.WriteFile(output, []byte(dot), 0644)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "write the graph to a file instead of stdout")

	return cmd
}
