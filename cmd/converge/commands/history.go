package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/pkg/settings"
	"github.com/openfroyo/converge/pkg/stores"
)

func newHistoryCommand(global *globalFlags) *cobra.Command {
	var (
		journal   string
		host      string
		eventType string
		limit     int
		asJSON    bool
		prune     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show journaled runs",
		Long: `Show the runs recorded in the run journal. With a run id, show the
objects of that run and its events.`,
		Example: `  # List the last runs against web1
  converge history --journal runs.db --host web1

  # Show one run
  converge history --journal runs.db 6b1f0c39-2d4e-4b8a-9a55-0f7d1e3c9a10

  # Forget runs older than 30 days
  converge history --journal runs.db --prune 720h`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := global.loadSettings(func(s *settings.Settings) {
				if cmd.Flags().Changed("journal") {
					s.Journal = journal
				}
			})
			if err != nil {
				return err
			}
			if s.Journal == "" {
				return fmt.Errorf("no journal configured, use --journal")
			}

			store, err := openJournal(cmd.Context(), s.Journal)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			if prune > 0 {
				n, err := store.PruneRuns(cmd.Context(), time.Now().Add(-prune))
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "pruned %d runs\n", n)
				return nil
			}
			if len(args) == 0 {
				var hostFilter *string
				if host != "" {
					hostFilter = &host
				}
				runs, err := store.ListRuns(cmd.Context(), hostFilter, limit, 0)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(out, runs)
				}
				return printRuns(out, runs)
			}

			run, err := store.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			objects, err := store.ListObjectsByRun(cmd.Context(), run.ID)
			if err != nil {
				return err
			}
			var typeFilter *string
			if eventType != "" {
				typeFilter = &eventType
			}
			events, err := store.GetEvents(cmd.Context(), &run.ID, typeFilter, limit, 0)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(out, struct {
					Run     *stores.Run      `json:"run"`
					Objects []*stores.Object `json:"objects"`
					Events  []*stores.Event  `json:"events"`
				}{run, objects, events})
			}
			return printRun(out, run, objects, events)
		},
	}

	f := cmd.Flags()
	f.StringVar(&journal, "journal", "", "SQLite run journal")
	f.StringVar(&host, "host", "", "only show runs against this host")
	f.StringVar(&eventType, "type", "", "only show events of this type")
	f.IntVar(&limit, "limit", 20, "maximum number of runs or events")
	f.BoolVar(&asJSON, "json", false, "print JSON")
	f.DurationVar(&prune, "prune", 0, "delete runs that started longer ago than this")

	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printRuns(w io.Writer, runs []*stores.Run) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tHOST\tSTATUS\tSTARTED\tDURATION")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Host, r.Status, r.StartedAt.Local().Format(time.DateTime), runDuration(r))
	}
	return tw.Flush()
}

func printRun(w io.Writer, run *stores.Run, objects []*stores.Object, events []*stores.Event) error {
	fmt.Fprintf(w, "Run:      %s\n", run.ID)
	fmt.Fprintf(w, "Host:     %s\n", run.Host)
	fmt.Fprintf(w, "Status:   %s\n", run.Status)
	fmt.Fprintf(w, "Started:  %s\n", run.StartedAt.Local().Format(time.DateTime))
	fmt.Fprintf(w, "Duration: %s\n", runDuration(run))
	if run.Error != nil {
		fmt.Fprintf(w, "Error:    %s\n", *run.Error)
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "OBJECT\tSTATE\tPHASE\tERROR")
	for _, o := range objects {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", o.Name, o.State, deref(o.Phase), deref(o.Error))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tEVENT\tOBJECT\tMESSAGE")
	for _, ev := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			ev.Timestamp.Local().Format(time.TimeOnly), ev.Type, deref(ev.Object), ev.Message)
	}
	return tw.Flush()
}

func runDuration(r *stores.Run) string {
	if r.CompletedAt == nil {
		return "-"
	}
	return r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
