package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"famcal/internal/calendar"
	"famcal/internal/recurrence"
)

// ExpandOptions holds flags for the expand command.
type ExpandOptions struct {
	*RootOptions
	Rule     string
	Start    string
	From     string
	To       string
	Timezone string
	Max      int
}

// ExpandResult is the JSON output of the expand command.
type ExpandResult struct {
	Rule      string      `json:"rule"`
	Instants  []time.Time `json:"instants"`
	Truncated bool        `json:"truncated"`
}

// NewExpandCommand creates the expand command.
func NewExpandCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExpandOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "expand",
		Short: "Print the instants a recurrence rule yields in a window",
		Long: `Evaluate a recurrence rule for a series starting at --start and print
the instants inside [--from, --to]. Times are RFC 3339; the rule is
evaluated in --tz.`,
		Example:      "  famcal expand --rule 'FREQ=MONTHLY;BYMONTHDAY=31' --start 2026-01-31T09:00:00Z --from 2026-02-01T00:00:00Z --to 2026-06-30T00:00:00Z",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExpand(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Rule, "rule", "", "recurrence rule, e.g. FREQ=WEEKLY;BYDAY=MO")
	cmd.Flags().StringVar(&opts.Start, "start", "", "series start (RFC 3339)")
	cmd.Flags().StringVar(&opts.From, "from", "", "window start (RFC 3339, defaults to --start)")
	cmd.Flags().StringVar(&opts.To, "to", "", "window end (RFC 3339)")
	cmd.Flags().StringVar(&opts.Timezone, "tz", "UTC", "IANA timezone the rule is evaluated in")
	cmd.Flags().IntVar(&opts.Max, "max", recurrence.DefaultMaxOccurrences, "maximum number of instants")
	_ = cmd.MarkFlagRequired("rule")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("to")

	return cmd
}

func runExpand(opts *ExpandOptions, cmd *cobra.Command) error {
	rule, err := recurrence.Parse(opts.Rule)
	if err != nil {
		return err
	}
	loc, err := calendar.ResolveLocation(opts.Timezone)
	if err != nil {
		return err
	}

	start, err := time.Parse(time.RFC3339, opts.Start)
	if err != nil {
		return fmt.Errorf("--start: %w", err)
	}
	from := start
	if opts.From != "" {
		if from, err = time.Parse(time.RFC3339, opts.From); err != nil {
			return fmt.Errorf("--from: %w", err)
		}
	}
	to, err := time.Parse(time.RFC3339, opts.To)
	if err != nil {
		return fmt.Errorf("--to: %w", err)
	}
	if to.Before(from) {
		return fmt.Errorf("--to is before --from")
	}

	exp := recurrence.NewEngine(opts.Max).ExpandRule(rule, start, from, to, loc)

	out := cmd.OutOrStdout()
	if opts.Format == "json" {
		res := ExpandResult{Rule: rule.String(), Instants: exp.Instants, Truncated: exp.Truncated}
		if res.Instants == nil {
			res.Instants = []time.Time{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	for _, t := range exp.Instants {
		if _, err := fmt.Fprintln(out, t.In(loc).Format(time.RFC3339)); err != nil {
			return err
		}
	}
	if exp.Truncated {
		_, err := fmt.Fprintf(out, "(truncated at %d)\n", opts.Max)
		return err
	}
	return nil
}
