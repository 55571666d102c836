package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"famcal/internal/calendar"
	"famcal/internal/ics"
)

// ImportOptions holds flags for the import command.
type ImportOptions struct {
	*RootOptions
	File     string
	URL      string
	User     string
	Timezone string
	CacheDir string
}

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ImportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import an iCalendar file or feed for a user",
		Long: `Import the events of an iCalendar file (--file) or feed (--url) into the
calendar of --user. Re-importing the same data updates events in place.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "path to an .ics file")
	cmd.Flags().StringVar(&opts.URL, "url", "", "URL of an iCalendar feed")
	cmd.Flags().StringVarP(&opts.User, "user", "u", "", "owner of the imported events")
	cmd.Flags().StringVar(&opts.Timezone, "tz", "", "zone for floating times (defaults to config timezone)")
	cmd.Flags().StringVar(&opts.CacheDir, "cache-dir", "", "feed cache directory for --url")
	cmd.MarkFlagsOneRequired("file", "url")
	cmd.MarkFlagsMutuallyExclusive("file", "url")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func runImport(opts *ImportOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig(cmd)
	if err != nil {
		return err
	}
	tz := opts.Timezone
	if tz == "" {
		tz = cfg.Timezone
	}
	loc, err := calendar.ResolveLocation(tz)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	var body []byte
	switch {
	case opts.File != "":
		body, err = os.ReadFile(opts.File)
	case opts.URL != "":
		var res ics.FetchResult
		res, err = ics.NewFetcher(opts.CacheDir).Fetch(ctx, opts.URL)
		body = res.Body
	default:
		err = errors.New("one of --file or --url is required")
	}
	if err != nil {
		return fmt.Errorf("import: %w", err)
	}

	events, err := ics.Parse(body, opts.User, loc)
	if err != nil {
		return fmt.Errorf("import: %w", err)
	}

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.svc.Import(ctx, opts.User, events)
	if err != nil {
		return fmt.Errorf("import: %w", err)
	}

	out := cmd.OutOrStdout()
	if opts.Format == "json" {
		return json.NewEncoder(out).Encode(res)
	}
	_, err = fmt.Fprintf(out, "created %d, updated %d, skipped %d\n", res.Created, res.Updated, res.Skipped)
	return err
}
