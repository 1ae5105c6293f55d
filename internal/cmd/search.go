package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/file-finder/backend/internal/config"
	"github.com/file-finder/backend/internal/logging"
	"github.com/file-finder/backend/internal/search"
	"github.com/file-finder/backend/internal/storage"
)

const (
	outputText = "text"
	outputJSON = "json"
	outputYAML = "yaml"
)

type searchOptions struct {
	exact   bool
	sizes   bool
	output  string
	timeout time.Duration
	exclude []string
	noColor bool
}

// NewSearchCommand creates the search subcommand, which runs one search and
// prints the matches
func NewSearchCommand(configPath *string) *cobra.Command {
	opts := &searchOptions{}

	cmd := &cobra.Command{
		Use:   "search <root> <term>",
		Short: "Search a directory tree for names matching term",
		Long: `Walk <root> and print every file and folder whose name contains <term>,
ignoring case. With --exact the whole name must match.

Unreadable folders are skipped and listed after the results. Interrupting
the search (Ctrl-C or --timeout) prints what was found so far.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			return runSearch(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), cfg, args[0], args[1], opts)
		},
	}

	cmd.Flags().BoolVarP(&opts.exact, "exact", "e", false, "match the whole name instead of a substring")
	cmd.Flags().BoolVarP(&opts.sizes, "sizes", "s", false, "show file sizes")
	cmd.Flags().StringVarP(&opts.output, "output", "o", outputText, "output format: text, json or yaml")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "stop after this long and print partial results")
	cmd.Flags().StringSliceVar(&opts.exclude, "exclude", nil, "gitignore-style patterns to leave out")
	cmd.Flags().BoolVar(&opts.noColor, "no-color", false, "disable colored output")

	return cmd
}

func runSearch(ctx context.Context, stdout, stderr io.Writer, cfg *config.Config, root, term string, opts *searchOptions) error {
	switch opts.output {
	case outputText, outputJSON, outputYAML:
	default:
		return fmt.Errorf("unknown output format %q", opts.output)
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format, stderr)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	walker := storage.NewWalker(storage.NewOSFileSystem(),
		storage.WithLogger(logger),
		storage.WithPrefetch(cfg.Search.Prefetch),
		storage.WithListTimeout(cfg.Search.ListTimeout),
		storage.WithExclude(cfg.Search.Exclude...),
	)
	engine := search.NewEngine(walker, logger)

	result, err := engine.Search(ctx, search.Request{
		Root:       root,
		Term:       term,
		ExactMatch: opts.exact,
		WithSizes:  opts.sizes,
		Exclude:    opts.exclude,
	})
	if err != nil {
		return err
	}

	switch opts.output {
	case outputJSON:
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	case outputYAML:
		enc := yaml.NewEncoder(stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(result)
	}

	if opts.noColor {
		color.NoColor = true
	}
	printResult(stdout, result, opts.sizes)
	return nil
}

func printResult(w io.Writer, result *search.Result, sizes bool) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	faint := color.New(color.Faint)

	if len(result.Entries) == 0 {
		fmt.Fprintf(w, "No matches for %q under %s\n", result.Term, result.Root)
	}
	for _, e := range result.Entries {
		if e.IsDir() {
			cyan.Fprintf(w, "%s/\n", e.Path)
			continue
		}
		if sizes {
			fmt.Fprintf(w, "%s  %s\n", e.Path, faint.Sprint(storage.FormatSize(e.SizeBytes)))
			continue
		}
		fmt.Fprintln(w, e.Path)
	}

	if len(result.Skipped) > 0 {
		fmt.Fprintln(w)
		yellow.Fprintf(w, "Skipped %d unreadable folder(s):\n", len(result.Skipped))
		for _, s := range result.Skipped {
			fmt.Fprintf(w, "  %s (%s)\n", s.Path, s.Reason)
		}
	}

	fmt.Fprintln(w)
	green.Fprintf(w, "%d file(s), %d folder(s)", result.FileCount, result.DirCount)
	fmt.Fprintf(w, " in %s\n", result.Elapsed.Round(time.Millisecond))
	if result.Status == search.StatusCancelled {
		yellow.Fprintln(w, "Search stopped early; results are partial.")
	}
}
