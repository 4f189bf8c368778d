package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/highbeam/versionfs/internal/ipc"
	"github.com/highbeam/versionfs/internal/report"
	"github.com/highbeam/versionfs/internal/store"
)

var errNoVersion = errors.New("no such version")

func importCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "import",
		Short: "Re-import files that changed on disk while nobody watched",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.client()
			if err != nil {
				return err
			}
			sum, err := client.Import()
			if err != nil {
				return fmt.Errorf("import: %w", err)
			}
			if g.jsonOutput {
				fmt.Fprintln(cmd.OutOrStdout(), report.FormatJSON(sum))
			} else {
				fmt.Fprint(cmd.OutOrStdout(), report.FormatImport(sum))
			}
			return nil
		},
	}
}

func filesCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "files",
		Short: "List the newest version of every file",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.client()
			if err != nil {
				return err
			}
			status, err := client.Status()
			if err != nil {
				return fmt.Errorf("daemon not running or unreachable: %w", err)
			}
			files, err := client.Files()
			if err != nil {
				return err
			}

			r := report.BuildFiles(status.Root, files)
			if g.jsonOutput {
				fmt.Fprintln(cmd.OutOrStdout(), report.FormatJSON(r))
			} else {
				fmt.Fprint(cmd.OutOrStdout(), report.FormatFiles(r))
			}
			return nil
		},
	}
}

func logCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:     "log <path>",
		Aliases: []string{"history"},
		Short:   "List every version of a file, newest first",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.client()
			if err != nil {
				return err
			}
			versions, err := client.History(args[0])
			if err != nil {
				return err
			}

			r := report.BuildHistory(args[0], versions)
			if g.jsonOutput {
				fmt.Fprintln(cmd.OutOrStdout(), report.FormatJSON(r))
			} else {
				fmt.Fprint(cmd.OutOrStdout(), report.FormatHistory(r))
			}
			return nil
		},
	}
}

func showCmd(g *globals) *cobra.Command {
	var (
		version int
		meta    bool
	)

	cmd := &cobra.Command{
		Use:   "show <path>",
		Short: "Print the content of a file version (default: newest)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.client()
			if err != nil {
				return err
			}
			var v *int
			if cmd.Flags().Changed("version") {
				v = &version
			}
			rec, err := client.Record(args[0], v)
			if err != nil {
				return err
			}
			if rec == nil {
				return fmt.Errorf("%s: %w", args[0], errNoVersion)
			}
			return printRecord(cmd.OutOrStdout(), g, rec, meta)
		},
	}

	cmd.Flags().IntVar(&version, "version", 0, "Version number to show")
	cmd.Flags().BoolVar(&meta, "meta", false, "Print version metadata before the content")

	return cmd
}

func atCmd(g *globals) *cobra.Command {
	var meta bool

	cmd := &cobra.Command{
		Use:   "at <path> <time>",
		Short: "Print a file as it was at a point in time",
		Long: `Print the version of a file that was current at the given time.

Times are RFC 3339 ("2024-05-01T10:00:00Z") or local
"2006-01-02 15:04:05" / "2006-01-02".`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := ipc.ParseTime(args[1])
			if err != nil {
				return err
			}
			client, err := g.client()
			if err != nil {
				return err
			}
			rec, err := client.At(args[0], t)
			if err != nil {
				return err
			}
			if rec == nil {
				return fmt.Errorf("%s at %s: %w", args[0], args[1], errNoVersion)
			}
			return printRecord(cmd.OutOrStdout(), g, rec, meta)
		},
	}

	cmd.Flags().BoolVar(&meta, "meta", false, "Print version metadata before the content")

	return cmd
}

// printRecord writes rec as JSON, with metadata, or as raw content.
func printRecord(w io.Writer, g *globals, rec *store.Record, meta bool) error {
	switch {
	case g.jsonOutput:
		fmt.Fprintln(w, report.FormatJSON(rec))
	case meta:
		fmt.Fprint(w, report.FormatRecord(rec))
	case !rec.Exists():
		return fmt.Errorf("%s was deleted in version %d", rec.Path, rec.Version)
	default:
		_, err := w.Write(rec.Content)
		return err
	}
	return nil
}
