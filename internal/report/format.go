package report

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/highbeam/versionfs/internal/importer"
	"github.com/highbeam/versionfs/internal/ipc"
	"github.com/highbeam/versionfs/internal/store"
)

// ANSI escape codes for terminal formatting.
const (
	bold   = "\033[1m"
	red    = "\033[31m"
	green  = "\033[32m"
	yellow = "\033[33m"
	reset  = "\033[0m"
)

// Color enables ANSI escapes. The CLI turns it off when stdout is not a
// terminal.
var Color = true

// dateLayout renders record dates in local time.
const dateLayout = "2006-01-02 15:04:05"

func paint(code, s string) string {
	if !Color {
		return s
	}
	return code + s + reset
}

func heading(title string) string {
	return paint(bold, title) + "\n" + strings.Repeat("=", 40) + "\n\n"
}

func section(title string, width int) string {
	return paint(bold, title) + "\n" + strings.Repeat("-", width) + "\n"
}

// FormatFiles formats a FilesReport as a terminal-friendly string.
// Change kinds are colored: created = green, contentChange = yellow.
func FormatFiles(r *FilesReport) string {
	var b strings.Builder

	b.WriteString(heading("versionfs - Files"))
	b.WriteString(fmt.Sprintf("Root:    %s\n", r.Root))
	b.WriteString(fmt.Sprintf("Files:   %d\n", r.TotalFiles))
	b.WriteString(fmt.Sprintf("Size:    %s\n\n", humanize.IBytes(uint64(r.TotalBytes))))

	if r.TotalFiles == 0 {
		b.WriteString("No versioned files.\n")
		return b.String()
	}

	b.WriteString(section("By Change", 35))
	for _, c := range changeOrder {
		if n := r.ByChange[string(c)]; n > 0 {
			b.WriteString(fmt.Sprintf("%-16s %5d\n", c, n))
		}
	}
	b.WriteString("\n")

	b.WriteString(section("Authors", 35))
	for _, a := range r.Authors {
		b.WriteString(fmt.Sprintf("%-28s %5d\n", truncateTail(a.Author, 28), a.Files))
	}
	b.WriteString("\n")

	b.WriteString(section("Files", 100))
	b.WriteString(fmt.Sprintf("%-36s %4s  %-14s %9s  %-20s %s\n", "Path", "Ver", "Change", "Size", "Author", "Date"))
	b.WriteString(strings.Repeat("-", 100) + "\n")
	for _, rec := range r.Files {
		b.WriteString(fmt.Sprintf("%-36s %4d  %s %9s  %-20s %s\n",
			truncateHead(rec.Path, 36), rec.Version,
			changeCell(rec.Change), sizeOf(rec),
			truncateTail(rec.Author, 20), formatDate(rec.Date)))
	}

	return b.String()
}

// FormatHistory formats every version of one path, newest first.
func FormatHistory(r *HistoryReport) string {
	var b strings.Builder

	b.WriteString(heading("versionfs - History"))
	b.WriteString(fmt.Sprintf("Path:     %s\n", r.Path))
	b.WriteString(fmt.Sprintf("Versions: %d\n\n", len(r.Versions)))

	if len(r.Versions) == 0 {
		b.WriteString("No versions recorded.\n")
		return b.String()
	}

	b.WriteString(fmt.Sprintf("%4s  %-14s %9s  %-20s %s\n", "Ver", "Change", "Size", "Author", "Date"))
	b.WriteString(strings.Repeat("-", 70) + "\n")
	for _, rec := range r.Versions {
		b.WriteString(fmt.Sprintf("%4d  %s %9s  %-20s %s\n",
			rec.Version, changeCell(rec.Change), sizeOf(rec),
			truncateTail(rec.Author, 20), formatDate(rec.Date)))
	}
	return b.String()
}

// FormatRecord formats the metadata of one version followed by its
// content.
func FormatRecord(rec *store.Record) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("Path:    %s\n", rec.Path))
	b.WriteString(fmt.Sprintf("Version: %d\n", rec.Version))
	b.WriteString(fmt.Sprintf("Change:  %s\n", rec.Change))
	b.WriteString(fmt.Sprintf("Author:  %s\n", rec.Author))
	b.WriteString(fmt.Sprintf("Date:    %s\n", formatDate(rec.Date)))
	if rec.Stat != nil {
		b.WriteString(fmt.Sprintf("Size:    %s\n", humanize.IBytes(uint64(rec.Stat.Size))))
	}
	b.WriteString("\n")

	if !rec.Exists() {
		b.WriteString(paint(red, "(deleted)") + "\n")
		return b.String()
	}
	b.Write(rec.Content)
	if len(rec.Content) > 0 && rec.Content[len(rec.Content)-1] != '\n' {
		b.WriteString("\n")
	}
	return b.String()
}

// FormatStatus formats daemon StatusData as a terminal-friendly table.
func FormatStatus(status *ipc.StatusData) string {
	var b strings.Builder

	b.WriteString(heading("versionfs - Daemon Status"))

	b.WriteString(fmt.Sprintf("%-20s %s\n", "Uptime:", status.Uptime))
	b.WriteString(fmt.Sprintf("%-20s %s\n", "Root:", status.Root))
	if status.Branch != "" {
		b.WriteString(fmt.Sprintf("%-20s %s\n", "Branch:", status.Branch))
	}
	b.WriteString(fmt.Sprintf("%-20s %s\n", "Storage:", status.Driver))
	b.WriteString(fmt.Sprintf("%-20s %s\n", "Running:", yesNo(status.Running)))
	b.WriteString(fmt.Sprintf("%-20s %s\n", "Watching:", yesNo(status.Watching)))
	if !status.StartedAt.IsZero() {
		b.WriteString(fmt.Sprintf("%-20s %s\n", "Started:", formatDate(status.StartedAt)))
	}
	b.WriteString(fmt.Sprintf("%-20s %d\n", "Records:", status.Records))
	b.WriteString(fmt.Sprintf("%-20s %d\n", "Paths:", status.Paths))
	b.WriteString(fmt.Sprintf("%-20s %s\n", "DB Size:", humanize.IBytes(uint64(status.SizeBytes))))

	if len(status.Pending) == 0 {
		b.WriteString(fmt.Sprintf("%-20s %s\n", "Pending:", "(none)"))
		return b.String()
	}

	b.WriteString("\n" + paint(bold, "Pending Changes:") + "\n")
	for _, p := range status.Pending {
		missing := strings.Join(p.Missing, ",")
		if missing == "" {
			missing = "-"
		}
		b.WriteString(fmt.Sprintf("  %-36s %-14s %-14s %s\n",
			truncateHead(p.Path, 36), p.Change, p.State, missing))
	}
	return b.String()
}

// FormatImport formats the summary of an import run.
func FormatImport(s *importer.Summary) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("Import finished in %s\n", s.Duration.Round(time.Millisecond)))
	b.WriteString(fmt.Sprintf("%-10s %d\n", "Found:", s.Found))
	b.WriteString(fmt.Sprintf("%-10s %d\n", "New:", s.New))
	b.WriteString(fmt.Sprintf("%-10s %d\n", "Stale:", s.Stale))
	b.WriteString(fmt.Sprintf("%-10s %d\n", "Imported:", s.Imported))
	b.WriteString(fmt.Sprintf("%-10s %d\n", "Skipped:", s.Skipped))
	if s.Failed > 0 {
		b.WriteString(fmt.Sprintf("%-10s %s\n", "Failed:", paint(red, fmt.Sprint(s.Failed))))
	}
	b.WriteString(fmt.Sprintf("%-10s %d\n", "Batches:", s.Batches))
	b.WriteString(fmt.Sprintf("%-10s %s\n", "Read:", humanize.IBytes(uint64(s.Bytes))))
	return b.String()
}

// FormatJSON marshals any value as indented JSON.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf(`{"error": %q}`, err.Error())
	}
	return string(data)
}

// changeCell pads before coloring so escapes do not break alignment.
func changeCell(c store.Change) string {
	cell := fmt.Sprintf("%-14s", c)
	switch c {
	case store.ChangeCreated:
		return paint(green, cell)
	case store.ChangeContentChange, store.ChangeRewrite:
		return paint(yellow, cell)
	case store.ChangeDeletion:
		return paint(red, cell)
	default:
		return cell
	}
}

func sizeOf(rec store.Record) string {
	if rec.Stat == nil {
		return "-"
	}
	return humanize.IBytes(uint64(rec.Stat.Size))
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(dateLayout)
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

// truncateHead keeps the end of long paths, where the file name is.
func truncateHead(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-(n-3):]
}

func truncateTail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
