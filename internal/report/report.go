// Package report turns records and daemon status into terminal output.
// The report types are plain data, so every command can print them either
// as text or as JSON.
package report

import (
	"sort"

	"github.com/highbeam/versionfs/internal/store"
)

// FilesReport is the current state of a versioned root.
type FilesReport struct {
	Root       string          `json:"root"`
	TotalFiles int             `json:"total_files"`
	TotalBytes int64           `json:"total_bytes"`
	ByChange   map[string]int  `json:"by_change"`
	Authors    []AuthorSummary `json:"authors"`
	Files      []store.Record  `json:"files"`
}

// AuthorSummary counts the files whose current version an author wrote.
type AuthorSummary struct {
	Author string `json:"author"`
	Files  int    `json:"files"`
}

// HistoryReport is every version of one path, newest first.
type HistoryReport struct {
	Path     string         `json:"path"`
	Versions []store.Record `json:"versions"`
}

// changeOrder is the display order of change kinds.
var changeOrder = []store.Change{
	store.ChangeInitial,
	store.ChangeCreated,
	store.ChangeContentChange,
	store.ChangeRewrite,
	store.ChangeDeletion,
}

// BuildFiles aggregates the current records of root.
func BuildFiles(root string, recs []store.Record) *FilesReport {
	r := &FilesReport{
		Root:     root,
		ByChange: make(map[string]int),
		Files:    recs,
	}
	authors := make(map[string]int)
	for _, rec := range recs {
		r.TotalFiles++
		if rec.Stat != nil {
			r.TotalBytes += rec.Stat.Size
		}
		r.ByChange[string(rec.Change)]++
		authors[rec.Author]++
	}
	for a, n := range authors {
		r.Authors = append(r.Authors, AuthorSummary{Author: a, Files: n})
	}
	// Most files first, then by name for stable output.
	sort.Slice(r.Authors, func(i, j int) bool {
		if r.Authors[i].Files != r.Authors[j].Files {
			return r.Authors[i].Files > r.Authors[j].Files
		}
		return r.Authors[i].Author < r.Authors[j].Author
	})
	return r
}

// BuildHistory wraps the versions of path.
func BuildHistory(path string, recs []store.Record) *HistoryReport {
	return &HistoryReport{Path: path, Versions: recs}
}
