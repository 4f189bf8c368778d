package store

import (
	"context"
	"fmt"
	"slices"
	"time"
)

// Attribute names a projectable record field.
type Attribute string

const (
	AttrPath    Attribute = "path"
	AttrVersion Attribute = "version"
	AttrChange  Attribute = "change"
	AttrAuthor  Attribute = "author"
	AttrDate    Attribute = "date"
	AttrContent Attribute = "content"
	AttrStat    Attribute = "stat"
)

// AllAttributes is the projection used when a Query names none.
var AllAttributes = []Attribute{AttrPath, AttrVersion, AttrChange, AttrAuthor, AttrDate, AttrContent, AttrStat}

// Query selects records. Filters combine with AND. Results are ordered by
// path ascending, then version descending.
type Query struct {
	Paths   []string
	Version *int
	// Date matches records committed exactly at the given instant.
	Date *time.Time
	// Newer matches records strictly after the given instant.
	Newer *time.Time
	// Older matches records at or before the given instant.
	Older *time.Time
	// Newest keeps, per path, only the highest version among the records
	// matching the date filters. Newest with Older is a point-in-time read.
	Newest     bool
	Attributes []Attribute
	Limit      int
}

// Validate reports malformed queries with ErrInvalidQuery.
func (q Query) Validate() error {
	if q.Limit < 0 {
		return fmt.Errorf("%w: negative limit %d", ErrInvalidQuery, q.Limit)
	}
	if q.Version != nil && *q.Version < 0 {
		return fmt.Errorf("%w: negative version %d", ErrInvalidQuery, *q.Version)
	}
	if q.Newest && q.Version != nil {
		return fmt.Errorf("%w: newest cannot be combined with version", ErrInvalidQuery)
	}
	for _, a := range q.Attributes {
		if !slices.Contains(AllAttributes, a) {
			return fmt.Errorf("%w: unknown attribute %q", ErrInvalidQuery, a)
		}
	}
	return nil
}

func (q Query) projection() []Attribute {
	if len(q.Attributes) == 0 {
		return AllAttributes
	}
	return q.Attributes
}

func (q Query) matchesDate(d time.Time) bool {
	if q.Date != nil && !d.Equal(*q.Date) {
		return false
	}
	if q.Newer != nil && !d.After(*q.Newer) {
		return false
	}
	if q.Older != nil && d.After(*q.Older) {
		return false
	}
	return true
}

// project zeroes every field of r that is not in attrs.
func project(r Record, attrs []Attribute) Record {
	var out Record
	for _, a := range attrs {
		switch a {
		case AttrPath:
			out.Path = r.Path
		case AttrVersion:
			out.Version = r.Version
		case AttrChange:
			out.Change = r.Change
		case AttrAuthor:
			out.Author = r.Author
		case AttrDate:
			out.Date = r.Date
		case AttrContent:
			out.Content = r.Content
		case AttrStat:
			out.Stat = r.Stat
		}
	}
	return out
}

// GetRecordsByPath runs q against b and groups the result by path. The
// path attribute is always projected so grouping is possible.
func GetRecordsByPath(ctx context.Context, b Backend, q Query) (map[string][]Record, error) {
	if len(q.Attributes) > 0 && !slices.Contains(q.Attributes, AttrPath) {
		q.Attributes = append(slices.Clone(q.Attributes), AttrPath)
	}
	recs, err := b.GetRecords(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]Record)
	for _, r := range recs {
		out[r.Path] = append(out[r.Path], r)
	}
	return out, nil
}
