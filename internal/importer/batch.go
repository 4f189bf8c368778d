package importer

import (
	"errors"
	"fmt"
)

// ErrUnbatchable is returned when the constraint rejects a batch holding a
// single item, which no amount of splitting can fix.
var ErrUnbatchable = errors.New("item does not fit in any batch")

// Batchify splits items into consecutive batches, in their original order,
// greedily growing each batch while fits accepts it.
func Batchify[T any](items []T, fits func(batch []T) bool) ([][]T, error) {
	var batches [][]T
	var cur []T
	for i, item := range items {
		candidate := append(cur, item)
		if fits(candidate) {
			cur = candidate
			continue
		}
		if len(cur) == 0 {
			return nil, fmt.Errorf("%w: item %d", ErrUnbatchable, i)
		}
		batches = append(batches, cur)
		cur = []T{item}
		if !fits(cur) {
			return nil, fmt.Errorf("%w: item %d", ErrUnbatchable, i)
		}
	}
	if len(cur) > 0 {
		batches = append(batches, cur)
	}
	return batches, nil
}

// SizeLimit is the import batching constraint: a batch fits when it holds a
// single file or its files add up to at most max bytes.
func SizeLimit(max int64) func([]FoundFile) bool {
	return func(batch []FoundFile) bool {
		if len(batch) == 1 {
			return true
		}
		var total int64
		for _, f := range batch {
			total += f.Size
		}
		return total <= max
	}
}
