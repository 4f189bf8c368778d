package importer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sumAtMost(max int) func([]int) bool {
	return func(batch []int) bool {
		if len(batch) == 1 {
			return true
		}
		total := 0
		for _, n := range batch {
			total += n
		}
		return total <= max
	}
}

func TestBatchify(t *testing.T) {
	cases := []struct {
		name  string
		items []int
		want  [][]int
	}{
		{"empty", nil, nil},
		{"all fit", []int{1, 2, 3}, [][]int{{1, 2, 3}}},
		{"greedy split", []int{4, 4, 4, 1}, [][]int{{4, 4}, {4, 1}}},
		{"oversized single item", []int{2, 20, 2}, [][]int{{2}, {20}, {2}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Batchify(tc.items, sumAtMost(8))
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestBatchifyPreservesOrder(t *testing.T) {
	items := []int{5, 1, 4, 2, 3, 3}
	got, err := Batchify(items, sumAtMost(6))
	require.NoError(t, err)

	var flat []int
	for _, b := range got {
		flat = append(flat, b...)
	}
	assert.Equal(t, items, flat)
}

func TestBatchifyUnbatchable(t *testing.T) {
	never := func([]int) bool { return false }
	_, err := Batchify([]int{1}, never)
	assert.ErrorIs(t, err, ErrUnbatchable)

	noSevens := func(b []int) bool {
		for _, n := range b {
			if n == 7 {
				return false
			}
		}
		return true
	}
	_, err = Batchify([]int{1, 2, 7}, noSevens)
	assert.ErrorIs(t, err, ErrUnbatchable)
}

func TestSizeLimit(t *testing.T) {
	fits := SizeLimit(10)
	assert.True(t, fits([]FoundFile{{Size: 100}}), "a lone file always fits")
	assert.True(t, fits([]FoundFile{{Size: 4}, {Size: 6}}))
	assert.False(t, fits([]FoundFile{{Size: 4}, {Size: 7}}))
}
