// Package optimizer expands a parameter grid into the Cartesian product
// of its candidate values and runs one backtest per combination across a
// bounded worker pool, ranking the results by a configurable metric.
package optimizer

import (
	"fmt"
	"sort"

	"btcore/internal/config"
)

// maxCombinationsWarning is the ceiling past which Expand appends a
// warning to the result rather than silently running an enormous sweep
// (spec.md §6.2).
const maxCombinationsWarning = 10_000

// Combination is one point in the grid: a fully-resolved set of
// parameter values plus the index that produced it, used to correlate
// results back to their configuration.
type Combination struct {
	Index  int
	Params map[string]interface{}
}

// Expand computes the Cartesian product of grid.Parameters. Returns the
// combinations in deterministic order (parameter names sorted
// alphabetically, values in the order given) and a warning string if the
// product exceeds the configured ceiling.
func Expand(grid config.GridConfig) ([]Combination, string) {
	if len(grid.Parameters) == 0 {
		return []Combination{{Index: 0, Params: map[string]interface{}{}}}, ""
	}

	names := make([]string, 0, len(grid.Parameters))
	for name := range grid.Parameters {
		names = append(names, name)
	}
	sort.Strings(names)

	total := 1
	for _, name := range names {
		total *= len(grid.Parameters[name])
	}

	var warning string
	if total > maxCombinationsWarning {
		warning = fmt.Sprintf("grid expansion produced %d combinations, exceeding the %d warning ceiling", total, maxCombinationsWarning)
	}

	combos := make([]Combination, 0, total)
	indices := make([]int, len(names))
	for i := 0; i < total; i++ {
		params := make(map[string]interface{}, len(names))
		for j, name := range names {
			values := grid.Parameters[name]
			params[name] = values[indices[j]]
		}
		combos = append(combos, Combination{Index: i, Params: params})

		for j := len(names) - 1; j >= 0; j-- {
			indices[j]++
			if indices[j] < len(grid.Parameters[names[j]]) {
				break
			}
			indices[j] = 0
		}
	}

	return combos, warning
}
