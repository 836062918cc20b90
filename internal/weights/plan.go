package weights

import (
	"sort"

	"github.com/samcharles93/pipeshard/internal/checkpoint"
	"github.com/samcharles93/pipeshard/internal/partition"
)

// FileReadPlan lists the checkpoint files one shard must open, in order,
// with the keys to extract from each.
type FileReadPlan struct {
	Files []string
	Keys  map[string][]string
}

// PlanFiles groups keys by the file the index maps them to. Keys the index
// does not know are returned separately. Files are deduplicated and sorted
// lexicographically; keys within a file are sorted.
func PlanFiles(idx *checkpoint.Index, keys partition.RequestSet) (FileReadPlan, []string) {
	plan := FileReadPlan{Keys: make(map[string][]string)}
	var unresolved []string
	for _, k := range keys {
		f, ok := idx.Resolve(k)
		if !ok {
			unresolved = append(unresolved, k)
			continue
		}
		if _, seen := plan.Keys[f]; !seen {
			plan.Files = append(plan.Files, f)
		}
		plan.Keys[f] = append(plan.Keys[f], k)
	}
	sort.Strings(plan.Files)
	for _, f := range plan.Files {
		sort.Strings(plan.Keys[f])
	}
	return plan, unresolved
}

// Len returns the number of keys in the plan.
func (p FileReadPlan) Len() int {
	n := 0
	for _, ks := range p.Keys {
		n += len(ks)
	}
	return n
}
