package partition

import (
	"errors"
	"fmt"
)

// ErrInvalidPartition is returned for shard layouts that cannot be served.
var ErrInvalidPartition = errors.New("invalid partition")

// Assignment is the slice of the model one shard owns. Layers are
// [StartLayer, EndLayer).
type Assignment struct {
	Index                   int  `json:"shard_index" yaml:"shard_index"`
	StartLayer              int  `json:"start_layer" yaml:"start_layer"`
	EndLayer                int  `json:"end_layer" yaml:"end_layer"`
	IncludesEmbedding       bool `json:"includes_embedding" yaml:"includes_embedding"`
	IncludesFinalComponents bool `json:"includes_final_components" yaml:"includes_final_components"`
}

// LayerCount returns the number of decoder layers owned.
func (a Assignment) LayerCount() int { return a.EndLayer - a.StartLayer }

// OwnsLayer reports whether layer i is resident on this shard.
func (a Assignment) OwnsLayer(i int) bool { return i >= a.StartLayer && i < a.EndLayer }

// IsFirst reports whether the shard consumes token ids.
func (a Assignment) IsFirst() bool { return a.IncludesEmbedding }

// IsLast reports whether the shard produces logits.
func (a Assignment) IsLast() bool { return a.IncludesFinalComponents }

func (a Assignment) String() string {
	s := fmt.Sprintf("shard %d layers [%d,%d)", a.Index, a.StartLayer, a.EndLayer)
	if a.IncludesEmbedding {
		s += " +embedding"
	}
	if a.IncludesFinalComponents {
		s += " +final"
	}
	return s
}

// EqualSplit returns shardCount-1 cut points dividing layerCount layers as
// evenly as possible. The first layerCount%shardCount shards get one extra
// layer.
func EqualSplit(layerCount, shardCount int) []int {
	if shardCount <= 1 {
		return nil
	}
	base := layerCount / shardCount
	extra := layerCount % shardCount
	cuts := make([]int, 0, shardCount-1)
	pos := 0
	for i := 0; i < shardCount-1; i++ {
		pos += base
		if i < extra {
			pos++
		}
		cuts = append(cuts, pos)
	}
	return cuts
}

// Plan partitions the topology into shardCount sequential assignments.
// boundaries holds shardCount-1 cut points; nil selects EqualSplit.
func Plan(topo Topology, shardCount int, boundaries []int) ([]Assignment, error) {
	if shardCount < 1 {
		return nil, fmt.Errorf("%w: shard count must be at least 1, got %d", ErrInvalidPartition, shardCount)
	}
	if topo.LayerCount < 0 {
		return nil, fmt.Errorf("%w: negative layer count %d", ErrInvalidPartition, topo.LayerCount)
	}
	if boundaries == nil {
		boundaries = EqualSplit(topo.LayerCount, shardCount)
	}
	if len(boundaries) != shardCount-1 {
		return nil, fmt.Errorf("%w: %d shards need %d boundaries, got %d", ErrInvalidPartition, shardCount, shardCount-1, len(boundaries))
	}

	cuts := make([]int, 0, shardCount+1)
	cuts = append(cuts, 0)
	for i, b := range boundaries {
		if b < 0 || b > topo.LayerCount {
			return nil, fmt.Errorf("%w: boundary %d (%d) outside [0,%d]", ErrInvalidPartition, i, b, topo.LayerCount)
		}
		if b < cuts[len(cuts)-1] {
			return nil, fmt.Errorf("%w: boundaries must be non-decreasing, %d follows %d", ErrInvalidPartition, b, cuts[len(cuts)-1])
		}
		cuts = append(cuts, b)
	}
	cuts = append(cuts, topo.LayerCount)

	plan := make([]Assignment, shardCount)
	for i := range plan {
		a := Assignment{
			Index:                   i,
			StartLayer:              cuts[i],
			EndLayer:                cuts[i+1],
			IncludesEmbedding:       i == 0,
			IncludesFinalComponents: i == shardCount-1,
		}
		if a.LayerCount() == 0 && !a.IncludesEmbedding && !a.IncludesFinalComponents {
			return nil, fmt.Errorf("%w: shard %d owns no layers and no embedding or head", ErrInvalidPartition, i)
		}
		plan[i] = a
	}
	return plan, nil
}

// Validate checks that plan covers [0, layerCount) exactly, in order, with a
// single embedding owner first and a single final owner last.
func Validate(plan []Assignment, layerCount int) error {
	if len(plan) == 0 {
		return fmt.Errorf("%w: empty plan", ErrInvalidPartition)
	}
	next := 0
	embedding, final := 0, 0
	for i, a := range plan {
		if a.Index != i {
			return fmt.Errorf("%w: assignment %d carries index %d", ErrInvalidPartition, i, a.Index)
		}
		if a.StartLayer != next {
			return fmt.Errorf("%w: shard %d starts at %d, expected %d", ErrInvalidPartition, i, a.StartLayer, next)
		}
		if a.EndLayer < a.StartLayer {
			return fmt.Errorf("%w: shard %d has inverted range [%d,%d)", ErrInvalidPartition, i, a.StartLayer, a.EndLayer)
		}
		if a.LayerCount() == 0 && !a.IncludesEmbedding && !a.IncludesFinalComponents {
			return fmt.Errorf("%w: shard %d owns nothing", ErrInvalidPartition, i)
		}
		if a.IncludesEmbedding {
			embedding++
			if i != 0 {
				return fmt.Errorf("%w: shard %d holds the embedding but is not first", ErrInvalidPartition, i)
			}
		}
		if a.IncludesFinalComponents {
			final++
			if i != len(plan)-1 {
				return fmt.Errorf("%w: shard %d holds the final components but is not last", ErrInvalidPartition, i)
			}
		}
		next = a.EndLayer
	}
	if next != layerCount {
		return fmt.Errorf("%w: plan ends at layer %d, model has %d", ErrInvalidPartition, next, layerCount)
	}
	if embedding != 1 || final != 1 {
		return fmt.Errorf("%w: want one embedding and one final owner, got %d and %d", ErrInvalidPartition, embedding, final)
	}
	return nil
}
