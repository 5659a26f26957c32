package alloc

import (
	"math"
	"slices"

	"github.com/joshuapare/pmemkit/internal/format"
)

// SizeClassConfig describes how block sizes are bucketed. Sizes count the
// 8-byte block header. Classes step linearly by Step from Min up to Linear,
// then grow by Growth until Geometric; larger requests bypass the classes.
type SizeClassConfig struct {
	Name string

	Min    int32
	Linear int32
	Step   int32

	Geometric int32
	Growth    float64
}

var (
	// ConfigFineGrained keeps internal fragmentation low for heaps of many
	// differently sized small objects.
	ConfigFineGrained = SizeClassConfig{
		Name:      "FineGrained",
		Min:       MinBlock,
		Linear:    256,
		Step:      8,
		Geometric: 16 << 10,
		Growth:    1.5,
	}

	ConfigBalanced = SizeClassConfig{
		Name:      "Balanced",
		Min:       MinBlock,
		Linear:    512,
		Step:      16,
		Geometric: 16 << 10,
		Growth:    1.5,
	}

	// ConfigCoarse trades block slack for short free lists.
	ConfigCoarse = SizeClassConfig{
		Name:      "Coarse",
		Min:       MinBlock,
		Linear:    512,
		Step:      32,
		Geometric: 16 << 10,
		Growth:    2.0,
	}

	DefaultConfig = ConfigBalanced
)

// classTable maps block sizes to free list indexes. sizes is strictly
// increasing and every entry is 8-aligned.
type classTable struct {
	name  string
	sizes []int32
}

func newClassTable(cfg SizeClassConfig) *classTable {
	step := format.Align8(int64(max(cfg.Step, 8)))
	next := format.Align8(int64(max(cfg.Min, MinBlock)))

	t := &classTable{name: cfg.Name}
	add := func(n int64) {
		n = format.Align8(n)
		if k := len(t.sizes); k == 0 || int64(t.sizes[k-1]) < n {
			t.sizes = append(t.sizes, int32(n))
		}
	}
	for ; next <= int64(cfg.Linear); next += step {
		add(next)
	}
	growth := max(cfg.Growth, 1.0)
	for next <= int64(cfg.Geometric) {
		add(next)
		next = max(int64(math.Ceil(float64(next)*growth)), next+8)
	}
	return t
}

// count is the number of classes. Index count names the large list.
func (t *classTable) count() int { return len(t.sizes) }

// fit returns the smallest class whose blocks hold need bytes.
func (t *classTable) fit(need int32) int {
	i, _ := slices.BinarySearch(t.sizes, need)
	return i
}

// holds returns the largest class a free block of size bytes can serve.
func (t *classTable) holds(size int32) int {
	n := len(t.sizes)
	if n == 0 || size > t.sizes[n-1] {
		return n
	}
	i, exact := slices.BinarySearch(t.sizes, size)
	if exact {
		return i
	}
	return max(i-1, 0)
}

func (t *classTable) String() string { return t.name }
