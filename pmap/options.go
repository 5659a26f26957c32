package pmap

const (
	DefaultInitialSizePower = 14
	DefaultResizeThreshold  = 8

	// MaxCapacity bounds the number of buckets.
	MaxCapacity = 1 << 30
)

// Options sizes the bucket table.
type Options struct {
	// InitialSizePower is log2 of the initial bucket count.
	InitialSizePower uint
	// ResizeThreshold is the traversal length that doubles the capacity.
	ResizeThreshold int64
}

// DefaultOptions returns 16384 initial buckets and a resize threshold of 8.
func DefaultOptions() Options {
	return Options{InitialSizePower: DefaultInitialSizePower, ResizeThreshold: DefaultResizeThreshold}
}

func (o Options) withDefaults() Options {
	if o.InitialSizePower == 0 || o.InitialSizePower > 30 {
		o.InitialSizePower = DefaultInitialSizePower
	}
	if o.ResizeThreshold <= 0 {
		o.ResizeThreshold = DefaultResizeThreshold
	}
	return o
}
