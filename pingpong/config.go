package pingpong

import "fmt"

const (
	// ElementSize is the size in bytes of one buffer element.
	ElementSize = 8
	// GiB is the number of bytes in a gibibyte.
	GiB = 1 << 30
)

// Config describes the size sweep and the round trips performed for each size.
type Config struct {
	// MinExponent and MaxExponent bound the sweep: buffers hold 2^i elements
	// for every i in [MinExponent, MaxExponent].
	MinExponent int
	MaxExponent int
	// LoopCount is the number of round trips timed for each size.
	LoopCount int
	// ForwardTag labels initiator -> responder messages.
	ForwardTag int
	// ReturnTag labels responder -> initiator messages.
	ReturnTag int
}

func DefaultConfig() Config {
	return Config{
		MinExponent: 11,
		MaxExponent: 18,
		LoopCount:   50,
		ForwardTag:  10,
		ReturnTag:   20,
	}
}

// Validate reports whether the configuration describes a runnable sweep.
func (c Config) Validate() error {
	if c.MinExponent < 0 || c.MaxExponent > 40 {
		return fmt.Errorf("exponents must be within [0, 40], got [%d, %d]", c.MinExponent, c.MaxExponent)
	}
	if c.MinExponent > c.MaxExponent {
		return fmt.Errorf("min exponent %d is greater than max exponent %d", c.MinExponent, c.MaxExponent)
	}
	if c.LoopCount <= 0 {
		return fmt.Errorf("loop count must be positive, got %d", c.LoopCount)
	}
	if c.ForwardTag == c.ReturnTag {
		return fmt.Errorf("forward and return tags must differ, both are %d", c.ForwardTag)
	}
	return nil
}

// Sizes returns the element count of every buffer in the sweep, in increasing order.
func (c Config) Sizes() []int {
	sizes := make([]int, 0, c.MaxExponent-c.MinExponent+1)
	for i := c.MinExponent; i <= c.MaxExponent; i++ {
		sizes = append(sizes, 1<<i)
	}
	return sizes
}

// MaxMessageBytes is the size in bytes of the largest message of the sweep.
func (c Config) MaxMessageBytes() int {
	return ElementSize << c.MaxExponent
}
