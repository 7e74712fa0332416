// Package idgenerator hands out increasing uint32 identifiers.
package idgenerator

import "sync/atomic"

// IdGenerator generates increasing uint32 IDs and is safe for concurrent
// use. The first Id returns the start value plus one, so a generator started
// at zero never returns zero until it wraps.
type IdGenerator struct {
	id atomic.Uint32
}

// NewIdGenerator creates an IdGenerator whose first ID is startValue+1.
//
// Parameters:
//   - startValue: The value the counter starts from
//
// Returns:
//   - A new IdGenerator
func NewIdGenerator(startValue uint32) *IdGenerator {
	gen := &IdGenerator{}
	gen.id.Store(startValue)
	return gen
}

// Id returns the next ID.
func (g *IdGenerator) Id() uint32 {
	return g.id.Add(1)
}
