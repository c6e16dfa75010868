package schema

import (
	"github.com/yanun0323/errors"

	"odte/pkg/exception"
)

// Instrument describes a tradable instrument and its contract terms.
type Instrument struct {
	Index      int
	Name       string
	Multiplier float64
	LotSize    float64
}

// Registry stores instrument mappings. It is built once per session and
// read concurrently afterwards.
type Registry struct {
	instruments []Instrument
	byName      map[string]int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]int)}
}

// Add registers a new instrument and returns its index.
func (r *Registry) Add(name string, multiplier, lotSize float64) (int, error) {
	if name == "" {
		return 0, errors.Wrap(exception.ErrInvalidArgument, "instrument name is empty")
	}
	if _, ok := r.byName[name]; ok {
		return 0, errors.Errorf("instrument already exists: %s", name)
	}
	if multiplier <= 0 {
		multiplier = 1
	}
	if lotSize <= 0 {
		lotSize = 1
	}
	idx := len(r.instruments)
	r.instruments = append(r.instruments, Instrument{
		Index:      idx,
		Name:       name,
		Multiplier: multiplier,
		LotSize:    lotSize,
	})
	r.byName[name] = idx
	return idx, nil
}

// Lookup returns the instrument by name.
func (r *Registry) Lookup(name string) (Instrument, bool) {
	if r == nil {
		return Instrument{}, false
	}
	idx, ok := r.byName[name]
	if !ok {
		return Instrument{}, false
	}
	return r.instruments[idx], true
}

// Count returns the number of instruments in the registry.
func (r *Registry) Count() int {
	if r == nil {
		return 0
	}
	return len(r.instruments)
}

// At returns the instrument by zero-based index.
func (r *Registry) At(index int) (Instrument, bool) {
	if r == nil || index < 0 || index >= len(r.instruments) {
		return Instrument{}, false
	}
	return r.instruments[index], true
}
