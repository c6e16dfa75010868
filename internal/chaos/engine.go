package chaos

import (
	"math/rand"
	"sort"
	"time"

	"github.com/yanun0323/errors"

	"odte/internal/bus"
	"odte/pkg/exception"
)

// Config controls chaos injection behavior.
type Config struct {
	Seed          int64
	DropRate      float64
	DuplicateRate float64
	ReorderWindow int
	// MaxDelay holds a message back on the feed's event clock: it is emitted
	// only once a later message has reached its event time plus the delay.
	MaxDelay time.Duration
}

// Enabled reports whether any fault is configured.
func (c Config) Enabled() bool {
	return c.DropRate > 0 || c.DuplicateRate > 0 || c.ReorderWindow > 1 || c.MaxDelay > 0
}

// Validate ensures the config is within supported ranges.
func (c Config) Validate() error {
	switch {
	case c.DropRate < 0 || c.DropRate > 1:
		return errors.Wrap(exception.ErrInvalidArgument, "drop rate out of [0,1]").With("rate", c.DropRate)
	case c.DuplicateRate < 0 || c.DuplicateRate > 1:
		return errors.Wrap(exception.ErrInvalidArgument, "duplicate rate out of [0,1]").With("rate", c.DuplicateRate)
	case c.ReorderWindow <= 0:
		return errors.Wrap(exception.ErrInvalidArgument, "reorder window below 1").With("window", c.ReorderWindow)
	case c.MaxDelay < 0:
		return errors.Wrap(exception.ErrInvalidArgument, "negative max delay").With("delay", c.MaxDelay)
	}
	return nil
}

type delayed struct {
	msg bus.Message
	due int64
}

// Engine injects seeded faults into a message stream. A message passes three
// stages in order: drop, delay, then the reorder window. Duplicates are made
// as messages leave the window.
type Engine struct {
	cfg    Config
	rng    *rand.Rand
	held   []delayed // ordered by due, FIFO among equals
	window []bus.Message
}

// NewEngine creates a chaos engine. A zero seed is replaced by the clock.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.ReorderWindow <= 0 {
		cfg.ReorderWindow = 1
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UTC().UnixNano()
	}
	return &Engine{cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed))}, nil
}

// Process feeds one message in and returns whatever the stages let out.
func (e *Engine) Process(m bus.Message) []bus.Message {
	if e == nil {
		return []bus.Message{m}
	}
	if e.cfg.DropRate > 0 && e.rng.Float64() < e.cfg.DropRate {
		return nil
	}
	var out []bus.Message
	for _, r := range e.hold(m) {
		out = append(out, e.shuffle(r)...)
	}
	return out
}

// Flush releases everything still held or buffered once the input ends.
func (e *Engine) Flush() []bus.Message {
	if e == nil {
		return nil
	}
	var out []bus.Message
	for _, d := range e.held {
		out = append(out, e.shuffle(d.msg)...)
	}
	e.held = nil
	for len(e.window) > 0 {
		out = append(out, e.duplicate(e.take())...)
	}
	return out
}

// hold queues m until its due time and returns the held messages due at m's
// event time, in due order.
func (e *Engine) hold(m bus.Message) []bus.Message {
	limit := e.cfg.MaxDelay.Microseconds()
	if limit <= 0 {
		return []bus.Message{m}
	}
	now := m.Header.TsEvent
	d := delayed{msg: m, due: now + e.rng.Int63n(limit+1)}
	at := sort.Search(len(e.held), func(i int) bool { return e.held[i].due > d.due })
	e.held = append(e.held, delayed{})
	copy(e.held[at+1:], e.held[at:])
	e.held[at] = d

	n := sort.Search(len(e.held), func(i int) bool { return e.held[i].due > now })
	if n == 0 {
		return nil
	}
	out := make([]bus.Message, n)
	for i := range out {
		out[i] = e.held[i].msg
	}
	e.held = append(e.held[:0], e.held[n:]...)
	return out
}

// shuffle passes m through the reorder window.
func (e *Engine) shuffle(m bus.Message) []bus.Message {
	if e.cfg.ReorderWindow <= 1 {
		return e.duplicate(m)
	}
	e.window = append(e.window, m)
	if len(e.window) < e.cfg.ReorderWindow {
		return nil
	}
	return e.duplicate(e.take())
}

// take removes a random message from the window.
func (e *Engine) take() bus.Message {
	i := e.rng.Intn(len(e.window))
	m := e.window[i]
	e.window = append(e.window[:i], e.window[i+1:]...)
	return m
}

func (e *Engine) duplicate(m bus.Message) []bus.Message {
	if e.cfg.DuplicateRate > 0 && e.rng.Float64() < e.cfg.DuplicateRate {
		return []bus.Message{m, m}
	}
	return []bus.Message{m}
}
