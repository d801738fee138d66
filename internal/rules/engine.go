package rules

import (
	"io"
	"sync/atomic"

	"github.com/ZejiaJiang/voyage/internal/corelog"
)

// Engine holds the live, atomically-swappable Matcher. Reload installs a
// fully-compiled replacement in one atomic store so in-flight Evaluate
// calls never observe a partially-loaded rule set.
type Engine struct {
	current atomic.Pointer[Matcher]
	geo     GeoResolver
	bus     *corelog.EventBus
}

// NewEngine builds an engine with an empty, FINAL,DIRECT-only rule set.
func NewEngine(geo GeoResolver, bus *corelog.EventBus) *Engine {
	e := &Engine{geo: geo, bus: bus}
	e.current.Store(Compile(nil, geo))
	return e
}

// Load parses rules from r and atomically installs them, returning the
// number of accepted rules. warn receives one call per skipped line.
func (e *Engine) Load(r io.Reader, warn func(line int, msg string)) (int, error) {
	parsed, err := Parse(r, warn)
	if err != nil {
		return 0, err
	}
	e.Install(parsed)
	return len(parsed), nil
}

// Install atomically swaps in an already-parsed rule set.
func (e *Engine) Install(rs []Rule) {
	e.current.Store(Compile(rs, e.geo))
	if e.bus != nil {
		e.bus.Publish(corelog.Event{Type: corelog.EventRulesReloaded})
	}
}

// Evaluate classifies q against the currently active rule set.
func (e *Engine) Evaluate(q Query) Action {
	return e.current.Load().Evaluate(q)
}
