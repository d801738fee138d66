// Package engine implements the proxy manager: the owner of the
// enabled flag, the live upstream proxy configuration, the rule engine
// used to classify new flows, and the shared stats block.
package engine

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/ZejiaJiang/voyage/internal/corelog"
	"github.com/ZejiaJiang/voyage/internal/rules"
	"github.com/ZejiaJiang/voyage/internal/stats"
)

// SocksConfig is the immutable upstream SOCKS5 endpoint record.
// Replaceable only while the owning boundary is stopped.
type SocksConfig struct {
	ServerHost string
	ServerPort uint16
	Username   string
	Password   string
}

// ProxyManager owns the enabled flag, the current upstream SOCKS5
// config, the rule engine, and the shared stats block. evaluate_route
// and load_rules on the foreign boundary both pass through here.
type ProxyManager struct {
	enabled atomic.Bool
	socks   atomic.Pointer[SocksConfig]

	mu    sync.Mutex // guards Rules loads/swaps at a granularity coarser than rules.Engine's own atomic swap
	Rules *rules.Engine
	Stats *stats.Stats
	bus   *corelog.EventBus
}

// New builds a ProxyManager. geo may be nil; GEOIP rules then never
// match.
func New(geo rules.GeoResolver, bus *corelog.EventBus) *ProxyManager {
	pm := &ProxyManager{
		Rules: rules.NewEngine(geo, bus),
		Stats: stats.New(),
		bus:   bus,
	}
	pm.enabled.Store(true)
	return pm
}

// SetSocksConfig installs a new upstream proxy endpoint. The caller
// (internal/boundary) is responsible for only allowing this while the
// engine is stopped, so in-flight flows never see the endpoint change.
func (pm *ProxyManager) SetSocksConfig(cfg SocksConfig) {
	pm.socks.Store(&cfg)
}

// SocksConfig returns the current upstream endpoint, or nil if none has
// been configured.
func (pm *ProxyManager) SocksConfig() *SocksConfig {
	return pm.socks.Load()
}

// Enable / Disable flip the proxy's enabled flag. Disabled forces every
// subsequent classification to Direct regardless of rule match.
func (pm *ProxyManager) Enable() {
	pm.enabled.Store(true)
	if pm.bus != nil {
		pm.bus.Publish(corelog.Event{Type: corelog.EventProxyEnabled})
	}
}

func (pm *ProxyManager) Disable() {
	pm.enabled.Store(false)
	if pm.bus != nil {
		pm.bus.Publish(corelog.Event{Type: corelog.EventProxyDisabled})
	}
}

func (pm *ProxyManager) Enabled() bool { return pm.enabled.Load() }

// LoadRules parses and atomically installs a new rule table, returning
// the count of accepted rules (including any synthesized FINAL). warn
// receives one call per rejected/overflow line.
func (pm *ProxyManager) LoadRules(r io.Reader, warn func(line int, msg string)) (int, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	return pm.Rules.Load(r, warn)
}

// EvaluateRoute classifies a flow's facts against the active rule table.
// If the proxy is disabled, the result is forced to Direct regardless
// of which rule would otherwise have matched.
func (pm *ProxyManager) EvaluateRoute(q rules.Query) rules.Action {
	if !pm.enabled.Load() {
		return rules.ActionDirect
	}
	return pm.Rules.Evaluate(q)
}
