// Package boundary implements the engine's foreign-function boundary:
// the single process-wide Engine instance every host call goes
// through. The host may call in from several threads at once (tunnel
// reader, poll loop, control plane); one coarse lock held for the
// duration of each call serializes them all, so no component below
// this package ever sees concurrent mutation.
package boundary

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ZejiaJiang/voyage/internal/bypass"
	"github.com/ZejiaJiang/voyage/internal/config"
	"github.com/ZejiaJiang/voyage/internal/coreerr"
	"github.com/ZejiaJiang/voyage/internal/corelog"
	"github.com/ZejiaJiang/voyage/internal/device"
	"github.com/ZejiaJiang/voyage/internal/engine"
	"github.com/ZejiaJiang/voyage/internal/flow"
	"github.com/ZejiaJiang/voyage/internal/geo"
	"github.com/ZejiaJiang/voyage/internal/nat"
	"github.com/ZejiaJiang/voyage/internal/netstack"
	"github.com/ZejiaJiang/voyage/internal/rules"
	"github.com/ZejiaJiang/voyage/internal/stats"
)

// Version is the engine's semver string, returned by get_core_version.
const Version = "0.1.0"

// Engine is the process-singleton instance every boundary call acts
// on. mu is the single coarse lock: every exported function in this
// package takes it for the duration of the call, so the flow manager,
// NAT table, and rule engine never see concurrent mutation.
type Engine struct {
	mu sync.Mutex

	// id distinguishes engine incarnations in logs and over the control
	// surface, since init/shutdown/init sequences reuse the same process.
	id string

	dev   *device.Device
	nat   *nat.Table
	proxy *engine.ProxyManager
	flow  *flow.Manager
	geo   *geo.Resolver
}

var current atomic.Pointer[Engine]
var lifecycleMu sync.Mutex

// Init builds and installs the process-singleton engine from cfg, with
// the upstream SOCKS5 endpoint taken from host/port/user/pass. Returns
// AlreadyInitialized if an engine is already running.
func Init(cfg config.Config, socksHost string, socksPort uint16, socksUser, socksPass string) error {
	lifecycleMu.Lock()
	defer lifecycleMu.Unlock()

	if current.Load() != nil {
		return coreerr.ErrAlreadyInitialized
	}

	if socksHost != "" && socksPort == 0 {
		return coreerr.New(coreerr.InvalidConfig, "socks5 server port must be non-zero")
	}
	if socksHost == "" && socksPort != 0 {
		return coreerr.New(coreerr.InvalidConfig, "socks5 server host must be set when a port is given")
	}
	if socksUser == "" && socksPass != "" {
		return coreerr.New(coreerr.InvalidConfig, "socks5 password given without a username")
	}

	var geoResolver *geo.Resolver
	if cfg.Proxy.GeoIPPath != "" {
		r, err := geo.Load(cfg.Proxy.GeoIPPath, nil)
		if err != nil {
			return coreerr.Wrap(coreerr.InvalidConfig, "loading geoip database", err)
		}
		geoResolver = r
	}

	pm := engine.New(geoResolver, corelog.Bus)
	if !cfg.Proxy.Enabled {
		pm.Disable()
	}
	if socksHost != "" {
		pm.SetSocksConfig(engine.SocksConfig{
			ServerHost: socksHost,
			ServerPort: socksPort,
			Username:   socksUser,
			Password:   socksPass,
		})
	}

	natTable := nat.New(nat.Options{
		ShardCount:      cfg.Nat.ShardCount,
		MaxConnections:  cfg.Nat.MaxConnections,
		EphemeralPortLo: cfg.Nat.EphemeralPortLo,
		EphemeralPortHi: cfg.Nat.EphemeralPortHi,
		LingerSeconds:   cfg.Nat.LingerSeconds,
	})

	dev := device.New(cfg.Device.RxQueueSize, cfg.Device.TxQueueSize)

	dialer := bypass.NewDialer(bypass.Config{Mark: cfg.Proxy.BypassMark})

	flowMgr := flow.New(natTable, pm, dev, dialer, flow.Options{
		SniffEnabled:     cfg.Proxy.SniffEnabled,
		SniffBudget:      cfg.Proxy.SniffBudgetMax,
		HandshakeTimeout: time.Duration(cfg.Proxy.HandshakeMS) * time.Millisecond,
		UDPIdleSeconds:   int64(cfg.Nat.UDPIdleSeconds),
		IPv6Enabled:      cfg.Stack.IPv6Enabled,
		Stack: netstack.Limits{
			RecvBufferBytes: cfg.Stack.RecvBufferBytes,
			SendBufferBytes: cfg.Stack.SendBufferBytes,
			TimeWait:        time.Duration(cfg.Stack.TimeWaitSeconds) * time.Second,
		},
	})

	e := &Engine{id: uuid.NewString(), dev: dev, nat: natTable, proxy: pm, flow: flowMgr, geo: geoResolver}
	current.Store(e)
	corelog.Log.Infof("boundary", "engine %s initialized", e.id)
	return nil
}

// InstanceID returns the identifier of the running engine incarnation,
// or "" if none is initialized.
func InstanceID() string {
	if e := current.Load(); e != nil {
		return e.id
	}
	return ""
}

// Shutdown tears down the process-singleton engine. Returns
// NotInitialized if none is running.
func Shutdown() error {
	lifecycleMu.Lock()
	defer lifecycleMu.Unlock()

	e := current.Load()
	if e == nil {
		return coreerr.ErrNotInitialized
	}

	// Force-drop every flow (RST into tx for TCP), close upstream
	// sockets, then discard whatever the host never collected. The
	// instance is unpublished first so no new boundary call races the
	// teardown.
	current.Store(nil)
	e.mu.Lock()
	e.flow.Shutdown(time.Now())
	e.dev.PopTxBatch(0)
	e.dev.PopRxBatch(0)
	e.mu.Unlock()

	corelog.Log.Infof("boundary", "engine %s shut down", e.id)
	return nil
}

// IsInitialized reports whether an engine is currently running.
func IsInitialized() bool { return current.Load() != nil }

// GetCoreVersion returns the engine's semver string.
func GetCoreVersion() string { return Version }

func get() (*Engine, error) {
	e := current.Load()
	if e == nil {
		return nil, coreerr.ErrNotInitialized
	}
	return e, nil
}

// ProcessInboundPacket feeds a raw IP datagram captured from the
// tunneled peer (an outgoing connection attempt or further segment of
// one already open) into the engine, returning any response datagrams
// ready to write back immediately.
func ProcessInboundPacket(pkt []byte) ([][]byte, error) {
	return processPacket(pkt)
}

// ProcessOutboundPacket feeds a raw IP datagram captured on the
// device's other direction. The engine's userspace stack classifies
// flows purely by address/port, so both boundary entry points share
// the same ingest path.
func ProcessOutboundPacket(pkt []byte) ([][]byte, error) {
	return processPacket(pkt)
}

func processPacket(pkt []byte) ([][]byte, error) {
	e, err := get()
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	// A full rx queue is drop-tail, not an error: the device counts the
	// drop and the caller gets whatever responses this tick produced.
	e.dev.PushRx(pkt)
	if err := e.flow.Poll(time.Now()); err != nil {
		return nil, err
	}
	return e.dev.PopTxBatch(0), nil
}

// PollCore drains any queued rx datagrams, advances every flow's
// timers, and sweeps the NAT table — the tick a host should drive at
// least 20 times a second so retransmits and TIME_WAIT expiries keep
// moving even when no new packet arrives. Packet-level failures are
// recovered inside the tick and not surfaced here.
func PollCore() error {
	e, err := get()
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.flow.Poll(time.Now()); err != nil {
		corelog.Log.Debugf("boundary", "dropped packet: %v", err)
	}
	return nil
}

// GetOutboundPackets drains the device's tx queue of any datagrams a
// prior poll synthesized (SYN-ACKs, data segments, retransmits, FIN/RST)
// that ProcessInboundPacket/ProcessOutboundPacket didn't already return
// inline.
func GetOutboundPackets() ([][]byte, error) {
	e, err := get()
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dev.PopTxBatch(0), nil
}

// LoadRules parses and installs a new rule table from r, returning the
// count of accepted rules.
func LoadRules(r io.Reader, warn func(line int, msg string)) (int, error) {
	e, err := get()
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.proxy.LoadRules(r, warn)
}

// EvaluateRoute classifies a standalone query against the active rule
// table without opening a flow — used by hosts that want a routing
// preview (e.g. a UI showing what a domain would resolve to).
func EvaluateRoute(q rules.Query) (rules.Action, error) {
	e, err := get()
	if err != nil {
		return rules.ActionDirect, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.proxy.EvaluateRoute(q), nil
}

// GetStats returns a snapshot of the engine's runtime counters.
func GetStats() (stats.Snapshot, error) {
	e, err := get()
	if err != nil {
		return stats.Snapshot{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.proxy.Stats.Snapshot(), nil
}

// EnableProxy / DisableProxy flip the proxy's enabled flag.
func EnableProxy() error {
	e, err := get()
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.proxy.Enable()
	return nil
}

func DisableProxy() error {
	e, err := get()
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.proxy.Disable()
	return nil
}
