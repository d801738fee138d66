package boundary

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZejiaJiang/voyage/internal/config"
	"github.com/ZejiaJiang/voyage/internal/coreerr"
	"github.com/ZejiaJiang/voyage/internal/rules"
)

// initEngine stands up the process singleton for one test and tears it
// down afterwards — the boundary is global state, so tests in this
// package must not run with a live engine left behind.
func initEngine(t *testing.T) {
	t.Helper()
	require.NoError(t, Init(config.Default(), "", 0, "", ""))
	t.Cleanup(func() { Shutdown() })
}

func TestOpsBeforeInitFailNotInitialized(t *testing.T) {
	require.False(t, IsInitialized())

	_, err := ProcessInboundPacket([]byte{0x45})
	assert.True(t, errors.Is(err, coreerr.ErrNotInitialized))
	_, err = GetOutboundPackets()
	assert.True(t, errors.Is(err, coreerr.ErrNotInitialized))
	_, err = LoadRules(strings.NewReader("FINAL,DIRECT\n"), nil)
	assert.True(t, errors.Is(err, coreerr.ErrNotInitialized))
	_, err = GetStats()
	assert.True(t, errors.Is(err, coreerr.ErrNotInitialized))
	assert.True(t, errors.Is(PollCore(), coreerr.ErrNotInitialized))
	assert.True(t, errors.Is(EnableProxy(), coreerr.ErrNotInitialized))
	assert.True(t, errors.Is(DisableProxy(), coreerr.ErrNotInitialized))
	assert.True(t, errors.Is(Shutdown(), coreerr.ErrNotInitialized))
}

func TestInitShutdownLifecycle(t *testing.T) {
	require.NoError(t, Init(config.Default(), "", 0, "", ""))
	assert.True(t, IsInitialized())
	assert.NotEmpty(t, InstanceID())

	// A second init is refused while the first lives.
	err := Init(config.Default(), "", 0, "", "")
	assert.True(t, errors.Is(err, coreerr.ErrAlreadyInitialized))

	require.NoError(t, Shutdown())
	assert.False(t, IsInitialized())
	assert.Empty(t, InstanceID())

	// After shutdown every op except init fails.
	_, err = GetStats()
	assert.True(t, errors.Is(err, coreerr.ErrNotInitialized))

	// And init works again.
	require.NoError(t, Init(config.Default(), "", 0, "", ""))
	require.NoError(t, Shutdown())
}

func TestInitValidatesSocksConfig(t *testing.T) {
	err := Init(config.Default(), "proxy.example.com", 0, "", "")
	assert.True(t, errors.Is(err, coreerr.ErrInvalidConfig))

	err = Init(config.Default(), "", 1080, "", "")
	assert.True(t, errors.Is(err, coreerr.ErrInvalidConfig))

	err = Init(config.Default(), "proxy.example.com", 1080, "", "secret")
	assert.True(t, errors.Is(err, coreerr.ErrInvalidConfig))

	assert.False(t, IsInitialized())
}

func TestConcurrentInitExactlyOneSucceeds(t *testing.T) {
	t.Cleanup(func() { Shutdown() })

	var wg sync.WaitGroup
	results := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- Init(config.Default(), "", 0, "", "")
		}()
	}
	wg.Wait()
	close(results)

	okCount := 0
	for err := range results {
		if err == nil {
			okCount++
		} else {
			assert.True(t, errors.Is(err, coreerr.ErrAlreadyInitialized))
		}
	}
	assert.Equal(t, 1, okCount)
}

func TestLoadRulesAndEvaluateRoute(t *testing.T) {
	initEngine(t)

	count, err := LoadRules(strings.NewReader("DOMAIN-SUFFIX,example.com,PROXY\nFINAL,DIRECT\n"), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	action, err := EvaluateRoute(rules.Query{Domain: "api.example.com", Port: 443, Proto: "tcp"})
	require.NoError(t, err)
	assert.Equal(t, rules.ActionProxy, action)

	action, err = EvaluateRoute(rules.Query{Domain: "other.net", Port: 443, Proto: "tcp"})
	require.NoError(t, err)
	assert.Equal(t, rules.ActionDirect, action)
}

func TestDisableForcesDirectAtBoundary(t *testing.T) {
	initEngine(t)

	_, err := LoadRules(strings.NewReader("DOMAIN,blocked.example,REJECT\nFINAL,DIRECT\n"), nil)
	require.NoError(t, err)

	require.NoError(t, DisableProxy())
	action, err := EvaluateRoute(rules.Query{Domain: "blocked.example"})
	require.NoError(t, err)
	assert.Equal(t, rules.ActionDirect, action)

	require.NoError(t, EnableProxy())
	action, err = EvaluateRoute(rules.Query{Domain: "blocked.example"})
	require.NoError(t, err)
	assert.Equal(t, rules.ActionReject, action)
}

func TestProcessPacketInvalid(t *testing.T) {
	initEngine(t)

	_, err := ProcessInboundPacket([]byte{0x00, 0x01})
	assert.True(t, errors.Is(err, coreerr.ErrInvalidPacket))

	// Malformed input never poisons the engine.
	_, err = GetStats()
	assert.NoError(t, err)
}

func TestGetStatsSnapshot(t *testing.T) {
	initEngine(t)

	snap, err := GetStats()
	require.NoError(t, err)
	assert.Zero(t, snap.TotalConnections)
	assert.Zero(t, snap.ActiveConnections)
	assert.Equal(t, "0.1.0", GetCoreVersion())
}
