package nat

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZejiaJiang/voyage/internal/coreerr"
)

func addr(s string) netip.Addr { return netip.MustParseAddr(s) }

func TestInsertAllocatesUniquePortsInRange(t *testing.T) {
	tbl := New(Options{MaxConnections: 50})
	tbl.SetNow(1000)

	seen := make(map[uint16]bool)
	for i := 0; i < 50; i++ {
		e, err := tbl.Insert(uint32(i), addr("10.0.0.2"), uint16(40000+i), addr("1.2.3.4"), 80, 6)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, e.LocalPort, uint16(10000))
		assert.False(t, seen[e.LocalPort], "port %d allocated twice", e.LocalPort)
		seen[e.LocalPort] = true
	}
	assert.Equal(t, 50, tbl.Count())
}

func TestKeyPortBijection(t *testing.T) {
	tbl := New(Options{})
	tbl.SetNow(1000)

	e, err := tbl.Insert(7, addr("10.0.0.2"), 40000, addr("1.2.3.4"), 443, 6)
	require.NoError(t, err)

	got, ok := tbl.Lookup(addr("10.0.0.2"), 40000, addr("1.2.3.4"), 443, 6)
	require.True(t, ok)
	assert.Same(t, e, got)

	// The allocated port is reserved against reuse while the entry lives.
	assert.True(t, tbl.localPortInUse(e.LocalPort))
}

func TestInsertExhaustion(t *testing.T) {
	tbl := New(Options{MaxConnections: 2})
	tbl.SetNow(1000)

	_, err := tbl.Insert(0, addr("10.0.0.2"), 40000, addr("1.2.3.4"), 80, 6)
	require.NoError(t, err)
	_, err = tbl.Insert(1, addr("10.0.0.2"), 40001, addr("1.2.3.4"), 80, 6)
	require.NoError(t, err)

	_, err = tbl.Insert(2, addr("10.0.0.2"), 40002, addr("1.2.3.4"), 80, 6)
	require.Error(t, err)
	var ce *coreerr.Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, coreerr.NatTableFull, ce.Kind)

	// Existing entries are unaffected.
	_, ok := tbl.Lookup(addr("10.0.0.2"), 40000, addr("1.2.3.4"), 80, 6)
	assert.True(t, ok)
	assert.Equal(t, 2, tbl.Count())
}

func TestSweepReclaimsLingeredClosedEntries(t *testing.T) {
	tbl := New(Options{LingerSeconds: 2})
	tbl.SetNow(1000)

	e, err := tbl.Insert(0, addr("10.0.0.2"), 40000, addr("1.2.3.4"), 80, 6)
	require.NoError(t, err)
	e.State = StateClosed

	// Within the linger window nothing is reclaimed.
	tbl.SetNow(1001)
	assert.Equal(t, 0, tbl.Sweep())
	assert.Equal(t, 1, tbl.Count())

	tbl.SetNow(1004)
	assert.Equal(t, 1, tbl.Sweep())
	assert.Equal(t, 0, tbl.Count())

	_, ok := tbl.Lookup(addr("10.0.0.2"), 40000, addr("1.2.3.4"), 80, 6)
	assert.False(t, ok)
	assert.False(t, tbl.localPortInUse(e.LocalPort))
}

func TestSweepKeepsLiveEntries(t *testing.T) {
	tbl := New(Options{LingerSeconds: 2})
	tbl.SetNow(1000)

	e, err := tbl.Insert(0, addr("10.0.0.2"), 40000, addr("1.2.3.4"), 80, 6)
	require.NoError(t, err)
	e.State = StateEstablished

	tbl.SetNow(5000)
	assert.Equal(t, 0, tbl.Sweep())
	assert.Equal(t, 1, tbl.Count())
}

func TestRemoveFreesPort(t *testing.T) {
	tbl := New(Options{})
	tbl.SetNow(1000)

	e, err := tbl.Insert(0, addr("10.0.0.2"), 40000, addr("1.2.3.4"), 80, 6)
	require.NoError(t, err)
	port := e.LocalPort

	tbl.Remove(addr("10.0.0.2"), 40000)
	assert.Equal(t, 0, tbl.Count())
	assert.False(t, tbl.localPortInUse(port))
}

func TestIPv6Keys(t *testing.T) {
	tbl := New(Options{})
	tbl.SetNow(1000)

	_, err := tbl.Insert(0, addr("fd00::2"), 40000, addr("2001:db8::1"), 443, 6)
	require.NoError(t, err)
	_, ok := tbl.Lookup(addr("fd00::2"), 40000, addr("2001:db8::1"), 443, 6)
	assert.True(t, ok)
}
