package geo

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// encodeGeoIPDat builds a minimal geoip.dat payload by hand: the same
// wire format the loader's walker consumes.
func encodeGeoIPDat(entries map[string][]struct {
	ip     []byte
	prefix byte
}) []byte {
	var out []byte
	for code, cidrs := range entries {
		var msg []byte
		msg = append(msg, 0x0A, byte(len(code)))
		msg = append(msg, code...)
		for _, c := range cidrs {
			var cidr []byte
			cidr = append(cidr, 0x0A, byte(len(c.ip)))
			cidr = append(cidr, c.ip...)
			cidr = append(cidr, 0x10, c.prefix)
			msg = append(msg, 0x12, byte(len(cidr)))
			msg = append(msg, cidr...)
		}
		out = append(out, 0x0A, byte(len(msg)))
		out = append(out, msg...)
	}
	return out
}

func writeDat(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "geoip.dat")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func TestLoadAndLookup(t *testing.T) {
	data := encodeGeoIPDat(map[string][]struct {
		ip     []byte
		prefix byte
	}{
		"US": {{ip: []byte{1, 2, 3, 0}, prefix: 24}},
		"CN": {{ip: []byte{9, 8, 0, 0}, prefix: 16}},
	})

	r, err := Load(writeDat(t, data), nil)
	require.NoError(t, err)

	cc, ok := r.Lookup(netip.MustParseAddr("1.2.3.4"))
	require.True(t, ok)
	assert.Equal(t, "US", cc)

	cc, ok = r.Lookup(netip.MustParseAddr("9.8.7.6"))
	require.True(t, ok)
	assert.Equal(t, "CN", cc)

	_, ok = r.Lookup(netip.MustParseAddr("8.8.8.8"))
	assert.False(t, ok)
}

func TestLoadFiltersCategories(t *testing.T) {
	data := encodeGeoIPDat(map[string][]struct {
		ip     []byte
		prefix byte
	}{
		"US": {{ip: []byte{1, 2, 3, 0}, prefix: 24}},
		"CN": {{ip: []byte{9, 8, 0, 0}, prefix: 16}},
	})

	r, err := Load(writeDat(t, data), map[string]bool{"cn": true})
	require.NoError(t, err)

	_, ok := r.Lookup(netip.MustParseAddr("1.2.3.4"))
	assert.False(t, ok)
	_, ok = r.Lookup(netip.MustParseAddr("9.8.7.6"))
	assert.True(t, ok)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.dat"), nil)
	require.Error(t, err)
}

func TestNilResolverNeverMatches(t *testing.T) {
	var r *Resolver
	_, ok := r.Lookup(netip.MustParseAddr("1.2.3.4"))
	assert.False(t, ok)
}

func TestLookupIPv6(t *testing.T) {
	ip6 := make([]byte, 16)
	ip6[0], ip6[1] = 0x20, 0x01
	data := encodeGeoIPDat(map[string][]struct {
		ip     []byte
		prefix byte
	}{
		"JP": {{ip: ip6, prefix: 16}},
	})

	r, err := Load(writeDat(t, data), nil)
	require.NoError(t, err)

	cc, ok := r.Lookup(netip.MustParseAddr("2001:db8::1"))
	require.True(t, ok)
	assert.Equal(t, "JP", cc)
}
