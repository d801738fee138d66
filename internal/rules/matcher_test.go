package rules

import (
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustCompile(t *testing.T, src string, geo GeoResolver) *Matcher {
	t.Helper()
	rs, err := Parse(strings.NewReader(src), nil)
	require.NoError(t, err)
	return Compile(rs, geo)
}

func TestEvaluateDomainExact(t *testing.T) {
	m := mustCompile(t, "DOMAIN,example.com,PROXY\nFINAL,DIRECT\n", nil)

	assert.Equal(t, ActionProxy, m.Evaluate(Query{Domain: "example.com"}))
	assert.Equal(t, ActionProxy, m.Evaluate(Query{Domain: "EXAMPLE.COM"}))
	assert.Equal(t, ActionProxy, m.Evaluate(Query{Domain: "example.com."}))
	assert.Equal(t, ActionDirect, m.Evaluate(Query{Domain: "api.example.com"}))
}

func TestEvaluateDomainSuffixBoundary(t *testing.T) {
	m := mustCompile(t, "DOMAIN-SUFFIX,example.com,PROXY\nFINAL,DIRECT\n", nil)

	assert.Equal(t, ActionProxy, m.Evaluate(Query{Domain: "example.com"}))
	assert.Equal(t, ActionProxy, m.Evaluate(Query{Domain: "api.example.com"}))
	assert.Equal(t, ActionProxy, m.Evaluate(Query{Domain: "deep.api.example.com"}))
	// Suffix matches only at a label boundary, never mid-label.
	assert.Equal(t, ActionDirect, m.Evaluate(Query{Domain: "notexample.com"}))
}

func TestEvaluateDomainKeyword(t *testing.T) {
	m := mustCompile(t, "DOMAIN-KEYWORD,ads,REJECT\nFINAL,DIRECT\n", nil)

	assert.Equal(t, ActionReject, m.Evaluate(Query{Domain: "tracker-ads.net"}))
	assert.Equal(t, ActionReject, m.Evaluate(Query{Domain: "adserver.com"}))
	assert.Equal(t, ActionDirect, m.Evaluate(Query{Domain: "example.com"}))
}

func TestEvaluateIPCIDRAndPort(t *testing.T) {
	m := mustCompile(t, "IP-CIDR,1.2.3.0/24,DIRECT\nDST-PORT,8443,PROXY\nFINAL,REJECT\n", nil)

	assert.Equal(t, ActionDirect, m.Evaluate(Query{IP: "1.2.3.4", Port: 80}))
	assert.Equal(t, ActionProxy, m.Evaluate(Query{IP: "9.9.9.9", Port: 8443}))
	assert.Equal(t, ActionReject, m.Evaluate(Query{IP: "9.9.9.9", Port: 80}))
}

func TestEvaluateFirstMatchAcrossTypes(t *testing.T) {
	// The keyword rule is declared before the CIDR rule, so a query
	// matching both must take the keyword's action.
	m := mustCompile(t, "DOMAIN-KEYWORD,cdn,PROXY\nIP-CIDR,1.0.0.0/8,REJECT\nFINAL,DIRECT\n", nil)

	assert.Equal(t, ActionProxy, m.Evaluate(Query{Domain: "cdn.example.com", IP: "1.2.3.4"}))
	assert.Equal(t, ActionReject, m.Evaluate(Query{Domain: "other.example.com", IP: "1.2.3.4"}))
}

func TestEvaluateCIDRFirstMatchNotMostSpecific(t *testing.T) {
	m := mustCompile(t, "IP-CIDR,10.0.0.0/8,PROXY\nIP-CIDR,10.1.0.0/16,REJECT\nFINAL,DIRECT\n", nil)
	// Both prefixes contain the address; the earlier line wins.
	assert.Equal(t, ActionProxy, m.Evaluate(Query{IP: "10.1.2.3"}))
}

func TestEvaluateNoFactsFallsToFinal(t *testing.T) {
	m := mustCompile(t, "DOMAIN,example.com,PROXY\nFINAL,REJECT\n", nil)
	assert.Equal(t, ActionReject, m.Evaluate(Query{}))
}

type staticGeo map[string]string

func (g staticGeo) Lookup(ip netip.Addr) (string, bool) {
	cc, ok := g[ip.String()]
	return cc, ok
}

func TestEvaluateGeoIP(t *testing.T) {
	src := "GEOIP,CN,PROXY\nFINAL,DIRECT\n"

	// Without a resolver injected, GEOIP rules never match.
	m := mustCompile(t, src, nil)
	assert.Equal(t, ActionDirect, m.Evaluate(Query{IP: "1.2.3.4"}))

	m = mustCompile(t, src, staticGeo{"1.2.3.4": "cn"})
	assert.Equal(t, ActionProxy, m.Evaluate(Query{IP: "1.2.3.4"}))
	assert.Equal(t, ActionDirect, m.Evaluate(Query{IP: "5.6.7.8"}))
}

func TestEvaluateIDNDomain(t *testing.T) {
	m := mustCompile(t, "DOMAIN-SUFFIX,xn--bcher-kva.example,PROXY\nFINAL,DIRECT\n", nil)
	// A Unicode hostname sniffed from SNI matches its punycode rule form.
	assert.Equal(t, ActionProxy, m.Evaluate(Query{Domain: "bücher.example"}))
}

func TestEvaluateTerminates(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 500; i++ {
		b.WriteString("DOMAIN-KEYWORD,zzzz,PROXY\n")
	}
	b.WriteString("FINAL,DIRECT\n")
	m := mustCompile(t, b.String(), nil)
	assert.Equal(t, ActionDirect, m.Evaluate(Query{Domain: "example.com", IP: "1.2.3.4", Port: 80}))
}
