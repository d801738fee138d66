package rules

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBasic(t *testing.T) {
	src := `# comment
DOMAIN,example.com,DIRECT

DOMAIN-SUFFIX , google.com , PROXY
IP-CIDR,10.0.0.0/8,REJECT
DST-PORT,8443,PROXY
FINAL,DIRECT
`
	rs, err := Parse(strings.NewReader(src), nil)
	require.NoError(t, err)
	require.Len(t, rs, 5)

	assert.Equal(t, TypeDomain, rs[0].Type)
	assert.Equal(t, "example.com", rs[0].Value)
	assert.Equal(t, ActionDirect, rs[0].Action)

	// Whitespace around commas is trimmed.
	assert.Equal(t, TypeDomainSuffix, rs[1].Type)
	assert.Equal(t, "google.com", rs[1].Value)
	assert.Equal(t, ActionProxy, rs[1].Action)

	assert.Equal(t, TypeFinal, rs[4].Type)
	assert.Equal(t, ActionDirect, rs[4].Action)
}

func TestParseSynthesizesFinal(t *testing.T) {
	for _, src := range []string{
		"",
		"# only a comment\n",
		"DOMAIN,example.com,PROXY\n",
	} {
		rs, err := Parse(strings.NewReader(src), nil)
		require.NoError(t, err)
		require.NotEmpty(t, rs)
		last := rs[len(rs)-1]
		assert.Equal(t, TypeFinal, last.Type)
		assert.Equal(t, ActionDirect, last.Action)
	}
}

func TestParseUnknownTypeSkippedWithWarning(t *testing.T) {
	src := "USER-AGENT,curl,REJECT\nDOMAIN,example.com,PROXY\nFINAL,DIRECT\n"
	var warned []int
	rs, err := Parse(strings.NewReader(src), func(line int, msg string) {
		warned = append(warned, line)
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1}, warned)
	require.Len(t, rs, 2)
	assert.Equal(t, TypeDomain, rs[0].Type)
}

func TestParseBadActionSkippedWithWarning(t *testing.T) {
	src := "DOMAIN,example.com,MAYBE\nFINAL,DIRECT\n"
	var warnings int
	rs, err := Parse(strings.NewReader(src), func(int, string) { warnings++ })
	require.NoError(t, err)
	assert.Equal(t, 1, warnings)
	require.Len(t, rs, 1)
	assert.Equal(t, TypeFinal, rs[0].Type)
}

func TestParseMalformedLinesSkipped(t *testing.T) {
	src := "DOMAIN,example.com\nDST-PORT,notaport,DIRECT\nFINAL\nFINAL,REJECT\n"
	var warnings int
	rs, err := Parse(strings.NewReader(src), func(int, string) { warnings++ })
	require.NoError(t, err)
	assert.Equal(t, 3, warnings)
	require.Len(t, rs, 1)
	assert.Equal(t, ActionReject, rs[0].Action)
}

func TestParseLineBudget(t *testing.T) {
	var b strings.Builder
	for i := 0; i < maxRuleLines+50; i++ {
		b.WriteString("DST-PORT,80,DIRECT\n")
	}
	var warned int
	rs, err := Parse(strings.NewReader(b.String()), func(int, string) { warned++ })
	require.NoError(t, err)
	assert.Equal(t, 50, warned)
	// maxRuleLines accepted plus the synthesized FINAL.
	assert.Len(t, rs, maxRuleLines+1)
}

func TestSerializeRoundTrip(t *testing.T) {
	src := `DOMAIN,Example.COM,DIRECT
DOMAIN-SUFFIX,google.com,PROXY
DOMAIN-KEYWORD,ads,REJECT
IP-CIDR,10.0.0.0/8,DIRECT
GEOIP,CN,PROXY
DST-PORT,443,PROXY
FINAL,REJECT
`
	rs, err := Parse(strings.NewReader(src), nil)
	require.NoError(t, err)

	for _, r := range rs {
		again, err := Parse(strings.NewReader(r.Serialize()+"\n"), nil)
		require.NoError(t, err)
		require.NotEmpty(t, again)
		got := again[0]
		assert.Equal(t, r.Type, got.Type, "rule %q", r.Serialize())
		assert.Equal(t, r.Value, got.Value)
		assert.Equal(t, r.Action, got.Action)
	}
}
