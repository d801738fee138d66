package engine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZejiaJiang/voyage/internal/rules"
)

func TestLoadRulesReturnsAcceptedCount(t *testing.T) {
	pm := New(nil, nil)
	src := "DOMAIN,example.com,PROXY\nBOGUS-TYPE,x,DIRECT\nFINAL,DIRECT\n"

	var warnings int
	count, err := pm.LoadRules(strings.NewReader(src), func(int, string) { warnings++ })
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, 1, warnings)

	assert.Equal(t, rules.ActionProxy, pm.EvaluateRoute(rules.Query{Domain: "example.com"}))
}

func TestDisabledForcesDirect(t *testing.T) {
	pm := New(nil, nil)
	_, err := pm.LoadRules(strings.NewReader("DOMAIN,example.com,REJECT\nFINAL,PROXY\n"), nil)
	require.NoError(t, err)

	assert.Equal(t, rules.ActionReject, pm.EvaluateRoute(rules.Query{Domain: "example.com"}))

	pm.Disable()
	assert.False(t, pm.Enabled())
	assert.Equal(t, rules.ActionDirect, pm.EvaluateRoute(rules.Query{Domain: "example.com"}))
	assert.Equal(t, rules.ActionDirect, pm.EvaluateRoute(rules.Query{Domain: "other.com"}))

	pm.Enable()
	assert.Equal(t, rules.ActionReject, pm.EvaluateRoute(rules.Query{Domain: "example.com"}))
}

func TestSocksConfig(t *testing.T) {
	pm := New(nil, nil)
	assert.Nil(t, pm.SocksConfig())

	pm.SetSocksConfig(SocksConfig{ServerHost: "127.0.0.1", ServerPort: 1080, Username: "u", Password: "p"})
	cfg := pm.SocksConfig()
	require.NotNil(t, cfg)
	assert.Equal(t, uint16(1080), cfg.ServerPort)
}
