package socks5

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUDPHeaderRoundTrip(t *testing.T) {
	cases := []struct {
		host string
		port uint16
		len  int
	}{
		{"1.2.3.4", 53, 10},
		{"2001:db8::1", 443, 22},
		{"example.com", 8080, 4 + 1 + 11 + 2},
	}
	for _, tc := range cases {
		hdr := buildUDPHeader(tc.host, tc.port)
		require.Equal(t, tc.len, len(hdr), tc.host)
		assert.Equal(t, byte(0), hdr[2], "FRAG must be zero")

		got, err := udpHeaderLen(append(hdr, []byte("payload")...))
		require.NoError(t, err, tc.host)
		assert.Equal(t, tc.len, got, tc.host)
	}
}

func TestUDPHeaderLenRejectsShort(t *testing.T) {
	for _, pkt := range [][]byte{
		nil,
		{0, 0, 0},
		{0, 0, 0, atypIPv4, 1, 2},
		{0, 0, 0, atypDomain, 200, 'a'},
		{0, 0, 0, 0x09},
	} {
		_, err := udpHeaderLen(pkt)
		assert.Error(t, err)
	}
}
