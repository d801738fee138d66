// Package geo implements an optional GeoIP resolver consulted by the
// rule engine's GEOIP matcher. It parses the v2ray geoip.dat format — a
// length-prefixed sequence of protobuf GeoIP messages — with a hand-
// rolled wire-format walker: the schema is three fields, which does not
// justify putting a protobuf runtime on the lookup path.
package geo

import (
	"net/netip"
	"os"
	"strings"

	"github.com/ZejiaJiang/voyage/internal/coreerr"
)

type cidrEntry struct {
	ip     []byte
	prefix int
}

type category struct {
	code  string
	cidrs []cidrEntry
}

// Resolver answers country-code lookups for an IP address. Loaded once
// from a geoip.dat file and immutable afterward.
type Resolver struct {
	v4 *bitTrie
	v6 *bitTrie
}

type bitTrieNode struct {
	children [2]*bitTrieNode
	country  string // set on the node terminating a CIDR, empty otherwise
}

type bitTrie struct {
	root *bitTrieNode
}

func newBitTrie() *bitTrie { return &bitTrie{root: &bitTrieNode{}} }

func (t *bitTrie) insert(ip []byte, prefixLen int, country string) {
	node := t.root
	for i := 0; i < prefixLen; i++ {
		byteIdx := i / 8
		bitIdx := 7 - (i % 8)
		bit := (ip[byteIdx] >> bitIdx) & 1
		if node.children[bit] == nil {
			node.children[bit] = &bitTrieNode{}
		}
		node = node.children[bit]
	}
	// First writer for an overlapping prefix wins, matching the
	// first-match-wins semantics of the source rule list.
	if node.country == "" {
		node.country = country
	}
}

func (t *bitTrie) lookup(ip []byte) (string, bool) {
	node := t.root
	var last string
	for i := 0; i < len(ip)*8; i++ {
		byteIdx := i / 8
		bitIdx := 7 - (i % 8)
		bit := (ip[byteIdx] >> bitIdx) & 1
		next := node.children[bit]
		if next == nil {
			break
		}
		node = next
		if node.country != "" {
			last = node.country
		}
	}
	return last, last != ""
}

// Load reads and parses a geoip.dat file, keeping only the requested
// uppercase country codes. An empty codes set loads every category.
func Load(path string, codes map[string]bool) (*Resolver, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.IoError, "reading geoip database", err)
	}

	want := make(map[string]bool, len(codes))
	for c := range codes {
		want[strings.ToUpper(c)] = true
	}

	cats := parseGeoIPList(data)
	r := &Resolver{v4: newBitTrie(), v6: newBitTrie()}
	for _, cat := range cats {
		code := strings.ToUpper(cat.code)
		if len(want) > 0 && !want[code] {
			continue
		}
		for _, c := range cat.cidrs {
			switch len(c.ip) {
			case 4:
				r.v4.insert(c.ip, c.prefix, code)
			case 16:
				r.v6.insert(c.ip, c.prefix, code)
			}
		}
	}
	return r, nil
}

// Lookup returns the country code owning ip's most specific matching
// CIDR, if any.
func (r *Resolver) Lookup(ip netip.Addr) (string, bool) {
	if r == nil {
		return "", false
	}
	if ip.Is4() || ip.Is4In6() {
		b := ip.As4()
		return r.v4.lookup(b[:])
	}
	b := ip.As16()
	return r.v6.lookup(b[:])
}

// ---------------------------------------------------------------------
// Hand-rolled protobuf wire-format walker. No protobuf runtime: the
// geoip.dat schema is fixed (repeated GeoIP { string country_code = 1;
// repeated CIDR cidr = 2; }, CIDR { bytes ip = 1; uint32 prefix = 2; }),
// so only varint/tag decoding and length-delimited field skipping are
// needed.
// ---------------------------------------------------------------------

func consumeTag(data []byte) (fieldNum, wireType, n int) {
	v, n := consumeVarint(data)
	if n == 0 {
		return 0, 0, 0
	}
	return int(v >> 3), int(v & 0x7), n
}

func consumeVarint(data []byte) (uint64, int) {
	var val uint64
	for i := 0; i < len(data) && i < 10; i++ {
		b := data[i]
		val |= uint64(b&0x7F) << (7 * i)
		if b < 0x80 {
			return val, i + 1
		}
	}
	return 0, 0
}

func skipField(data []byte, wireType int) []byte {
	switch wireType {
	case 0:
		for i := 0; i < len(data); i++ {
			if data[i] < 0x80 {
				return data[i+1:]
			}
		}
		return nil
	case 1:
		if len(data) < 8 {
			return nil
		}
		return data[8:]
	case 2:
		length, n := consumeVarint(data)
		if n == 0 || int(length) > len(data[n:]) {
			return nil
		}
		return data[n+int(length):]
	case 5:
		if len(data) < 4 {
			return nil
		}
		return data[4:]
	default:
		return nil
	}
}

func parseGeoIPList(data []byte) []category {
	var cats []category
	for len(data) > 0 {
		fieldNum, wireType, n := consumeTag(data)
		if n == 0 {
			break
		}
		data = data[n:]

		if fieldNum == 1 && wireType == 2 {
			length, n := consumeVarint(data)
			if n == 0 || int(length) > len(data[n:]) {
				break
			}
			msgData := data[n : n+int(length)]
			data = data[n+int(length):]

			cat := parseGeoIPMessage(msgData)
			if cat.code != "" {
				cats = append(cats, cat)
			}
		} else {
			data = skipField(data, wireType)
			if data == nil {
				break
			}
		}
	}
	return cats
}

func parseGeoIPMessage(data []byte) category {
	var cat category
	for len(data) > 0 {
		fieldNum, wireType, n := consumeTag(data)
		if n == 0 {
			break
		}
		data = data[n:]

		switch {
		case fieldNum == 1 && wireType == 2:
			length, n := consumeVarint(data)
			if n == 0 || int(length) > len(data[n:]) {
				return cat
			}
			cat.code = string(data[n : n+int(length)])
			data = data[n+int(length):]

		case fieldNum == 2 && wireType == 2:
			length, n := consumeVarint(data)
			if n == 0 || int(length) > len(data[n:]) {
				return cat
			}
			cidrData := data[n : n+int(length)]
			data = data[n+int(length):]

			c := parseCIDRMessage(cidrData)
			if len(c.ip) > 0 {
				cat.cidrs = append(cat.cidrs, c)
			}

		default:
			data = skipField(data, wireType)
			if data == nil {
				return cat
			}
		}
	}
	return cat
}

func parseCIDRMessage(data []byte) cidrEntry {
	var c cidrEntry
	for len(data) > 0 {
		fieldNum, wireType, n := consumeTag(data)
		if n == 0 {
			break
		}
		data = data[n:]

		switch {
		case fieldNum == 1 && wireType == 2:
			length, n := consumeVarint(data)
			if n == 0 || int(length) > len(data[n:]) {
				return c
			}
			c.ip = append([]byte(nil), data[n:n+int(length)]...)
			data = data[n+int(length):]

		case fieldNum == 2 && wireType == 0:
			v, n := consumeVarint(data)
			if n == 0 {
				return c
			}
			c.prefix = int(v)
			data = data[n:]

		default:
			data = skipField(data, wireType)
			if data == nil {
				return c
			}
		}
	}
	return c
}
