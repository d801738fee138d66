package rules

import (
	"net/netip"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

// GeoResolver resolves an IP to a country code. Implemented by
// internal/geo; nil-safe so GEOIP rules are simply skipped when no
// resolver is configured.
type GeoResolver interface {
	Lookup(ip netip.Addr) (country string, ok bool)
}

// candidate pairs a matched action with the source line it came from, so
// Evaluate can pick whichever category matched earliest in the original
// file regardless of which index structure found it.
type candidate struct {
	action Action
	line   int
	found  bool
}

func (c candidate) betterThan(other candidate) bool {
	if !c.found {
		return false
	}
	if !other.found {
		return true
	}
	return c.line < other.line
}

type domainTrieNode struct {
	children map[string]*domainTrieNode
	action   Action
	line     int
	set      bool
}

type cidrTrieNode struct {
	children [2]*cidrTrieNode
	action   Action
	line     int
	set      bool
}

type keywordEntry struct {
	keyword string
	action  Action
	line    int
}

type portEntry struct {
	port   uint16
	action Action
	line   int
}

type geoEntry struct {
	country string
	action  Action
	line    int
}

// Matcher is the compiled, immutable form of a rule set, swapped
// atomically on reload via Engine. Every index below also
// records the originating line number so Evaluate can honor first-match
// order across rule types, not just within one type's index.
type Matcher struct {
	exact    map[string]candidate
	suffix   *domainTrieNode
	keywords []keywordEntry
	cidr     *cidrTrieNode
	geo      []geoEntry
	ports    []portEntry
	final    Action
	finalLine int
	geoFn    GeoResolver
}

// Compile builds a Matcher from parsed rules. geo may be nil.
func Compile(rs []Rule, geo GeoResolver) *Matcher {
	m := &Matcher{
		exact:  make(map[string]candidate),
		suffix: &domainTrieNode{},
		cidr:   &cidrTrieNode{},
		final:  ActionDirect,
		geoFn:  geo,
	}

	for _, r := range rs {
		switch r.Type {
		case TypeDomain:
			key := normalizeDomain(r.Value)
			if _, exists := m.exact[key]; !exists {
				m.exact[key] = candidate{action: r.Action, line: r.Line, found: true}
			}
		case TypeDomainSuffix:
			m.insertSuffix(normalizeDomain(r.Value), r.Action, r.Line)
		case TypeDomainKeyword:
			m.keywords = append(m.keywords, keywordEntry{keyword: strings.ToLower(r.Value), action: r.Action, line: r.Line})
		case TypeIPCIDR:
			if p, err := netip.ParsePrefix(r.Value); err == nil {
				m.insertCIDR(p, r.Action, r.Line)
			}
		case TypeGeoIP:
			m.geo = append(m.geo, geoEntry{country: strings.ToUpper(r.Value), action: r.Action, line: r.Line})
		case TypeDstPort:
			if p, err := strconv.ParseUint(r.Value, 10, 16); err == nil {
				m.ports = append(m.ports, portEntry{port: uint16(p), action: r.Action, line: r.Line})
			}
		case TypeFinal:
			m.final = r.Action
			m.finalLine = r.Line
		}
	}
	return m
}

func (m *Matcher) insertSuffix(domain string, action Action, line int) {
	labels := strings.Split(domain, ".")
	node := m.suffix
	for i := len(labels) - 1; i >= 0; i-- {
		label := labels[i]
		if label == "" {
			continue
		}
		if node.children == nil {
			node.children = make(map[string]*domainTrieNode)
		}
		child, ok := node.children[label]
		if !ok {
			child = &domainTrieNode{}
			node.children[label] = child
		}
		node = child
	}
	if !node.set {
		node.action = action
		node.line = line
		node.set = true
	}
}

// lookupSuffix returns the earliest-declared suffix rule matching domain
// at any boundary (a full label match, not a mid-label substring).
func (m *Matcher) lookupSuffix(domain string) candidate {
	labels := strings.Split(strings.ToLower(domain), ".")
	node := m.suffix
	best := candidate{}
	for i := len(labels) - 1; i >= 0; i-- {
		label := labels[i]
		if label == "" {
			continue
		}
		child, ok := node.children[label]
		if !ok {
			break
		}
		node = child
		if node.set {
			c := candidate{action: node.action, line: node.line, found: true}
			if c.betterThan(best) {
				best = c
			}
		}
	}
	return best
}

func (m *Matcher) insertCIDR(p netip.Prefix, action Action, line int) {
	addr := p.Addr()
	var bits []byte
	if addr.Is4() {
		b := addr.As4()
		bits = b[:]
	} else {
		b := addr.As16()
		bits = b[:]
	}
	node := m.cidr
	for i := 0; i < p.Bits(); i++ {
		byteIdx := i / 8
		bitIdx := 7 - (i % 8)
		bit := (bits[byteIdx] >> bitIdx) & 1
		if node.children[bit] == nil {
			node.children[bit] = &cidrTrieNode{}
		}
		node = node.children[bit]
	}
	if !node.set {
		node.action = action
		node.line = line
		node.set = true
	}
}

// lookupCIDR returns the earliest-declared CIDR rule containing ip, not
// necessarily the most specific one — ties go to whichever line came
// first in the file, preserving first-match order.
func (m *Matcher) lookupCIDR(ip netip.Addr) candidate {
	var bits []byte
	if ip.Is4() {
		b := ip.As4()
		bits = b[:]
	} else if ip.Is4In6() {
		b := ip.As4()
		bits = b[:]
	} else {
		b := ip.As16()
		bits = b[:]
	}
	node := m.cidr
	best := candidate{}
	for i := 0; i < len(bits)*8; i++ {
		byteIdx := i / 8
		bitIdx := 7 - (i % 8)
		bit := (bits[byteIdx] >> bitIdx) & 1
		next := node.children[bit]
		if next == nil {
			break
		}
		node = next
		if node.set {
			c := candidate{action: node.action, line: node.line, found: true}
			if c.betterThan(best) {
				best = c
			}
		}
	}
	return best
}

// normalizeDomain case-folds, trims a trailing dot, and converts
// non-ASCII hostnames (sniffed SNI may carry Unicode labels) to their
// punycode A-label form so they compare equal to rule-file values.
func normalizeDomain(domain string) string {
	d := strings.ToLower(strings.TrimSuffix(domain, "."))
	if d == "" {
		return ""
	}
	for i := 0; i < len(d); i++ {
		if d[i] >= 0x80 {
			if ascii, err := idna.Lookup.ToASCII(d); err == nil {
				return ascii
			}
			break
		}
	}
	return d
}

// Evaluate runs q through every index, then picks whichever matching
// rule was declared earliest in the source file — this is what makes
// Evaluate honor first-match order even though each rule type is backed
// by its own index rather than a flat ordered scan.
func (m *Matcher) Evaluate(q Query) Action {
	best := candidate{}
	consider := func(c candidate) {
		if c.betterThan(best) {
			best = c
		}
	}

	domain := normalizeDomain(q.Domain)
	if domain != "" {
		if c, ok := m.exact[domain]; ok {
			consider(c)
		}
		consider(m.lookupSuffix(domain))
		for _, kw := range m.keywords {
			if strings.Contains(domain, kw.keyword) {
				consider(candidate{action: kw.action, line: kw.line, found: true})
				break
			}
		}
	}

	if q.IP != "" {
		if addr, err := netip.ParseAddr(q.IP); err == nil {
			consider(m.lookupCIDR(addr))
			if m.geoFn != nil && len(m.geo) > 0 {
				if country, ok := m.geoFn.Lookup(addr); ok {
					country = strings.ToUpper(country)
					for _, g := range m.geo {
						if g.country == country {
							consider(candidate{action: g.action, line: g.line, found: true})
							break
						}
					}
				}
			}
		}
	}

	if q.Port != 0 {
		for _, p := range m.ports {
			if p.port == q.Port {
				consider(candidate{action: p.action, line: p.line, found: true})
				break
			}
		}
	}

	if best.found {
		return best.action
	}
	return m.final
}
