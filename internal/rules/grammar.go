package rules

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ZejiaJiang/voyage/internal/coreerr"
)

// maxRuleLines caps how many lines Parse will accept; lines beyond the
// cap are reported through the warn callback and skipped.
const maxRuleLines = 10000

// typeTokens maps the DSL's TYPE token to an internal Type.
var typeTokens = map[string]Type{
	"DOMAIN":         TypeDomain,
	"DOMAIN-SUFFIX":  TypeDomainSuffix,
	"DOMAIN-KEYWORD": TypeDomainKeyword,
	"IP-CIDR":        TypeIPCIDR,
	"IP-CIDR6":       TypeIPCIDR,
	"GEOIP":          TypeGeoIP,
	"DST-PORT":       TypeDstPort,
	"FINAL":          TypeFinal,
}

func typeToken(t Type) string {
	switch t {
	case TypeDomain:
		return "DOMAIN"
	case TypeDomainSuffix:
		return "DOMAIN-SUFFIX"
	case TypeDomainKeyword:
		return "DOMAIN-KEYWORD"
	case TypeIPCIDR:
		return "IP-CIDR"
	case TypeGeoIP:
		return "GEOIP"
	case TypeDstPort:
		return "DST-PORT"
	case TypeFinal:
		return "FINAL"
	default:
		return "UNKNOWN"
	}
}

// Serialize renders r back into its rule-file line form. Parsing the
// result yields a rule semantically equal to r.
func (r Rule) Serialize() string {
	if r.Type == TypeFinal {
		return "FINAL," + r.Action.String()
	}
	return typeToken(r.Type) + "," + r.Value + "," + r.Action.String()
}

// Parse reads TYPE,VALUE,ACTION lines (FINAL,ACTION for the terminal
// rule) from r. Blank lines and lines starting with "#" are ignored. An
// unknown TYPE token is skipped with a warning; a malformed line or
// unrecognized ACTION is likewise reported per-line through warn and
// skipped, so one bad line never rejects the rest of the file. If the
// source has no FINAL rule, one is synthesized as FINAL,DIRECT.
func Parse(r io.Reader, warn func(line int, msg string)) ([]Rule, error) {
	var out []Rule
	hasFinal := false
	sc := bufio.NewScanner(r)
	lineNo := 0

	report := func(line int, msg string) {
		if warn != nil {
			warn(line, msg)
		}
	}

	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if lineNo > maxRuleLines {
			report(lineNo, "rule file exceeds line budget, line ignored")
			continue
		}

		parts := strings.SplitN(line, ",", 3)
		typeTok := strings.ToUpper(strings.TrimSpace(parts[0]))

		if typeTok == "FINAL" {
			if len(parts) < 2 {
				report(lineNo, "FINAL requires an action")
				continue
			}
			action, err := ParseAction(strings.ToUpper(strings.TrimSpace(parts[1])))
			if err != nil {
				report(lineNo, err.Error())
				continue
			}
			if hasFinal {
				report(lineNo, "duplicate FINAL rule ignored")
				continue
			}
			out = append(out, Rule{Type: TypeFinal, Action: action, Line: lineNo})
			hasFinal = true
			continue
		}

		t, ok := typeTokens[typeTok]
		if !ok {
			report(lineNo, fmt.Sprintf("unknown rule type %q", parts[0]))
			continue
		}
		if len(parts) != 3 {
			report(lineNo, "expected TYPE,VALUE,ACTION")
			continue
		}

		value := strings.TrimSpace(parts[1])
		action, err := ParseAction(strings.ToUpper(strings.TrimSpace(parts[2])))
		if err != nil {
			report(lineNo, err.Error())
			continue
		}

		if t == TypeDstPort {
			if _, err := strconv.ParseUint(value, 10, 16); err != nil {
				report(lineNo, "invalid port "+value)
				continue
			}
		}

		out = append(out, Rule{Type: t, Value: value, Action: action, Line: lineNo})
	}
	if err := sc.Err(); err != nil {
		return nil, coreerr.Wrap(coreerr.RuleParse, "reading rule source", err)
	}

	if !hasFinal {
		out = append(out, Rule{Type: TypeFinal, Action: ActionDirect, Line: lineNo + 1})
	}
	return out, nil
}
