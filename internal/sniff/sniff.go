// Package sniff resolves the domain name carried by a flow's first data
// segment, for rules that key off DOMAIN when the flow was opened by IP
// address. It looks for a TLS ClientHello SNI extension or a plaintext
// HTTP Host header, parsing just enough of either wire format to pull
// out the hostname.
package sniff

import (
	"bufio"
	"bytes"
	"net"
	"net/http"
)

// DefaultBudget bounds how many bytes of a flow's first segment are
// buffered before sniffing gives up and lets the flow proceed
// unclassified-by-domain.
const DefaultBudget = 4096

// Domain attempts to extract a destination hostname from the first
// bytes of a flow's payload. ok is false if neither a TLS ClientHello
// SNI nor an HTTP Host header could be found in data.
func Domain(data []byte) (host string, ok bool) {
	if host := ExtractSNI(data); host != "" {
		return host, true
	}
	if host := extractHTTPHost(data); host != "" {
		return host, true
	}
	return "", false
}

// ExtractSNI parses a TLS ClientHello message and returns the SNI
// hostname, or "" if data is not a ClientHello or carries no SNI.
func ExtractSNI(data []byte) string {
	if len(data) < 5 {
		return ""
	}
	if data[0] != 0x16 {
		return ""
	}

	recordLen := int(data[3])<<8 | int(data[4])
	if len(data) < 5+recordLen {
		return ""
	}
	hs := data[5 : 5+recordLen]

	if len(hs) < 1 || hs[0] != 0x01 {
		return ""
	}
	if len(hs) < 4 {
		return ""
	}
	hsLen := int(hs[1])<<16 | int(hs[2])<<8 | int(hs[3])
	if len(hs) < 4+hsLen {
		return ""
	}
	ch := hs[4 : 4+hsLen]

	pos := 0
	pos += 2 + 32 // client_version + random
	if pos >= len(ch) {
		return ""
	}

	sessionIDLen := int(ch[pos])
	pos += 1 + sessionIDLen
	if pos+2 > len(ch) {
		return ""
	}

	cipherSuitesLen := int(ch[pos])<<8 | int(ch[pos+1])
	pos += 2 + cipherSuitesLen
	if pos+1 > len(ch) {
		return ""
	}

	compressionLen := int(ch[pos])
	pos += 1 + compressionLen
	if pos+2 > len(ch) {
		return ""
	}

	extensionsLen := int(ch[pos])<<8 | int(ch[pos+1])
	pos += 2
	if pos+extensionsLen > len(ch) {
		return ""
	}

	return parseSNIExtension(ch[pos : pos+extensionsLen])
}

func parseSNIExtension(data []byte) string {
	pos := 0
	for pos+4 <= len(data) {
		extType := int(data[pos])<<8 | int(data[pos+1])
		extLen := int(data[pos+2])<<8 | int(data[pos+3])
		pos += 4

		if pos+extLen > len(data) {
			return ""
		}
		if extType == 0 {
			return parseSNIPayload(data[pos : pos+extLen])
		}
		pos += extLen
	}
	return ""
}

func parseSNIPayload(data []byte) string {
	if len(data) < 2 {
		return ""
	}
	listLen := int(data[0])<<8 | int(data[1])
	if len(data) < 2+listLen {
		return ""
	}
	list := data[2 : 2+listLen]

	pos := 0
	for pos+3 <= len(list) {
		nameType := list[pos]
		nameLen := int(list[pos+1])<<8 | int(list[pos+2])
		pos += 3

		if pos+nameLen > len(list) {
			return ""
		}
		if nameType == 0 {
			return string(list[pos : pos+nameLen])
		}
		pos += nameLen
	}
	return ""
}

// extractHTTPHost parses data as an HTTP/1.x request line plus headers
// and returns the Host header, or "" if data does not look like a
// plaintext HTTP request.
func extractHTTPHost(data []byte) string {
	if !looksLikeHTTPRequest(data) {
		return ""
	}
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(data)))
	if err != nil || req == nil {
		return ""
	}
	host := req.Host
	if host == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

var httpMethods = [][]byte{
	[]byte("GET "), []byte("POST "), []byte("HEAD "), []byte("PUT "),
	[]byte("DELETE "), []byte("OPTIONS "), []byte("CONNECT "), []byte("PATCH "),
}

func looksLikeHTTPRequest(data []byte) bool {
	for _, m := range httpMethods {
		if bytes.HasPrefix(data, m) {
			return true
		}
	}
	return false
}
