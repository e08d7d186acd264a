// Package nethttp implements the net/http capability.
/*
 * Copyright (c) 2026, Frogfish.io. All rights reserved.
 */
package nethttp

import (
	"bytes"
	"strconv"

	"github.com/frogfishio/zingcore/netsock"
)

var crlfcrlf = []byte("\r\n\r\n")

type hdr struct {
	name []byte // lowercased in place
	val  []byte
}

func findCRLF(p []byte) int { return bytes.Index(p, []byte("\r\n")) }

func containsCtlOrLF(p []byte) bool {
	for _, c := range p {
		if c == '\r' || c == '\n' {
			return true
		}
		if c < 0x20 && c != '\t' {
			return true
		}
	}
	return false
}

func lowerASCII(p []byte) {
	for i, c := range p {
		if c >= 'A' && c <= 'Z' {
			p[i] = c - 'A' + 'a'
		}
	}
}

func parseU64Dec(p []byte) (uint64, bool) {
	if len(p) == 0 {
		return 0, false
	}
	var v uint64
	for _, c := range p {
		if c < '0' || c > '9' {
			return 0, false
		}
		nv := v*10 + uint64(c-'0')
		if nv < v {
			return 0, false
		}
		v = nv
	}
	return v, true
}

// containsToken reports whether the comma-separated list p contains lit as
// a whole token (so "unchunked" does not match "chunked").
func containsToken(p []byte, lit string) bool {
	i := 0
	for i < len(p) {
		for i < len(p) && (p[i] == ',' || p[i] == ' ' || p[i] == '\t' || p[i] == '\r' || p[i] == '\n') {
			i++
		}
		if i >= len(p) {
			break
		}
		start := i
		for i < len(p) && p[i] != ',' && p[i] != ' ' && p[i] != '\t' && p[i] != '\r' && p[i] != '\n' && p[i] != ';' {
			i++
		}
		if eqFold(p[start:i], lit) {
			return true
		}
		for i < len(p) && p[i] != ',' {
			i++
		}
	}
	return false
}

func eqFold(p []byte, lit string) bool {
	if len(p) != len(lit) {
		return false
	}
	for i := 0; i < len(p); i++ {
		if lower(p[i]) != lower(lit[i]) {
			return false
		}
	}
	return true
}

func hasPrefixFold(p []byte, lit string) bool {
	return len(p) >= len(lit) && eqFold(p[:len(lit)], lit)
}

func indexFold(p []byte, lit string) int {
	if len(lit) == 0 || len(p) < len(lit) {
		return -1
	}
	for i := 0; i+len(lit) <= len(p); i++ {
		if eqFold(p[i:i+len(lit)], lit) {
			return i
		}
	}
	return -1
}

func lower(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c - 'A' + 'a'
	}
	return c
}

// parseHeaderBlock scans CRLF-delimited "name: value" lines in block
// (which includes the trailing CRLF of the last line; empty lines, such as
// a terminating blank line, are skipped). Names are lowercased in place.
func parseHeaderBlock(block []byte, maxCount uint32) (hdrs []hdr, ok bool) {
	pos := 0
	for pos < len(block) {
		rel := findCRLF(block[pos:])
		if rel < 0 {
			break
		}
		line := block[pos : pos+rel]
		pos += rel + 2
		if len(line) == 0 {
			continue
		}
		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			return nil, false
		}
		name := line[:colon]
		val := bytes.TrimLeft(line[colon+1:], " \t")
		val = bytes.TrimRight(val, " \t")
		if containsCtlOrLF(name) || containsCtlOrLF(val) {
			return nil, false
		}
		if uint32(len(hdrs)) >= maxCount {
			return nil, false
		}
		lowerASCII(name)
		hdrs = append(hdrs, hdr{name: name, val: val})
	}
	return hdrs, true
}

func reasonPhrase(code uint32) string {
	switch code {
	case 200:
		return "OK"
	case 201:
		return "Created"
	case 204:
		return "No Content"
	case 301:
		return "Moved Permanently"
	case 302:
		return "Found"
	case 400:
		return "Bad Request"
	case 401:
		return "Unauthorized"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 405:
		return "Method Not Allowed"
	case 413:
		return "Payload Too Large"
	case 500:
		return "Internal Server Error"
	case 501:
		return "Not Implemented"
	default:
		return "OK"
	}
}

// sendHTTPErrorBestEffort writes a raw HTTP error over a connection that
// never produced a request slot.
func sendHTTPErrorBestEffort(fd int, code uint32, reason, body string) {
	if fd < 0 {
		return
	}
	resp := "HTTP/1.1 " + strconv.FormatUint(uint64(code), 10) + " " + reason + "\r\n" +
		"content-type: text/plain\r\n" +
		"content-length: " + strconv.Itoa(len(body)) + "\r\n" +
		"connection: close\r\n\r\n" + body
	sendAll(fd, []byte(resp))
}

// sendAll retries on EINTR and waits for writability on EAGAIN.
func sendAll(fd int, p []byte) bool { return netsock.SendAll(fd, p) == nil }
