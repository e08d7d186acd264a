// Package nethttp implements the net/http capability.
/*
 * Copyright (c) 2026, Frogfish.io. All rights reserved.
 */
package nethttp

import (
	"bytes"
	"strings"
	"testing"

	"github.com/frogfishio/zingcore/core"
)

func TestChunkedDecode(t *testing.T) {
	cs := newChunkedStream(-1, []byte("5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n"), 65536, false)
	var got []byte
	buf := make([]byte, 3) // force many small reads
	for {
		n, err := cs.Read(buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if n == 0 {
			break
		}
		got = append(got, buf[:n]...)
	}
	if string(got) != "hello world" {
		t.Fatalf("decoded %q", got)
	}
	// EOF is sticky.
	if n, err := cs.Read(buf); n != 0 || err != nil {
		t.Fatalf("post-EOF read: %d %v", n, err)
	}
}

func TestChunkedDecodeWithTrailers(t *testing.T) {
	cs := newChunkedStream(-1, []byte("4\r\nabcd\r\n0\r\nx-trailer: v\r\n\r\n"), 65536, false)
	buf := make([]byte, 16)
	n, err := cs.Read(buf)
	if err != nil || string(buf[:n]) != "abcd" {
		t.Fatalf("read: %d %v", n, err)
	}
	if n, err := cs.Read(buf); n != 0 || err != nil {
		t.Fatalf("expected EOF after trailers: %d %v", n, err)
	}
}

func TestChunkedMalformedSizeLine(t *testing.T) {
	cs := newChunkedStream(-1, []byte("zz\r\nhello\r\n"), 65536, false)
	if _, err := cs.Read(make([]byte, 8)); core.Code(err) != core.EInvalid {
		t.Fatalf("expected EInvalid, got %v", err)
	}
}

func TestParseChunkSizeLine(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want uint64
		ok   bool
	}{
		{"0", 0, true},
		{"5", 5, true},
		{"ff", 255, true},
		{"FF", 255, true},
		{"5;ext=1", 5, true},
		{"", 0, false},
		{";", 0, false},
		{"g5", 0, false},
	} {
		got, ok := parseChunkSizeLine([]byte(tc.in))
		if ok != tc.ok || (ok && got != tc.want) {
			t.Errorf("parseChunkSizeLine(%q) = %d,%v", tc.in, got, ok)
		}
	}
}

func mpBody(boundary string, parts ...[2]string) []byte {
	var b bytes.Buffer
	for _, p := range parts {
		b.WriteString("--" + boundary + "\r\n")
		b.WriteString(p[0]) // header block
		b.WriteString("\r\n")
		b.WriteString(p[1]) // body
		b.WriteString("\r\n")
	}
	b.WriteString("--" + boundary + "--\r\n")
	return b.Bytes()
}

func defaultMpLimits() *Limits {
	return &Limits{
		MpMaxParts:         128,
		MpMaxHeaderBytes:   16384,
		MpMaxHeaderCount:   64,
		MpMaxNameBytes:     256,
		MpMaxFilenameBytes: 1024,
	}
}

func TestMultipartTwoParts(t *testing.T) {
	body := mpBody("XBOUND",
		[2]string{"Content-Disposition: form-data; name=\"a\"\r\n", "hello"},
		[2]string{"Content-Disposition: form-data; name=\"b\"; filename=\"x.txt\"\r\nContent-Type: text/plain\r\n", "world"},
	)
	bs := newBodyStream(-1, 0, body, false)
	it := newMpIter(bs, defaultMpLimits(), []byte("XBOUND"))

	if !it.consumeBoundary(true) {
		t.Fatal("first boundary")
	}
	it.started = true

	meta, ok := it.parseHeaders()
	if !ok || string(meta.name) != "a" || meta.filename != nil {
		t.Fatalf("part 1 meta: %+v ok=%v", meta, ok)
	}
	part := &mpPart{it: it}
	it.partOpen = true
	var got []byte
	buf := make([]byte, 2)
	for {
		n, err := part.Read(buf)
		if err != nil {
			t.Fatal(err)
		}
		if n == 0 {
			break
		}
		got = append(got, buf[:n]...)
	}
	if string(got) != "hello" {
		t.Fatalf("part 1 body: %q", got)
	}
	part.End()

	if !it.consumeBoundary(false) {
		t.Fatal("second boundary")
	}
	it.needBoundary = false
	meta, ok = it.parseHeaders()
	if !ok || string(meta.name) != "b" || string(meta.filename) != "x.txt" || string(meta.ctype) != "text/plain" {
		t.Fatalf("part 2 meta: name=%q filename=%q ctype=%q", meta.name, meta.filename, meta.ctype)
	}
	part = &mpPart{it: it}
	got = got[:0]
	for {
		n, err := part.Read(buf)
		if err != nil {
			t.Fatal(err)
		}
		if n == 0 {
			break
		}
		got = append(got, buf[:n]...)
	}
	if string(got) != "world" {
		t.Fatalf("part 2 body: %q", got)
	}
	part.End()

	if !it.consumeBoundary(false) {
		t.Fatal("final boundary")
	}
	if !it.done {
		t.Fatal("iterator not done after final boundary")
	}
}

// The held-back tail must make a split delimiter invisible to the guest no
// matter how reads are sized.
func TestMultipartSplitDelimiter(t *testing.T) {
	content := strings.Repeat("A\r\n--XB", 37) + "tail"
	body := mpBody("XBOUND", [2]string{"Content-Disposition: form-data; name=\"a\"\r\n", content})
	for readSize := 1; readSize <= 13; readSize += 3 {
		bs := newBodyStream(-1, 0, body, false)
		it := newMpIter(bs, defaultMpLimits(), []byte("XBOUND"))
		if !it.consumeBoundary(true) {
			t.Fatal("first boundary")
		}
		it.started = true
		if _, ok := it.parseHeaders(); !ok {
			t.Fatal("headers")
		}
		part := &mpPart{it: it}
		var got []byte
		buf := make([]byte, readSize)
		for {
			n, err := part.Read(buf)
			if err != nil {
				t.Fatal(err)
			}
			if n == 0 {
				break
			}
			got = append(got, buf[:n]...)
		}
		if string(got) != content {
			t.Fatalf("readSize=%d: got %d bytes, want %d", readSize, len(got), len(content))
		}
		if bytes.Contains(got, []byte("\r\n--XBOUND")) {
			t.Fatalf("readSize=%d: delimiter leaked", readSize)
		}
	}
}

func TestMultipartBoundaryParam(t *testing.T) {
	for _, tc := range []struct {
		ct   string
		want string
		ok   bool
	}{
		{"multipart/form-data; boundary=XYZ", "XYZ", true},
		{"multipart/form-data; boundary=\"Q Z\"", "Q Z", true},
		{"Multipart/Form-Data; BOUNDARY=abc", "abc", true},
		{"multipart/form-data", "", false},
		{"text/plain; boundary=XYZ", "", false},
		{"multipart/form-data; boundary=", "", false},
	} {
		got, ok := multipartBoundary([]byte(tc.ct))
		if ok != tc.ok || (ok && string(got) != tc.want) {
			t.Errorf("multipartBoundary(%q) = %q,%v", tc.ct, got, ok)
		}
	}
}

func TestParseHTTPURL(t *testing.T) {
	for _, tc := range []struct {
		url        string
		host       string
		port       uint32
		path, auth string
		ok         bool
	}{
		{"http://h", "h", 80, "/", "h", true},
		{"http://h:8080/p?q=1", "h", 8080, "/p?q=1", "h:8080", true},
		{"http://h/p#frag", "h", 80, "/p", "h", true},
		{"http://h?x=1", "h", 80, "/?x=1", "h", true},
		{"http://[::1]:9000/a", "::1", 9000, "/a", "[::1]:9000", true},
		{"http://[::1]", "::1", 80, "/", "[::1]", true},
		{"https://h/", "", 0, "", "", false},
		{"http://user@h/", "", 0, "", "", false},
		{"http://h:0/", "", 0, "", "", false},
		{"http://h:bad/", "", 0, "", "", false},
		{"http://", "", 0, "", "", false},
	} {
		host, port, path, auth, ok := parseHTTPURL([]byte(tc.url))
		if ok != tc.ok {
			t.Errorf("parseHTTPURL(%q) ok=%v", tc.url, ok)
			continue
		}
		if !ok {
			continue
		}
		if host != tc.host || port != tc.port || path != tc.path || auth != tc.auth {
			t.Errorf("parseHTTPURL(%q) = %q %d %q %q", tc.url, host, port, path, auth)
		}
	}
}

func TestContainsToken(t *testing.T) {
	if !containsToken([]byte("gzip, chunked"), "chunked") {
		t.Error("missed token")
	}
	if containsToken([]byte("unchunked"), "chunked") {
		t.Error("substring false positive")
	}
	if !containsToken([]byte("CHUNKED;q=1"), "chunked") {
		t.Error("case/params")
	}
}
