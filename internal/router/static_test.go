package router

import "testing"

func TestParseSingleRange(t *testing.T) {
	cases := []struct {
		header             string
		size               int64
		wantStart, wantEnd int64
		wantOK             bool
	}{
		{"bytes=0-99", 1000, 0, 99, true},
		{"bytes=500-", 1000, 500, 999, true},
		{"bytes=-100", 1000, 900, 999, true},
		{"bytes=0-2000", 1000, 0, 999, true},
		{"bytes=1000-1001", 1000, 0, 0, false},
		{"bytes=0-99,200-299", 1000, 0, 0, false},
		{"notbytes=0-99", 1000, 0, 0, false},
	}
	for _, c := range cases {
		start, end, ok := parseSingleRange(c.header, c.size)
		if ok != c.wantOK {
			t.Fatalf("parseSingleRange(%q, %d) ok = %v, want %v", c.header, c.size, ok, c.wantOK)
		}
		if ok && (start != c.wantStart || end != c.wantEnd) {
			t.Fatalf("parseSingleRange(%q, %d) = %d,%d want %d,%d", c.header, c.size, start, end, c.wantStart, c.wantEnd)
		}
	}
}

func TestResolveWithinRootRejectsTraversal(t *testing.T) {
	root := t.TempDir()
	if _, ok := resolveWithinRoot(root, "../../etc/passwd"); ok {
		t.Fatalf("expected traversal to be rejected")
	}
	if _, ok := resolveWithinRoot(root, "/safe/path.txt"); !ok {
		t.Fatalf("expected a normal path to resolve")
	}
}

func TestContentTypeFor(t *testing.T) {
	if ct := contentTypeFor("index.html"); ct != "text/html; charset=utf-8" {
		t.Fatalf("contentTypeFor(index.html) = %q", ct)
	}
	if ct := contentTypeFor("data.bin"); ct != "application/octet-stream" {
		t.Fatalf("contentTypeFor(data.bin) = %q", ct)
	}
}
