package router

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/ionrelay/ionrelay/internal/httpcodec"
)

// httpTimeFormat is RFC 1123 as used by If-Modified-Since/Last-Modified.
const httpTimeFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

// sidecarEncodings lists the pre-compressed sidecar extensions this server
// prefers, in preference order, matching the codec's "pre-compressed .gz/.br
// sidecar files preferred when present" rule.
var sidecarEncodings = []struct {
	ext      string
	encoding string
}{
	{".br", "br"},
	{".gz", "gzip"},
}

// onTheFlyGzipLimit caps the file size eligible for request-time gzip
// when no pre-compressed sidecar exists. Larger files are served raw so
// the zero-copy sendfile path stays available.
const onTheFlyGzipLimit = 512 * 1024

// ServeStatic resolves path against root (rejecting traversal outside of
// it), honors If-Modified-Since, If-None-Match, Range (single range only),
// and Accept-Encoding sidecar negotiation (with request-time gzip as a
// fallback for small compressible files), and writes the result through
// resp. It reports whether a response was written (false means "no such
// file", letting the caller fall back to a generic 404). maxAge > 0 adds a
// Cache-Control header.
func ServeStatic(root string, maxAge int, req *httpcodec.Request, resp *httpcodec.ResponseWriter) (bool, error) {
	cleanPath, ok := resolveWithinRoot(root, req.Path)
	if !ok {
		resp.Simple(403, httpcodec.Header{}, []byte("forbidden"))
		return true, nil
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("router: stat %s: %w", cleanPath, err)
	}
	if info.IsDir() {
		cleanPath = filepath.Join(cleanPath, "index.html")
		info, err = os.Stat(cleanPath)
		if err != nil {
			return false, nil
		}
	}

	servePath := cleanPath
	encoding := ""
	if acceptsEncoding(req.Header.Get("Accept-Encoding")) != nil {
		for _, sc := range sidecarEncodings {
			if !acceptsToken(req.Header.Get("Accept-Encoding"), sc.encoding) {
				continue
			}
			candidate := cleanPath + sc.ext
			if sInfo, err := os.Stat(candidate); err == nil && !sInfo.IsDir() {
				servePath = candidate
				encoding = sc.encoding
				break
			}
		}
	}

	etag := computeETag(info)
	if inm := req.Header.Get("If-None-Match"); inm != "" && inm == etag {
		resp.Simple(304, httpcodec.Header{"etag": {etag}}, nil)
		return true, nil
	}
	if ims := req.Header.Get("If-Modified-Since"); ims != "" {
		if t, err := parseHTTPDate(ims); err == nil && !info.ModTime().After(t) {
			resp.Simple(304, httpcodec.Header{"etag": {etag}}, nil)
			return true, nil
		}
	}

	f, err := os.Open(servePath)
	if err != nil {
		return false, fmt.Errorf("router: open %s: %w", servePath, err)
	}

	size := info.Size()
	if servePath != cleanPath {
		if sInfo, err := f.Stat(); err == nil {
			size = sInfo.Size()
		}
	}

	header := httpcodec.Header{
		"etag":          {etag},
		"content-type":  {contentTypeFor(cleanPath)},
		"accept-ranges": {"bytes"},
	}
	if encoding != "" {
		header["content-encoding"] = []string{encoding}
	}
	if maxAge > 0 {
		header["cache-control"] = []string{fmt.Sprintf("public, max-age=%d", maxAge)}
	}

	// No sidecar found: compress small compressible files at request time.
	if encoding == "" && req.Header.Get("Range") == "" &&
		acceptsToken(req.Header.Get("Accept-Encoding"), "gzip") &&
		compressible(cleanPath) && info.Size() <= onTheFlyGzipLimit {
		raw, err := os.ReadFile(servePath)
		f.Close()
		if err != nil {
			return false, fmt.Errorf("router: read %s: %w", servePath, err)
		}
		var out bytes.Buffer
		zw := gzip.NewWriter(&out)
		if _, err := zw.Write(raw); err == nil && zw.Close() == nil {
			header["content-encoding"] = []string{"gzip"}
			resp.Simple(200, header, out.Bytes())
			return true, nil
		}
		resp.Simple(200, header, raw)
		return true, nil
	}

	if rng := req.Header.Get("Range"); rng != "" {
		start, end, ok := parseSingleRange(rng, size)
		if !ok {
			f.Close()
			resp.Simple(416, httpcodec.Header{"content-range": {fmt.Sprintf("bytes */%d", size)}}, nil)
			return true, nil
		}
		header["content-range"] = []string{fmt.Sprintf("bytes %d-%d/%d", start, end, size)}
		resp.ServeFile(206, header, f, start, end-start+1)
		return true, nil
	}

	resp.ServeFile(200, header, f, 0, size)
	return true, nil
}

// resolveWithinRoot joins root and reqPath, rejecting any result that
// escapes root via ".." traversal.
func resolveWithinRoot(root, reqPath string) (string, bool) {
	cleaned := path.Clean("/" + reqPath)
	full := filepath.Join(root, filepath.FromSlash(cleaned))
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", false
	}
	fullAbs, err := filepath.Abs(full)
	if err != nil {
		return "", false
	}
	if fullAbs != rootAbs && !strings.HasPrefix(fullAbs, rootAbs+string(filepath.Separator)) {
		return "", false
	}
	return fullAbs, true
}

func acceptsEncoding(header string) []string {
	if header == "" {
		return nil
	}
	return strings.Split(header, ",")
}

func acceptsToken(header, token string) bool {
	for _, part := range strings.Split(header, ",") {
		name := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		if strings.EqualFold(name, token) {
			return true
		}
	}
	return false
}

// computeETag derives a strong ETag from mtime+size, per the codec's rule.
func computeETag(info fs.FileInfo) string {
	h := sha1.New()
	fmt.Fprintf(h, "%d-%d", info.ModTime().UnixNano(), info.Size())
	return `"` + hex.EncodeToString(h.Sum(nil))[:16] + `"`
}

func parseHTTPDate(s string) (time.Time, error) {
	return time.Parse(httpTimeFormat, s)
}

// parseSingleRange parses a `bytes=start-end` Range header value for a
// resource of the given size. Multi-range requests are not supported; any
// such header is treated as unsatisfiable, matching the codec's
// single-range-only rule.
func parseSingleRange(header string, size int64) (start, end int64, ok bool) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return 0, 0, false
	}
	spec := header[len(prefix):]
	if strings.Contains(spec, ",") {
		return 0, 0, false
	}
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}

	if parts[0] == "" {
		// suffix range: last N bytes
		n, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, false
		}
		if n > size {
			n = size
		}
		return size - n, size - 1, true
	}

	start, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || start < 0 || start >= size {
		return 0, 0, false
	}
	if parts[1] == "" {
		return start, size - 1, true
	}
	end, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil || end < start {
		return 0, 0, false
	}
	if end >= size {
		end = size - 1
	}
	return start, end, true
}

// compressible reports whether a file's type benefits from gzip.
func compressible(filePath string) bool {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".html", ".htm", ".css", ".js", ".json", ".svg", ".txt", ".xml", ".wasm":
		return true
	default:
		return false
	}
}

func contentTypeFor(filePath string) string {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".html", ".htm":
		return "text/html; charset=utf-8"
	case ".css":
		return "text/css; charset=utf-8"
	case ".js":
		return "application/javascript; charset=utf-8"
	case ".json":
		return "application/json; charset=utf-8"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".svg":
		return "image/svg+xml"
	case ".wasm":
		return "application/wasm"
	default:
		return "application/octet-stream"
	}
}
