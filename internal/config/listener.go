package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Listener describes one bound socket parsed from the listener URL syntax
// scheme://[host]:port[/path?opt=val&...].
type Listener struct {
	Scheme string // http, https, ws, wss, sse, sses, tcp, tcps, unix, unixs
	Host   string
	Port   int
	Path   string // routing path prefix embedded in the URL, if any

	TLS      bool
	TLSDir   string // tls=dir query option
	CertFile string
	KeyFile  string
	Pass     string

	UnixPath string // set for unix/unixs schemes
}

// tlsSchemes maps each secure scheme to its plaintext twin.
var tlsSchemes = map[string]string{
	"https": "http",
	"wss":   "ws",
	"sses":  "sse",
	"tcps":  "tcp",
	"unixs": "unix",
}

var plainSchemes = map[string]bool{
	"http": true, "ws": true, "sse": true, "tcp": true, "unix": true,
}

// ParseListener parses raw as a listener URL. A bare host (no scheme) is
// treated as http://host:defaultPort for CLI convenience.
func ParseListener(raw string, defaultPort int) (Listener, error) {
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Listener{}, fmt.Errorf("config: invalid listener URL %q: %w", raw, err)
	}

	l := Listener{Scheme: u.Scheme, Path: u.Path}
	if _, secure := tlsSchemes[u.Scheme]; secure {
		l.TLS = true
	} else if !plainSchemes[u.Scheme] {
		return Listener{}, fmt.Errorf("config: unknown listener scheme %q", u.Scheme)
	}

	if u.Scheme == "unix" || u.Scheme == "unixs" {
		// unix:///var/run/app.sock puts the socket path in u.Path.
		l.UnixPath = u.Path
		l.Path = ""
		if l.UnixPath == "" {
			return Listener{}, fmt.Errorf("config: unix listener %q missing socket path", raw)
		}
	} else {
		l.Host = u.Hostname()
		if l.Host == "" {
			l.Host = "0.0.0.0"
		}
		if p := u.Port(); p != "" {
			n, err := strconv.Atoi(p)
			if err != nil {
				return Listener{}, fmt.Errorf("config: invalid port in %q", raw)
			}
			l.Port = n
		} else {
			l.Port = defaultPort
		}
	}

	q := u.Query()
	l.TLSDir = q.Get("tls")
	l.CertFile = q.Get("cert")
	l.KeyFile = q.Get("key")
	l.Pass = q.Get("pass")
	if l.TLSDir != "" || l.CertFile != "" {
		l.TLS = true
	}

	return l, nil
}

// Validate checks a listener for contradictions.
func (l Listener) Validate() error {
	if l.UnixPath == "" && (l.Port < 1 || l.Port > 65535) {
		return fmt.Errorf("config: listener %s has invalid port %d", l.Scheme, l.Port)
	}
	if l.CertFile != "" && l.KeyFile == "" {
		return fmt.Errorf("config: listener %s has cert without key", l.Scheme)
	}
	return nil
}

// Addr returns the host:port (or unix path) to bind.
func (l Listener) Addr() string {
	if l.UnixPath != "" {
		return l.UnixPath
	}
	return fmt.Sprintf("%s:%d", l.Host, l.Port)
}

// Network returns the net.Listen network argument for this listener.
func (l Listener) Network() string {
	if l.UnixPath != "" {
		return "unix"
	}
	return "tcp"
}

func (l Listener) String() string {
	return fmt.Sprintf("%s://%s", l.Scheme, l.Addr())
}
