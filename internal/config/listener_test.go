package config

import "testing"

func TestParseListener(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Listener
		wantErr bool
	}{
		{
			name: "plain http",
			raw:  "http://0.0.0.0:3000",
			want: Listener{Scheme: "http", Host: "0.0.0.0", Port: 3000},
		},
		{
			name: "wss is TLS",
			raw:  "wss://example.com:443",
			want: Listener{Scheme: "wss", Host: "example.com", Port: 443, TLS: true},
		},
		{
			name: "bare host gets default scheme and port",
			raw:  "127.0.0.1",
			want: Listener{Scheme: "http", Host: "127.0.0.1", Port: 8080},
		},
		{
			name: "tls dir query option",
			raw:  "http://0.0.0.0:3000?tls=/etc/certs",
			want: Listener{Scheme: "http", Host: "0.0.0.0", Port: 3000, TLS: true, TLSDir: "/etc/certs"},
		},
		{
			name: "cert and key query options",
			raw:  "https://0.0.0.0:443?cert=server.pem&key=server.key&pass=hunter2",
			want: Listener{Scheme: "https", Host: "0.0.0.0", Port: 443, TLS: true,
				CertFile: "server.pem", KeyFile: "server.key", Pass: "hunter2"},
		},
		{
			name: "unix socket",
			raw:  "unix:///tmp/app.sock",
			want: Listener{Scheme: "unix", UnixPath: "/tmp/app.sock"},
		},
		{
			name:    "unknown scheme rejected",
			raw:     "gopher://0.0.0.0:70",
			wantErr: true,
		},
		{
			name:    "unix without path rejected",
			raw:     "unix://",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseListener(tt.raw, 8080)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseListener(%q) expected error, got %+v", tt.raw, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseListener(%q): %v", tt.raw, err)
			}
			if got != tt.want {
				t.Errorf("ParseListener(%q) = %+v, want %+v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestListenerAddr(t *testing.T) {
	l := Listener{Scheme: "http", Host: "127.0.0.1", Port: 3000}
	if got := l.Addr(); got != "127.0.0.1:3000" {
		t.Errorf("Addr() = %q", got)
	}
	if got := l.Network(); got != "tcp" {
		t.Errorf("Network() = %q", got)
	}

	u := Listener{Scheme: "unix", UnixPath: "/tmp/x.sock"}
	if got := u.Addr(); got != "/tmp/x.sock" {
		t.Errorf("unix Addr() = %q", got)
	}
	if got := u.Network(); got != "unix" {
		t.Errorf("unix Network() = %q", got)
	}
}
