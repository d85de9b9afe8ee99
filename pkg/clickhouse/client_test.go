package clickhouse

import (
	"net/url"
	"testing"
	"time"
)

func TestBuildDSN(t *testing.T) {
	cfg := defaultConfig()
	for _, opt := range []ClientOption{
		WithHost("ch.local"),
		WithPort(9440),
		WithDatabase("candlecache"),
		WithCredentials("svc", "p@ss"),
		WithTimeouts(2*time.Second, 0, 0),
		WithMaxExecutionTime(90 * time.Second),
		WithAsyncInsert(true, true),
	} {
		opt(&cfg)
	}

	u, err := url.Parse(buildDSN(cfg))
	if err != nil {
		t.Fatalf("parse dsn: %v", err)
	}
	if u.Scheme != "clickhouse" || u.Host != "ch.local:9440" || u.Path != "/candlecache" {
		t.Fatalf("unexpected dsn %s", u)
	}
	if pw, _ := u.User.Password(); u.User.Username() != "svc" || pw != "p@ss" {
		t.Fatalf("credentials not preserved: %s", u.User)
	}
	q := u.Query()
	want := map[string]string{
		"dial_timeout":          "2s",
		"read_timeout":          "10s",
		"max_execution_time":    "90",
		"async_insert":          "1",
		"wait_for_async_insert": "1",
	}
	for k, v := range want {
		if got := q.Get(k); got != v {
			t.Fatalf("%s = %q, want %q", k, got, v)
		}
	}
	if q.Has("write_timeout") {
		t.Fatalf("write_timeout must not be sent to the server")
	}
}

func TestBuildDSNHTTP(t *testing.T) {
	cfg := defaultConfig()
	WithHost("localhost")(&cfg)
	WithHTTP(true)(&cfg)
	WithAsyncInsert(false, true)(&cfg)

	u, err := url.Parse(buildDSN(cfg))
	if err != nil {
		t.Fatalf("parse dsn: %v", err)
	}
	if u.Scheme != "http" {
		t.Fatalf("scheme = %s", u.Scheme)
	}
	if u.Query().Has("wait_for_async_insert") {
		t.Fatalf("wait flag set without async_insert")
	}
}

func TestNewClientRequiresHost(t *testing.T) {
	if _, err := NewClient(WithHost("")); err == nil {
		t.Fatalf("expected error for empty host")
	}
}
