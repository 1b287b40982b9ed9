package reqlog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/keithlinneman/jsongate/internal/httpmw"
	"github.com/keithlinneman/jsongate/internal/log"
	"github.com/keithlinneman/jsongate/internal/log/logtest"
)

func body(t *testing.T, e logtest.Entry) map[string]any {
	t.Helper()
	v, ok := e.Field("body")
	if !ok {
		t.Fatal("body not logged")
	}
	m, ok := v.(map[string]any)
	if !ok {
		t.Fatalf("body is %T", v)
	}
	return m
}

func TestLogIncoming_RedactsOnMarkedPaths(t *testing.T) {
	in := map[string]any{"password": "secret", "name": "a"}

	spy := logtest.New()
	New(spy).LogIncoming(context.Background(), httptest.NewRequest(http.MethodPost, "/register", nil), in)
	e, ok := spy.Find("New req")
	if !ok {
		t.Fatal("no record emitted")
	}
	got := body(t, e)
	if got["password"] != Mask || got["name"] != "a" {
		t.Fatalf("body = %v", got)
	}
	if in["password"] != "secret" {
		t.Fatal("caller's body was modified")
	}

	spy = logtest.New()
	New(spy).LogIncoming(context.Background(), httptest.NewRequest(http.MethodPost, "/other", nil), in)
	e, _ = spy.Find("New req")
	if got := body(t, e); got["password"] != "secret" {
		t.Fatalf("unmarked path should log clear body, got %v", got)
	}
}

func TestShouldRedact(t *testing.T) {
	tests := map[string]bool{
		"/register":          true,
		"/user/remove/1":     true,
		"/interactions":      true,
		"/api/preregistered": true,
		"/login":             false,
		"/":                  false,
		"/Register":          false,
		"/json":              false,
	}
	for path, want := range tests {
		if got := ShouldRedact(path); got != want {
			t.Errorf("ShouldRedact(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestRedact_OnlyTruthyTopLevelPassword(t *testing.T) {
	tests := []struct {
		name string
		in   map[string]any
		want any
	}{
		{"string", map[string]any{"password": "x"}, Mask},
		{"empty string", map[string]any{"password": ""}, ""},
		{"false", map[string]any{"password": false}, false},
		{"zero", map[string]any{"password": float64(0)}, float64(0)},
		{"number", map[string]any{"password": float64(7)}, Mask},
		{"null", map[string]any{"password": nil}, nil},
		{"object", map[string]any{"password": map[string]any{}}, Mask},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Redact(tt.in)["password"]
			if m, ok := tt.want.(string); ok {
				if got != m {
					t.Fatalf("password = %v, want %v", got, tt.want)
				}
				return
			}
			if got != tt.want {
				t.Fatalf("password = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRedact_NestedPasswordUntouched(t *testing.T) {
	in := map[string]any{"user": map[string]any{"password": "deep"}}
	out := Redact(in)
	inner := out["user"].(map[string]any)
	if inner["password"] != "deep" {
		t.Fatalf("nested password = %v", inner["password"])
	}
	inner["password"] = "changed"
	if in["user"].(map[string]any)["password"] != "deep" {
		t.Fatal("Redact did not deep-copy")
	}
}

func TestBuild(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/json?a[b]=1&c=2", nil)
	r = r.WithContext(httpmw.WithClientIP(r.Context(), "203.0.113.9"))

	rec, err := Build(r, nil)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Method != "GET" || rec.Path != "/json" || rec.IP != "203.0.113.9" {
		t.Fatalf("record = %+v", rec)
	}
	if rec.Query != `{"a":{"b":"1"},"c":"2"}` {
		t.Fatalf("query = %s", rec.Query)
	}
	if rec.Body != nil {
		t.Fatal("nil body should not be recorded")
	}
}

func TestBuild_BodyOnlyForNonEmptyMaps(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/x", nil)
	for _, b := range []any{nil, "text body", []any{"a"}, map[string]any{}} {
		rec, err := Build(r, b)
		if err != nil {
			t.Fatal(err)
		}
		if rec.Body != nil {
			t.Fatalf("body %v should not be recorded", b)
		}
		if _, ok := fieldOf(rec.KV(), "body"); ok {
			t.Fatalf("body key present for %v", b)
		}
	}
	if _, ok := fieldOf((Record{}).KV(), "query"); ok {
		t.Fatal("query key present without query string")
	}
}

func fieldOf(kv []any, key string) (any, bool) {
	return logtest.Entry{KV: kv}.Field(key)
}

func TestLogIncoming_BadQueryEscapeStillLogged(t *testing.T) {
	spy := logtest.New()
	r := httptest.NewRequest(http.MethodGet, "/json", nil)
	r.URL.RawQuery = "q=100%&a[b]=%zz"

	New(spy).LogIncoming(context.Background(), r, nil)

	e, ok := spy.Find("New req")
	if !ok {
		t.Fatalf("no record emitted, got %+v", spy.Entries())
	}
	for k, want := range map[string]any{"method": "GET", "path": "/json", "query": `{"a":{"b":"%zz"},"q":"100%"}`} {
		if got, _ := e.Field(k); got != want {
			t.Errorf("%s = %v, want %v", k, got, want)
		}
	}
	if _, ok := e.Field("ip"); !ok {
		t.Error("ip missing")
	}
	if _, ok := spy.Find("Middleware validation"); ok {
		t.Fatal("bad escape reported as a failure")
	}
}

type panicky struct{ *logtest.Spy }

func (p panicky) Info(context.Context, string, ...any) { panic("sink down") }

func TestLogIncoming_PanickingSinkIsSwallowed(t *testing.T) {
	spy := logtest.New()
	var L log.Logger = panicky{spy}

	New(L).LogIncoming(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil), nil)

	if _, ok := spy.Find("Middleware validation"); !ok {
		t.Fatal("panic not reported")
	}
}

func TestLogIncoming_UsesRequestScopedLogger(t *testing.T) {
	base, scoped := logtest.New(), logtest.New()
	ctx := log.WithContext(context.Background(), scoped)

	New(base).LogIncoming(ctx, httptest.NewRequest(http.MethodGet, "/", nil), nil)

	if len(base.Entries()) != 0 || scoped.Count("New req") != 1 {
		t.Fatalf("base=%d scoped=%d", len(base.Entries()), scoped.Count("New req"))
	}
}
