package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/keithlinneman/jsongate/internal/apperr"
	"github.com/keithlinneman/jsongate/internal/audit"
	"github.com/keithlinneman/jsongate/internal/respond"
)

type sinkSpy struct {
	calls int
	err   error
}

func (s *sinkSpy) Handle(w http.ResponseWriter, _ *http.Request, err error) {
	s.calls++
	s.err = err
	w.WriteHeader(599)
}

// okHandler records that it ran and the body it saw.
type okHandler struct {
	ran  bool
	body any
}

func (h *okHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.ran = true
	h.body = Body(r.Context())
	w.WriteHeader(http.StatusOK)
}

func serve(p *Pipeline, next http.Handler, r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	p.Then(next).ServeHTTP(rec, r)
	return rec
}

func stage(name string, trail *[]string, err error) Stage {
	return StageFunc{StageName: name, Fn: func(*Exchange) error {
		*trail = append(*trail, name)
		return err
	}}
}

func TestPipeline_RunsStagesInOrder(t *testing.T) {
	var trail []string
	h := &okHandler{}
	p := New(&sinkSpy{}, stage("a", &trail, nil), stage("b", &trail, nil), stage("c", &trail, nil))

	rec := serve(p, h, httptest.NewRequest(http.MethodGet, "/", nil))

	if !reflect.DeepEqual(trail, []string{"a", "b", "c"}) {
		t.Fatalf("trail = %v", trail)
	}
	if !h.ran || rec.Code != 200 {
		t.Fatalf("handler ran=%v code=%d", h.ran, rec.Code)
	}
}

func TestPipeline_FailureShortCircuits(t *testing.T) {
	var trail []string
	h := &okHandler{}
	sink := &sinkSpy{}
	boom := errors.New("boom")
	p := New(sink, stage("a", &trail, nil), stage("b", &trail, boom), stage("c", &trail, nil))

	rec := serve(p, h, httptest.NewRequest(http.MethodGet, "/", nil))

	if !reflect.DeepEqual(trail, []string{"a", "b"}) {
		t.Fatalf("trail = %v", trail)
	}
	if h.ran {
		t.Fatal("handler ran after failure")
	}
	if sink.calls != 1 || !errors.Is(sink.err, boom) || rec.Code != 599 {
		t.Fatalf("sink calls=%d err=%v code=%d", sink.calls, sink.err, rec.Code)
	}
}

func TestPipeline_ErrRespondedStopsSilently(t *testing.T) {
	var trail []string
	h := &okHandler{}
	sink := &sinkSpy{}
	p := New(sink, stage("a", &trail, ErrResponded), stage("b", &trail, nil))

	serve(p, h, httptest.NewRequest(http.MethodGet, "/", nil))

	if h.ran || sink.calls != 0 || len(trail) != 1 {
		t.Fatalf("ran=%v sink=%d trail=%v", h.ran, sink.calls, trail)
	}
}

func TestPipeline_OnFinishRunsAfterHandlerInReverse(t *testing.T) {
	var order []string
	reg := func(name string) Stage {
		return StageFunc{StageName: name, Fn: func(ex *Exchange) error {
			ex.OnFinish(func() { order = append(order, name+":"+http.StatusText(ex.Status())) })
			return nil
		}}
	}
	h := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		order = append(order, "handler")
		w.WriteHeader(http.StatusAccepted)
	})

	serve(New(&sinkSpy{}, reg("first"), reg("second")), h, httptest.NewRequest(http.MethodGet, "/", nil))

	want := []string{"handler", "second:Accepted", "first:Accepted"}
	if !reflect.DeepEqual(order, want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
}

func TestNew_PanicsOnNilWiring(t *testing.T) {
	for name, fn := range map[string]func(){
		"nil sink":  func() { New(nil) },
		"nil stage": func() { New(&sinkSpy{}, nil) },
	} {
		t.Run(name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Fatal("expected panic")
				}
			}()
			fn()
		})
	}
}

func TestStandardStages_Order(t *testing.T) {
	p := New(&sinkSpy{}, StandardStages(Options{})...)
	want := []string{"json", "urlencoded", "text", "multipart", "cookies", "cors", "audit", "reqlog"}
	if got := p.Names(); !reflect.DeepEqual(got, want) {
		t.Fatalf("stages = %v, want %v", got, want)
	}
}

// standard runs the full production pipeline with the real responder.
func standard(t *testing.T, opts Options, next http.Handler, r *http.Request) (*httptest.ResponseRecorder, respond.Envelope) {
	t.Helper()
	rec := httptest.NewRecorder()
	Standard(respond.New(respond.Options{}), opts).Then(next).ServeHTTP(rec, r)
	var env respond.Envelope
	if rec.Code >= 400 {
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
			t.Fatalf("decode envelope %q: %v", rec.Body.String(), err)
		}
	}
	return rec, env
}

func jsonReq(body string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/json", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json; charset=utf-8")
	return r
}

func TestJSON(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   string
		wantBody   any
	}{
		{"object", `{"a":1,"b":[true]}`, 200, "", map[string]any{"a": float64(1), "b": []any{true}}},
		{"array", ` [1,2]`, 200, "", []any{float64(1), float64(2)}},
		{"empty body", "", 200, "", nil},
		{"whitespace only", "  \n", 200, "", nil},
		{"bad token", `{bad}`, 400, "IncorrectDataType", nil},
		{"trailing garbage", `{"a":1} x`, 400, "IncorrectDataType", nil},
		{"primitive top level", `"just a string"`, 400, "IncorrectDataType", nil},
		{"truncated", `{"a":`, 500, "InternalError", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &okHandler{}
			rec, env := standard(t, Options{}, h, jsonReq(tt.body))
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if env.Code != tt.wantCode {
				t.Fatalf("code = %q, want %q", env.Code, tt.wantCode)
			}
			if tt.wantStatus == 200 && !reflect.DeepEqual(h.body, tt.wantBody) {
				t.Fatalf("body = %#v, want %#v", h.body, tt.wantBody)
			}
		})
	}
}

func TestJSON_OversizeIsIncorrectDataType(t *testing.T) {
	body := `{"pad":"` + strings.Repeat("x", DefaultJSONLimit) + `"}`
	h := &okHandler{}
	rec, env := standard(t, Options{}, h, jsonReq(body))

	if rec.Code != 400 || env.Code != "IncorrectDataType" {
		t.Fatalf("status %d code %q", rec.Code, env.Code)
	}
	if h.ran {
		t.Fatal("handler ran")
	}
}

func TestJSON_OversizeWithoutContentLength(t *testing.T) {
	r := jsonReq(`[` + strings.Repeat("1,", 40) + `1]`)
	r.ContentLength = -1
	rec, env := standard(t, Options{JSONLimit: 16}, &okHandler{}, r)
	if rec.Code != 400 || env.Code != "IncorrectDataType" {
		t.Fatalf("status %d code %q", rec.Code, env.Code)
	}
}

func TestJSON_Messages(t *testing.T) {
	_, err := decodeJSON([]byte(`{"a":1,}`))
	var c *apperr.Captured
	if !errors.As(err, &c) || c.Name != apperr.SyntaxErrorName {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(c.Message, respond.NotJSONMarker) || !strings.HasPrefix(c.Message, "Unexpected token '}'") {
		t.Fatalf("message = %q", c.Message)
	}

	_, err = decodeJSON([]byte(`[1,2`))
	if !errors.As(err, &c) || c.Message != "Unexpected end of JSON input" {
		t.Fatalf("truncated err = %v", err)
	}
}

func TestJSON_IgnoresOtherContentTypes(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/json", strings.NewReader(`{bad}`))
	r.Header.Set("Content-Type", "application/octet-stream")
	h := &okHandler{}
	rec, _ := standard(t, Options{}, h, r)
	if rec.Code != 200 || h.body != nil {
		t.Fatalf("status %d body %v", rec.Code, h.body)
	}
}

func formReq(body string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/url", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return r
}

func TestURLEncoded(t *testing.T) {
	h := &okHandler{}
	rec, _ := standard(t, Options{}, h, formReq("user[name]=ann&tags[]=a&tags[]=b"))
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	want := map[string]any{
		"user": map[string]any{"name": "ann"},
		"tags": []any{"a", "b"},
	}
	if !reflect.DeepEqual(h.body, want) {
		t.Fatalf("body = %#v", h.body)
	}
}

func TestURLEncoded_Failures(t *testing.T) {
	rec, env := standard(t, Options{FormLimit: 8}, &okHandler{}, formReq("a=0123456789"))
	if rec.Code != 413 || env.Code != "PayloadTooLarge" {
		t.Fatalf("oversize: status %d code %q", rec.Code, env.Code)
	}

	rec, env = standard(t, Options{}, &okHandler{}, formReq("a=%zz"))
	if rec.Code != 500 || env.Code != "InternalError" {
		t.Fatalf("bad escape: status %d code %q", rec.Code, env.Code)
	}
}

func TestText(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("hello"))
	r.Header.Set("Content-Type", "text/plain")
	h := &okHandler{}
	standard(t, Options{}, h, r)
	if h.body != "hello" {
		t.Fatalf("body = %#v", h.body)
	}

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader("too long for the cap"))
	r.Header.Set("Content-Type", "text/plain")
	rec, env := standard(t, Options{TextLimit: 4}, &okHandler{}, r)
	if rec.Code != 413 || env.Code != "PayloadTooLarge" {
		t.Fatalf("status %d code %q", rec.Code, env.Code)
	}
}

func TestBodyAlreadyParsedIsNotReparsed(t *testing.T) {
	r := jsonReq(`{bad}`)
	r = r.WithContext(WithBody(r.Context(), "preset"))
	h := &okHandler{}
	rec, _ := standard(t, Options{}, h, r)
	if rec.Code != 200 || h.body != "preset" {
		t.Fatalf("status %d body %v", rec.Code, h.body)
	}
}

func multipartReq(t *testing.T, fields map[string]string, files map[string][]byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	for name, data := range files {
		fw, err := mw.CreateFormFile("upload", name)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = fw.Write(data)
	}
	_ = mw.Close()
	r := httptest.NewRequest(http.MethodPost, "/upload", &buf)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	return r
}

func TestMultipart(t *testing.T) {
	var files map[string][]*File
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		files = Files(r.Context())
		if b, _ := Body(r.Context()).(map[string]any); b["title"] != "report" {
			t.Errorf("fields = %v", Body(r.Context()))
		}
	})
	r := multipartReq(t, map[string]string{"title": "report"}, map[string][]byte{"a.txt": []byte("12345")})
	rec, _ := standard(t, Options{FileLimit: 8}, h, r)

	if rec.Code != 200 {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
	}
	up := files["upload"]
	if len(up) != 1 || up[0].Name != "a.txt" || up[0].Size != 5 || string(up[0].Data) != "12345" {
		t.Fatalf("files = %+v", up)
	}
}

func TestMultipart_OversizeFileFails(t *testing.T) {
	h := &okHandler{}
	r := multipartReq(t, nil, map[string][]byte{"big.bin": bytes.Repeat([]byte("x"), 9)})
	rec, env := standard(t, Options{FileLimit: 8}, h, r)

	if rec.Code != 413 || env.Code != "FileTooLarge" {
		t.Fatalf("status %d code %q", rec.Code, env.Code)
	}
	if h.ran {
		t.Fatal("handler ran with truncated upload")
	}
}

func TestCookies(t *testing.T) {
	var got map[string]any
	h := http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) { got = Cookies(r.Context()) })
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Cookie", `sid=abc; prefs=j%3A%7B%22dark%22%3Atrue%7D; broken=j:{nope; sid=second; sp=a%20b`)

	standard(t, Options{}, h, r)

	want := map[string]any{
		"sid":    "abc",
		"prefs":  map[string]any{"dark": true},
		"broken": "j:{nope",
		"sp":     "a b",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("cookies = %#v", got)
	}
}

func TestCORS(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<p>"))
	})
	rec, _ := standard(t, Options{}, h, httptest.NewRequest(http.MethodGet, "/", nil))

	want := map[string]string{
		"Access-Control-Allow-Origin":      "*",
		"Access-Control-Allow-Credentials": "true",
		"Access-Control-Allow-Headers":     AllowHeaders,
		"Vary":                             "Origin",
		"Content-Type":                     respond.ContentType,
	}
	for k, v := range want {
		if got := rec.Header().Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
}

func TestCORS_Preflight(t *testing.T) {
	r := httptest.NewRequest(http.MethodOptions, "/json", nil)
	r.Header.Set("Origin", "https://example.org")
	r.Header.Set("Access-Control-Request-Method", "POST")
	h := &okHandler{}

	rec, _ := standard(t, Options{}, h, r)

	if rec.Code != http.StatusNoContent || h.ran {
		t.Fatalf("status %d handler ran %v", rec.Code, h.ran)
	}
	if rec.Header().Get("Access-Control-Allow-Methods") != AllowMethods {
		t.Fatalf("allow methods = %q", rec.Header().Get("Access-Control-Allow-Methods"))
	}
}

type auditSpy struct {
	mu    sync.Mutex
	resps []audit.Response
	paths []string
}

func (a *auditSpy) Audit(_ context.Context, r *http.Request, resp audit.Response) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resps = append(a.resps, resp)
	a.paths = append(a.paths, r.URL.Path)
}

func TestAudit_SeesFinalStatus(t *testing.T) {
	spy := &auditSpy{}
	h := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("{}"))
	})
	standard(t, Options{Auditor: spy}, h, httptest.NewRequest(http.MethodGet, "/pot", nil))

	if len(spy.resps) != 1 {
		t.Fatalf("audits = %d", len(spy.resps))
	}
	if spy.resps[0].Status != http.StatusTeapot || spy.resps[0].Bytes != 2 || spy.paths[0] != "/pot" {
		t.Fatalf("audit = %+v %v", spy.resps[0], spy.paths)
	}
}

func TestAudit_PanicIsAuditedAsError(t *testing.T) {
	spy := &auditSpy{}
	panics := 0
	h := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") })
	rs := respond.New(respond.Options{})
	p := Standard(rs, Options{Auditor: spy, OnPanic: func() { panics++ }})

	rec := httptest.NewRecorder()
	p.Then(h).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/json", nil))

	if rec.Code != http.StatusInternalServerError || panics != 1 {
		t.Fatalf("code=%d panics=%d", rec.Code, panics)
	}
	var env respond.Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil || env.Code != apperr.InternalError.Code {
		t.Fatalf("envelope = %+v (%v)", env, err)
	}
	if len(spy.resps) != 1 || spy.resps[0].Status != http.StatusInternalServerError {
		t.Fatalf("audits = %+v", spy.resps)
	}
}

func TestPipeline_StagePanicGoesToSink(t *testing.T) {
	sink := &sinkSpy{}
	spy := &auditSpy{}
	bad := StageFunc{StageName: "bad", Fn: func(*Exchange) error { panic("stage broke") }}
	h := &okHandler{}

	rec := serve(New(sink, Audit(spy), bad), h, httptest.NewRequest(http.MethodGet, "/", nil))

	if h.ran || sink.calls != 1 || rec.Code != 599 {
		t.Fatalf("ran=%v sink=%d code=%d", h.ran, sink.calls, rec.Code)
	}
	if !strings.Contains(sink.err.Error(), "stage broke") {
		t.Fatalf("sink err = %v", sink.err)
	}
	if len(spy.resps) != 1 || spy.resps[0].Status != 599 {
		t.Fatalf("audits = %+v", spy.resps)
	}
}

func TestPipeline_AbortHandlerPropagates(t *testing.T) {
	sink := &sinkSpy{}
	h := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic(http.ErrAbortHandler) })
	defer func() {
		if rec := recover(); rec != http.ErrAbortHandler {
			t.Fatalf("recovered %v, want ErrAbortHandler", rec)
		}
		if sink.calls != 0 {
			t.Fatalf("sink called %d times", sink.calls)
		}
	}()
	serve(New(sink), h, httptest.NewRequest(http.MethodGet, "/", nil))
}

func TestAudit_DoesNotReadBody(t *testing.T) {
	var trail []string
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("raw"))
	h := &okHandler{}
	p := New(&sinkSpy{}, Audit(&auditSpy{}), stage("after", &trail, nil))
	serve(p, h, r)

	buf := new(bytes.Buffer)
	_, _ = buf.ReadFrom(r.Body)
	if buf.String() != "raw" {
		t.Fatalf("body consumed: %q", buf.String())
	}
}

type incomingSpy struct {
	path string
	body any
}

func (s *incomingSpy) LogIncoming(_ context.Context, r *http.Request, body any) {
	s.path, s.body = r.URL.Path, body
}

func TestRequestLog_ReceivesParsedBody(t *testing.T) {
	spy := &incomingSpy{}
	standard(t, Options{RequestLog: spy}, &okHandler{}, jsonReq(`{"password":"x"}`))

	if spy.path != "/json" || !reflect.DeepEqual(spy.body, map[string]any{"password": "x"}) {
		t.Fatalf("logged %q %v", spy.path, spy.body)
	}
}

func TestRequestLog_NotReachedOnFailure(t *testing.T) {
	spy := &incomingSpy{}
	standard(t, Options{RequestLog: spy}, &okHandler{}, jsonReq(`{bad}`))
	if spy.path != "" {
		t.Fatal("request logger ran after a failed stage")
	}
}
