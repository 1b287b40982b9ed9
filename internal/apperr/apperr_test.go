package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/keithlinneman/jsongate/internal/xerrors"
)

func TestTaxonomy_Statuses(t *testing.T) {
	tests := []struct {
		code   string
		status int
	}{
		{"IncorrectDataType", http.StatusBadRequest},
		{"InternalError", http.StatusInternalServerError},
		{"PayloadTooLarge", http.StatusRequestEntityTooLarge},
		{"FileTooLarge", http.StatusRequestEntityTooLarge},
		{"TooManyRequests", http.StatusTooManyRequests},
	}
	for _, tt := range tests {
		k, ok := Lookup(tt.code)
		if !ok {
			t.Errorf("Lookup(%q) missing", tt.code)
			continue
		}
		if k.Status != tt.status {
			t.Errorf("%s status = %d, want %d", tt.code, k.Status, tt.status)
		}
		if k.Message == "" {
			t.Errorf("%s has no default message", tt.code)
		}
	}
}

func TestTaxonomy_UnknownCode(t *testing.T) {
	if _, ok := Lookup("NoSuchKind"); ok {
		t.Fatal("Lookup should miss unknown codes")
	}
}

func TestKinds_UniqueAndSorted(t *testing.T) {
	seen := map[string]bool{}
	kinds := Kinds()
	for i, k := range kinds {
		if seen[k.Code] {
			t.Fatalf("duplicate code %s", k.Code)
		}
		seen[k.Code] = true
		if i > 0 && kinds[i-1].Code > k.Code {
			t.Fatalf("Kinds not sorted at %d", i)
		}
	}
	if len(kinds) != 5 {
		t.Fatalf("len(Kinds()) = %d, want 5", len(kinds))
	}
}

func TestBuildTaxonomy_PanicsOnDuplicate(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for duplicate code")
		}
	}()
	buildTaxonomy(InternalError, InternalError)
}

func TestBuildTaxonomy_PanicsOnBadStatus(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for non-error status")
		}
	}()
	buildTaxonomy(Kind{Code: "Ok", Status: 200})
}

func TestError_MessageOverride(t *testing.T) {
	e := New(FileTooLarge, WithMessage("upload exceeds 50 MiB"))
	if e.PublicMessage() != "upload exceeds 50 MiB" {
		t.Fatalf("PublicMessage = %q", e.PublicMessage())
	}
	if e.Code() != "FileTooLarge" || e.Status() != 413 || e.Name() != "FileTooLarge" {
		t.Fatalf("unexpected accessors: %s %d %s", e.Code(), e.Status(), e.Name())
	}
	if New(FileTooLarge).PublicMessage() != FileTooLarge.Message {
		t.Fatal("default message not used")
	}
}

func TestError_CauseNotInPublicMessage(t *testing.T) {
	cause := errors.New("disk quota exceeded at /var/tmp")
	e := New(InternalError, WithCause(cause))
	if strings.Contains(e.PublicMessage(), "quota") {
		t.Fatal("cause leaked into public message")
	}
	if !errors.Is(e, cause) {
		t.Fatal("errors.Is should reach cause")
	}
}

type thirdPartyErr struct{}

func (thirdPartyErr) Error() string { return "teapot" }
func (thirdPartyErr) Code() string  { return "Teapot" }
func (thirdPartyErr) Status() int   { return http.StatusTeapot }

func TestCapture(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantName   string
		wantCode   string
		wantStatus int
	}{
		{"taxonomy error", New(PayloadTooLarge), "PayloadTooLarge", "PayloadTooLarge", 413},
		{"wrapped taxonomy error", fmt.Errorf("stage: %w", New(TooManyRequests)), "TooManyRequests", "TooManyRequests", 429},
		{"foreign coded error", thirdPartyErr{}, "Teapot", "Teapot", 418},
		{"json syntax error", json.Unmarshal([]byte("{"), new(any)), SyntaxErrorName, "", 0},
		{"plain error", errors.New("boom"), "Error", "", 0},
		{"explicit syntax", Syntax("bad", nil), SyntaxErrorName, "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Capture(tt.err)
			if c.Name != tt.wantName || c.Code != tt.wantCode || c.Status != tt.wantStatus {
				t.Fatalf("Capture = {name:%q code:%q status:%d}, want {%q %q %d}",
					c.Name, c.Code, c.Status, tt.wantName, tt.wantCode, tt.wantStatus)
			}
		})
	}
}

func TestCapture_Nil(t *testing.T) {
	if Capture(nil) != nil {
		t.Fatal("Capture(nil) should be nil")
	}
}

func TestCapture_ReturnsExistingCaptured(t *testing.T) {
	c := &Captured{Message: "x", Name: "Custom"}
	if Capture(fmt.Errorf("wrap: %w", c)) != c {
		t.Fatal("Capture should return the wrapped *Captured")
	}
}

func TestCapture_RendersStack(t *testing.T) {
	c := Capture(xerrors.New("with stack"))
	if !strings.Contains(c.Stack, "TestCapture_RendersStack") {
		t.Fatalf("stack missing caller:\n%s", c.Stack)
	}
}

func TestCaptured_JSONOmitsStack(t *testing.T) {
	c := &Captured{Message: "m", Name: "n", Stack: "secret frames"}
	if strings.Contains(c.JSON(), "secret") {
		t.Fatalf("JSON leaked stack: %s", c.JSON())
	}
}
