package common

import (
	"errors"
	"fmt"
	"testing"

	"github.com/valyala/fasthttp"

	"github.com/keksclan/formulagate/authn"
)

func requestWithAuth(value string, set bool) *fasthttp.Request {
	req := fasthttp.AcquireRequest()
	if set {
		req.Header.Set("Authorization", value)
	}
	return req
}

func TestRequestBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		set     bool
		want    string
		wantErr bool
	}{
		{name: "bearer", header: "Bearer abc.def", set: true, want: "abc.def"},
		{name: "lowercase scheme", header: "bearer tok", set: true, want: "tok"},
		{name: "surrounding space", header: "  Bearer  tok  ", set: true, want: "tok"},
		{name: "missing header", wantErr: true},
		{name: "empty header", header: "", set: true, wantErr: true},
		{name: "scheme only", header: "Bearer", set: true, wantErr: true},
		{name: "empty credential", header: "Bearer   ", set: true, wantErr: true},
		{name: "basic scheme", header: "Basic dXNlcjpwYXNz", set: true, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := requestWithAuth(tt.header, tt.set)
			defer fasthttp.ReleaseRequest(req)

			got, err := RequestBearerToken(req)
			if tt.wantErr {
				if !errors.Is(err, authn.ErrUnauthenticated) {
					t.Fatalf("expected ErrUnauthenticated, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("token = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHeaderExtractorNilHeader(t *testing.T) {
	if _, ok := (HeaderExtractor{}).Get("Authorization"); ok {
		t.Fatal("expected no value from nil header")
	}
}

func TestFailureFor(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		detail string
	}{
		{"unauthenticated", authn.ErrUnauthenticated, "Not authenticated"},
		{"invalid", fmt.Errorf("%w: inactive", authn.ErrInvalidToken), "Invalid token"},
		{"unclassified", errors.New("boom"), "Invalid token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := FailureFor(tt.err)
			if f.Status != fasthttp.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", f.Status)
			}
			if f.Detail != tt.detail {
				t.Fatalf("detail = %q, want %q", f.Detail, tt.detail)
			}
		})
	}
}

func TestSetChallenge(t *testing.T) {
	var resp fasthttp.Response
	SetChallenge(&resp)
	if got := string(resp.Header.Peek("WWW-Authenticate")); got != "Bearer" {
		t.Fatalf("challenge = %q", got)
	}
}
