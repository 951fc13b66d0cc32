package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(&Config{AccountSID: "AC1", AuthToken: "tok", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNew_RequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	if _, err := New(nil); err == nil {
		t.Fatalf("expected error without account sid")
	}
	if _, err := New(&Config{AccountSID: "AC1"}); err == nil {
		t.Fatalf("expected error without auth token")
	}
	t.Setenv("TWILIO_AUTH_TOKEN", "env-token")
	c, err := New(&Config{AccountSID: "AC1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.AccountSID() != "AC1" || c.authToken != "env-token" {
		t.Fatalf("client=%+v", c)
	}
}

func TestHangupCall(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/Accounts/AC1/Calls/CA1.json" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC1" || pass != "tok" {
			t.Errorf("basic auth=%q %q %v", user, pass, ok)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		if got := r.PostForm.Get("Status"); got != "completed" {
			t.Errorf("Status=%q", got)
		}
		fmt.Fprint(w, `{"sid":"CA1","status":"completed"}`)
	})

	call, err := c.HangupCall(context.Background(), "CA1")
	if err != nil {
		t.Fatalf("HangupCall: %v", err)
	}
	if call.SID != "CA1" || call.Status != "completed" {
		t.Fatalf("call=%+v", call)
	}
}

func TestGetCall(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method=%s", r.Method)
		}
		fmt.Fprint(w, `{"sid":"CA2","status":"in-progress","answered_by":"human"}`)
	})
	call, err := c.GetCall(context.Background(), "CA2")
	if err != nil {
		t.Fatalf("GetCall: %v", err)
	}
	if call.Status != "in-progress" || call.AnsweredBy != "human" {
		t.Fatalf("call=%+v", call)
	}
}

func TestAPIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"code":21220,"message":"Call is not in-progress","more_info":"https://www.twilio.com/docs/errors/21220"}`)
	})
	_, err := c.HangupCall(context.Background(), "CA1")
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("err=%T %v", err, err)
	}
	if apiErr.Code != CodeNotInProgress || apiErr.Status != http.StatusBadRequest {
		t.Fatalf("apiErr=%+v", apiErr)
	}
	if !HasCode(err, CodeNotFound, CodeNotInProgress) {
		t.Fatalf("HasCode false for %v", err)
	}
	if HasCode(err, CodeNotFound) {
		t.Fatalf("HasCode matched wrong code")
	}
	if HasCode(errors.New("plain"), CodeNotInProgress) {
		t.Fatalf("HasCode matched non-API error")
	}
}

func TestNonJSONError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	})
	_, err := c.GetCall(context.Background(), "CA1")
	if err == nil {
		t.Fatalf("expected error")
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		t.Fatalf("plain-text body decoded as API error: %v", err)
	}
}
