package panel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGetOrder_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/admin/panels/p1/orders/ext-1" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("X-API-Key") != "sekrit" {
			t.Errorf("missing api key header")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"order":{"order_id":"ext-1","customer_username":"john123","customer_email":"j@x.com","status":"active"}}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "sekrit", time.Second)
	info, err := c.GetOrder(context.Background(), "p1", "ext-1")
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if info == nil || info.CustomerUsername != "john123" || info.ExternalID != "ext-1" {
		t.Fatalf("got %+v", info)
	}
}

func TestGetOrder_NotFoundReturnsNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", time.Second)
	info, err := c.GetOrder(context.Background(), "p1", "missing")
	if err != nil || info != nil {
		t.Fatalf("unknown order should be (nil, nil), got %v, %v", info, err)
	}
}

func TestGetOrder_ServerErrorIsNotUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", time.Second)
	_, err := c.GetOrder(context.Background(), "p1", "ext-1")
	if err == nil {
		t.Fatalf("expected error on 500")
	}
	// A reachable-but-broken panel is a hard error, not degraded mode.
	if errors.Is(err, ErrUnavailable) {
		t.Fatalf("500 must not map to ErrUnavailable: %v", err)
	}
}

func TestGetOrder_TransportFailureIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse connections

	c := NewHTTPClient(srv.URL, "", time.Second)
	_, err := c.GetOrder(context.Background(), "p1", "ext-1")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("got %v, want ErrUnavailable", err)
	}
}

func TestValidateUsername(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/admin/panels/p1/users/john123":
			_, _ = w.Write([]byte(`{"exists":true}`))
		case "/admin/panels/p1/users/ghost":
			w.WriteHeader(http.StatusNotFound)
		default:
			t.Errorf("unexpected path %q", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", time.Second)

	ok, err := c.ValidateUsername(context.Background(), "p1", "john123")
	if err != nil || !ok {
		t.Fatalf("known user: ok=%v err=%v", ok, err)
	}
	ok, err = c.ValidateUsername(context.Background(), "p1", "ghost")
	if err != nil || ok {
		t.Fatalf("unknown user: ok=%v err=%v", ok, err)
	}
}

func TestNewHTTPClient_DefaultTimeout(t *testing.T) {
	c := NewHTTPClient("http://x", "k", 0)
	if c.HTTP.Timeout <= 0 {
		t.Fatalf("timeout not defaulted")
	}
}
