package ubus

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func serveBody(t *testing.T, status int, body string) *Transport {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	transport, err := NewTransport(server.URL, time.Second)
	if err != nil {
		t.Fatalf("transport: %v", err)
	}
	return transport
}

func TestTransportPermissionDeniedOnSessionIsExpiry(t *testing.T) {
	transport := serveBody(t, http.StatusOK, `{"jsonrpc":"2.0","id":1,"result":[6]}`)
	err := transport.Do(context.Background(), "abc", Call{Object: "luci.bandix", Method: "getStatus"}, nil)
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected session expiry, got %v", err)
	}
}

func TestTransportPermissionDeniedOnAnonymousIsNotExpiry(t *testing.T) {
	transport := serveBody(t, http.StatusOK, `{"jsonrpc":"2.0","id":1,"result":[6]}`)
	err := transport.Do(context.Background(), AnonymousSession, Call{Object: "session", Method: "login"}, nil)
	var callErr *CallError
	if !errors.As(err, &callErr) || callErr.Status != StatusPermissionDenied {
		t.Fatalf("expected permission denied call error, got %v", err)
	}
	if errors.Is(err, ErrSessionExpired) {
		t.Fatalf("anonymous login failure must not look like expiry")
	}
}

func TestTransportOtherRPCErrorIsNotExpiry(t *testing.T) {
	transport := serveBody(t, http.StatusOK, `{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"Object not found"}}`)
	err := transport.Do(context.Background(), "abc", Call{Object: "luci.bandix", Method: "getStatus"}, nil)
	var callErr *CallError
	if !errors.As(err, &callErr) || callErr.Code != -32000 {
		t.Fatalf("expected rpc error, got %v", err)
	}
	if errors.Is(err, ErrSessionExpired) {
		t.Fatalf("object error must not look like expiry")
	}
}

func TestTransportMalformedBody(t *testing.T) {
	transport := serveBody(t, http.StatusOK, `<html>`)
	err := transport.Do(context.Background(), "abc", Call{Object: "luci.bandix", Method: "getStatus"}, nil)
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected malformed response, got %v", err)
	}
}

func TestTransportHTTPStatus(t *testing.T) {
	transport := serveBody(t, http.StatusBadGateway, `bad gateway`)
	err := transport.Do(context.Background(), "abc", Call{Object: "luci.bandix", Method: "getStatus"}, nil)
	if err == nil || errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected plain http error, got %v", err)
	}
}
