package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nutdo/nutdo/cashu"
	"github.com/nutdo/nutdo/cashu/nuts/nut04"
)

func TestMintErrorResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(cashu.MintQuoteRequestNotPaid)
	}))
	defer server.Close()

	_, err := PostMintBolt11(context.Background(), server.URL, nut04.PostMintBolt11Request{Quote: "q"})
	if !cashu.IsErrCode(err, cashu.MintQuoteRequestNotPaidErrCode) {
		t.Fatalf("expected mint error code '%v' but got '%v'", cashu.MintQuoteRequestNotPaidErrCode, err)
	}
	if IsOfflineError(err) {
		t.Fatal("mint error should not be classified as offline")
	}
}

func TestOfflineErrors(t *testing.T) {
	// closed server: connection refused
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := GetMintInfo(context.Background(), url)
	var networkErr *NetworkError
	if !errors.As(err, &networkErr) {
		t.Fatalf("expected NetworkError but got '%v'", err)
	}
	if !IsOfflineError(fmt.Errorf("receive failed: %w", err)) {
		t.Fatal("expected wrapped network error to be offline")
	}

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = GetMintInfo(ctx, slow.URL)
	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected TimeoutError but got '%v'", err)
	}

	unavailable := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer unavailable.Close()
	_, err = GetMintInfo(context.Background(), unavailable.URL)
	if !IsOfflineError(err) {
		t.Fatalf("expected offline error for 503 but got '%v'", err)
	}
}

func TestIsOfflineMessage(t *testing.T) {
	tests := []struct {
		msg      string
		expected bool
	}{
		{msg: "could not reach mint at http://localhost: dial tcp: connection refused", expected: true},
		{msg: "request to http://mint timed out: context deadline exceeded", expected: true},
		{msg: "proof already used", expected: false},
	}

	for _, test := range tests {
		if offline := IsOfflineMessage(test.msg); offline != test.expected {
			t.Fatalf("expected '%v' but got '%v' for '%v'", test.expected, offline, test.msg)
		}
	}
}
