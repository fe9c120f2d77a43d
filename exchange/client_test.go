package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestKeysDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/keys" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(KeysResponse{
			MasterPublicKey: "MASTER",
			Denoms: []DenominationKey{
				{DenomPub: "D1", Value: "KUDOS:5", FeeDeposit: "KUDOS:0.01"},
			},
		})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	keys, err := client.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if keys.MasterPublicKey != "MASTER" || len(keys.Denoms) != 1 {
		t.Fatalf("keys = %+v", keys)
	}
}

func TestRemoteErrorKeepsBodyVerbatim(t *testing.T) {
	const body = `{"code":1850,"hint":"insufficient funds","history":[]}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.Deposit(context.Background(), "COIN", &DepositRequest{})
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("err = %v", err)
	}
	if remote.Status != http.StatusConflict || string(remote.Body) != body {
		t.Fatalf("remote = %+v", remote)
	}
	code, hint := remote.ErrorDetail()
	if code != 1850 || hint != "insufficient funds" {
		t.Fatalf("detail = %d %q", code, hint)
	}
}

func TestDepositSurvivesCallerCancellation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		_ = json.NewEncoder(w).Encode(DepositConfirmation{Status: "DEPOSIT_OK", ExchangeSig: "SIG"})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var conf *DepositConfirmation
	var depErr error
	go func() {
		conf, depErr = client.Deposit(ctx, "COIN", &DepositRequest{})
		close(done)
	}()
	cancel() // caller goes away while the RPC is in flight
	time.Sleep(20 * time.Millisecond)
	close(release)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("deposit never finished")
	}
	if depErr != nil {
		t.Fatalf("deposit failed after caller cancel: %v", depErr)
	}
	if conf.Status != "DEPOSIT_OK" {
		t.Fatalf("conf = %+v", conf)
	}
}

func TestUnreachableMapsToSentinel(t *testing.T) {
	client, err := NewClient("http://127.0.0.1:1",
		WithHTTPClient(&http.Client{Timeout: 200 * time.Millisecond}))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.Keys(context.Background())
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("err = %v", err)
	}
}

func TestNewClientRejectsBadURL(t *testing.T) {
	if _, err := NewClient("not a url"); err == nil {
		t.Fatalf("bad url accepted")
	}
}
