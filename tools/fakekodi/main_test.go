package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"powerrail/internal/config"
	"powerrail/internal/kodirpc"
	power "powerrail/internal/power/domain"
	"powerrail/internal/sinks/kodicec"
	"powerrail/internal/sources/kodi"
)

func TestFakeKodiServesProbeAndCEC(t *testing.T) {
	srv := newFakeKodi(0, 0, false)
	server := httptest.NewServer(srv.routes())
	defer server.Close()
	url := server.URL + "/jsonrpc"

	probe, err := kodi.NewProbe(config.KodiSource{URL: url}, time.Second)
	if err != nil {
		t.Fatalf("new probe: %v", err)
	}
	active, err := probe.Probe(context.Background())
	if err != nil || active {
		t.Fatalf("expected idle, got active=%t err=%v", active, err)
	}

	resp, err := http.Post(server.URL+"/control?playing=true", "text/plain", nil)
	if err != nil {
		t.Fatalf("control: %v", err)
	}
	resp.Body.Close()
	active, err = probe.Probe(context.Background())
	if err != nil || !active {
		t.Fatalf("expected active, got active=%t err=%v", active, err)
	}

	sink, err := kodicec.New("tv", config.KodiCECSink{URL: url}, time.Second)
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	if err := sink.Apply(context.Background(), power.StateOff); err != nil {
		t.Fatalf("apply off: %v", err)
	}
	srv.mu.Lock()
	display, commands := srv.display, srv.commands
	srv.mu.Unlock()
	if display != "off" || len(commands) != 1 || commands[0] != "standby" {
		t.Fatalf("unexpected cec state: display=%s commands=%v", display, commands)
	}
}

func TestFakeKodiUnknownMethod(t *testing.T) {
	server := httptest.NewServer(newFakeKodi(0, 0, false).routes())
	defer server.Close()

	client, err := kodirpc.NewClient(server.URL + "/jsonrpc")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	err = client.Call(context.Background(), "Input.Home", nil, nil)
	var rpcErr *kodirpc.RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != -32601 {
		t.Fatalf("expected method not found, got %v", err)
	}
}

func TestFakeKodiControlRejectsBadValue(t *testing.T) {
	server := httptest.NewServer(newFakeKodi(0, 0, false).routes())
	defer server.Close()

	resp, err := http.Post(server.URL+"/control?playing=maybe", "text/plain", nil)
	if err != nil {
		t.Fatalf("control: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}
