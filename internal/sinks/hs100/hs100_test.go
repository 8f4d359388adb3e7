package hs100

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"testing"
	"time"

	"powerrail/internal/config"
	power "powerrail/internal/power/domain"
)

func TestCipherRoundTrip(t *testing.T) {
	plain := []byte(`{"system":{"get_sysinfo":{}}}`)
	if got := string(decrypt(encrypt(plain))); got != string(plain) {
		t.Fatalf("round trip mismatch: %s", got)
	}
	// first byte of any '{' payload is 171 ^ '{'
	if encrypt(plain)[0] != 0xd0 {
		t.Fatalf("unexpected first cipher byte %#x", encrypt(plain)[0])
	}
}

// fakePlug answers one request with errCode and reports the relay state it received.
func fakePlug(t *testing.T, errCode int) (config.HS100Sink, <-chan int) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	states := make(chan int, 4)
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			body, err := readFrame(conn)
			if err != nil {
				conn.Close()
				continue
			}
			var req relayRequest
			if err := json.Unmarshal(body, &req); err == nil {
				states <- req.System.SetRelayState.State
			}
			resp, _ := json.Marshal(map[string]any{
				"system": map[string]any{"set_relay_state": map[string]any{"err_code": errCode}},
			})
			_, _ = conn.Write(frame(resp))
			conn.Close()
		}
	}()

	addr := listener.Addr().(*net.TCPAddr)
	return config.HS100Sink{Host: "127.0.0.1", Port: addr.Port}, states
}

func TestApplySetsRelay(t *testing.T) {
	cfg, states := fakePlug(t, 0)
	sink, err := New("amp", cfg, time.Second)
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}

	if err := sink.Apply(context.Background(), power.StateOn); err != nil {
		t.Fatalf("apply on: %v", err)
	}
	if got := <-states; got != 1 {
		t.Fatalf("expected relay state 1, got %d", got)
	}
	if err := sink.Apply(context.Background(), power.StateOff); err != nil {
		t.Fatalf("apply off: %v", err)
	}
	if got := <-states; got != 0 {
		t.Fatalf("expected relay state 0, got %d", got)
	}
}

func TestApplyDeviceErrorIsFatal(t *testing.T) {
	cfg, _ := fakePlug(t, -3)
	sink, err := New("amp", cfg, time.Second)
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	if err := sink.Apply(context.Background(), power.StateOn); !power.IsFatal(err) {
		t.Fatalf("expected fatal error, got %v", err)
	}
}

func TestApplyUnreachableIsRetryable(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	listener.Close()

	sink, err := New("amp", config.HS100Sink{Host: "127.0.0.1", Port: port}, time.Second)
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	err = sink.Apply(context.Background(), power.StateOn)
	if err == nil || power.Classify(err) != power.OutcomeRetryable {
		t.Fatalf("expected retryable error, got %v", err)
	}
}

func TestNewDefaults(t *testing.T) {
	sink, err := New("amp", config.HS100Sink{Host: "10.0.0.20"}, time.Second)
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	if sink.addr != net.JoinHostPort("10.0.0.20", strconv.Itoa(defaultPort)) {
		t.Fatalf("unexpected addr: %s", sink.addr)
	}
	if _, err := New("amp", config.HS100Sink{}, time.Second); err == nil {
		t.Fatalf("expected error for missing host")
	}
}
