// Command fakekodi serves a minimal Kodi JSON-RPC endpoint for local runs.
// It answers Player.GetActivePlayers from a toggle and records the CEC
// commands sent through Addons.ExecuteAddon.
package main

import (
	"encoding/json"
	"log"
	"math/rand/v2"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"
)

type fakeKodi struct {
	start    time.Time
	latency  time.Duration
	failRate float64

	mu       sync.Mutex
	playing  bool
	display  string
	byMethod map[string]int64
	commands []string
}

type rpcRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func main() {
	addr := getenvDefault("FAKE_KODI_ADDR", ":18081")
	srv := newFakeKodi(
		time.Duration(getenvIntDefault("FAKE_KODI_LATENCY_MS", 0))*time.Millisecond,
		getenvFloatDefault("FAKE_KODI_FAIL_RATE", 0),
		getenvDefault("FAKE_KODI_PLAYING", "") == "true",
	)

	log.Printf("fake kodi listening on %s", addr)
	if err := http.ListenAndServe(addr, srv.routes()); err != nil {
		log.Fatal(err)
	}
}

func newFakeKodi(latency time.Duration, failRate float64, playing bool) *fakeKodi {
	return &fakeKodi{
		start:    time.Now().UTC(),
		latency:  latency,
		failRate: failRate,
		playing:  playing,
		display:  "unknown",
		byMethod: make(map[string]int64),
	}
}

func (s *fakeKodi) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/control", s.handleControl)
	mux.HandleFunc("/jsonrpc", s.handleRPC)
	return mux
}

func (s *fakeKodi) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *fakeKodi) handleStats(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, map[string]any{
		"started_at": s.start.Format(time.RFC3339),
		"playing":    s.playing,
		"display":    s.display,
		"by_method":  s.byMethod,
		"commands":   s.commands,
	})
}

// handleControl flips playback: POST /control?playing=true.
func (s *fakeKodi) handleControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	playing, err := strconv.ParseBool(r.URL.Query().Get("playing"))
	if err != nil {
		http.Error(w, "playing must be a bool", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.playing = playing
	s.mu.Unlock()
	log.Printf("fake kodi playing=%t", playing)
	w.WriteHeader(http.StatusNoContent)
}

func (s *fakeKodi) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	if s.latency > 0 {
		time.Sleep(s.latency)
	}
	if s.failRate > 0 && rand.Float64() < s.failRate {
		http.Error(w, "fake kodi failure", http.StatusServiceUnavailable)
		return
	}

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPC(w, nil, nil, &rpcError{Code: -32700, Message: "Parse error"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.byMethod[req.Method]++

	switch req.Method {
	case "JSONRPC.Ping":
		writeRPC(w, req.ID, "pong", nil)
	case "Player.GetActivePlayers":
		players := []map[string]any{}
		if s.playing {
			players = append(players, map[string]any{"playerid": 1, "type": "video"})
		}
		writeRPC(w, req.ID, players, nil)
	case "Addons.ExecuteAddon":
		var params struct {
			AddonID string            `json:"addonid"`
			Params  map[string]string `json:"params"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil || params.AddonID == "" {
			writeRPC(w, req.ID, nil, &rpcError{Code: -32602, Message: "Invalid params"})
			return
		}
		command := params.Params["command"]
		switch command {
		case "activate":
			s.display = "on"
		case "standby":
			s.display = "off"
		}
		s.commands = append(s.commands, command)
		writeRPC(w, req.ID, "OK", nil)
	default:
		writeRPC(w, req.ID, nil, &rpcError{Code: -32601, Message: "Method not found"})
	}
}

func writeRPC(w http.ResponseWriter, id json.RawMessage, result any, rpcErr *rpcError) {
	resp := map[string]any{"jsonrpc": "2.0", "id": id}
	if rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	writeJSON(w, resp)
}

func getenvDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvFloatDefault(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
