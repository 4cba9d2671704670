package main

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	mathrand "math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const anonymousSession = "00000000000000000000000000000000"

type fakeUbusServer struct {
	start       time.Time
	latency     time.Duration
	username    string
	password    string
	expireAfter int64
	timeSeries  bool
	devices     []fakeDevice

	mu       sync.Mutex
	sessions map[string]int64
	byMethod map[string]int64
	logins   int64
	expired  int64

	totalCalls int64
}

type fakeDevice struct {
	MAC      string
	IP       string
	Hostname string
	down     int64
	up       int64
	totalDn  int64
	totalUp  int64
}

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

func main() {
	addr := getenvDefault("FAKE_UBUS_ADDR", ":18081")
	latencyMs := getenvIntDefault("FAKE_UBUS_LATENCY_MS", 0)

	srv := &fakeUbusServer{
		start:       time.Now().UTC(),
		latency:     time.Duration(latencyMs) * time.Millisecond,
		username:    getenvDefault("FAKE_UBUS_USERNAME", "root"),
		password:    getenvDefault("FAKE_UBUS_PASSWORD", "password"),
		expireAfter: int64(getenvIntDefault("FAKE_UBUS_EXPIRE_AFTER", 0)),
		timeSeries:  getenvDefault("FAKE_UBUS_TIMESERIES", "") == "1",
		devices:     parseDevices(getenvDefault("FAKE_UBUS_DEVICES", "aa:bb:cc:dd:ee:01,aa:bb:cc:dd:ee:02")),
		sessions:    make(map[string]int64),
		byMethod:    make(map[string]int64),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", srv.handleHealth)
	mux.HandleFunc("/metrics", srv.handleMetrics)
	mux.HandleFunc("/ubus", srv.handleUbus)

	log.Printf("fake ubus server listening on %s (devices=%d expire_after=%d)", addr, len(srv.devices), srv.expireAfter)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatal(err)
	}
}

func (s *fakeUbusServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *fakeUbusServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, map[string]any{
		"started_at": s.start.Format(time.RFC3339),
		"total":      atomic.LoadInt64(&s.totalCalls),
		"logins":     s.logins,
		"expired":    s.expired,
		"sessions":   len(s.sessions),
		"by_method":  s.byMethod,
	})
}

func (s *fakeUbusServer) handleUbus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.latency > 0 {
		time.Sleep(s.latency)
	}
	var body bytes.Buffer
	if _, err := body.ReadFrom(r.Body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	raw := bytes.TrimSpace(body.Bytes())

	if len(raw) > 0 && raw[0] == '[' {
		var reqs []rpcRequest
		if err := json.Unmarshal(raw, &reqs); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resps := make([]rpcResponse, 0, len(reqs))
		for _, req := range reqs {
			resps = append(resps, s.dispatch(req))
		}
		writeJSON(w, resps)
		return
	}

	var req rpcRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, s.dispatch(req))
}

func (s *fakeUbusServer) dispatch(req rpcRequest) rpcResponse {
	atomic.AddInt64(&s.totalCalls, 1)
	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	if req.Method != "call" || len(req.Params) < 3 {
		resp.Error = &rpcError{Code: -32600, Message: "Invalid request"}
		return resp
	}
	var sid, object, method string
	_ = json.Unmarshal(req.Params[0], &sid)
	_ = json.Unmarshal(req.Params[1], &object)
	_ = json.Unmarshal(req.Params[2], &method)
	s.recordCall(object + "." + method)

	if object == "session" && method == "login" {
		var args struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if len(req.Params) > 3 {
			_ = json.Unmarshal(req.Params[3], &args)
		}
		resp.Result = s.login(args.Username, args.Password)
		return resp
	}

	if sid == anonymousSession || !s.useSession(sid) {
		resp.Error = &rpcError{Code: -32002, Message: "Access denied"}
		return resp
	}

	switch {
	case object == "luci.bandix" && method == "getMetrics":
		resp.Result = []any{0, map[string]any{"metrics": s.metricRows()}}
	case object == "luci.bandix" && method == "getStatus":
		resp.Result = []any{0, map[string]any{"devices": s.statusDevices()}}
	default:
		resp.Error = &rpcError{Code: -32000, Message: "Object not found"}
	}
	return resp
}

func (s *fakeUbusServer) login(username, password string) []any {
	if username != s.username || password != s.password {
		return []any{6}
	}
	token := newToken()
	s.mu.Lock()
	s.sessions[token] = 0
	s.logins++
	s.mu.Unlock()
	return []any{0, map[string]any{"ubus_rpc_session": token, "timeout": 300}}
}

// useSession counts one call against sid. A session that has served
// expireAfter calls is dropped and the call is refused.
func (s *fakeUbusServer) useSession(sid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	used, ok := s.sessions[sid]
	if !ok {
		return false
	}
	if s.expireAfter > 0 && used >= s.expireAfter {
		delete(s.sessions, sid)
		s.expired++
		return false
	}
	s.sessions[sid] = used + 1
	return true
}

// tick advances every device's counters by a random amount.
func (s *fakeUbusServer) tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.devices {
		d := &s.devices[i]
		d.down = mathrand.Int63n(2_000_000)
		d.up = mathrand.Int63n(500_000)
		d.totalDn += d.down
		d.totalUp += d.up
	}
}

func (s *fakeUbusServer) metricRows() [][]any {
	s.tick()
	s.mu.Lock()
	defer s.mu.Unlock()

	var down, up, totalDn, totalUp int64
	for _, d := range s.devices {
		down += d.down
		up += d.up
		totalDn += d.totalDn
		totalUp += d.totalUp
	}
	if s.timeSeries {
		now := time.Now().UnixMilli()
		rows := make([][]any, 0, 3)
		for i := 2; i >= 0; i-- {
			rows = append(rows, []any{now - int64(i)*1000, down, up, 0, 0, 0, 0, totalDn, totalUp})
		}
		return rows
	}
	rows := [][]any{{"all", down, up, 0, 0, 0, 0, totalDn, totalUp}}
	for _, d := range s.devices {
		rows = append(rows, []any{d.MAC, d.down, d.up, 0, 0, 0, 0, d.totalDn, d.totalUp})
	}
	return rows
}

func (s *fakeUbusServer) statusDevices() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, map[string]any{
			"mac":            d.MAC,
			"ip":             d.IP,
			"hostname":       d.Hostname,
			"total_rx_rate":  d.down,
			"total_tx_rate":  d.up,
			"total_rx_bytes": d.totalDn,
			"total_tx_bytes": d.totalUp,
		})
	}
	return out
}

func (s *fakeUbusServer) recordCall(method string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byMethod[method]++
}

func parseDevices(value string) []fakeDevice {
	var out []fakeDevice
	for i, mac := range strings.Split(value, ",") {
		mac = strings.TrimSpace(mac)
		if mac == "" {
			continue
		}
		out = append(out, fakeDevice{
			MAC:      mac,
			IP:       fmt.Sprintf("192.168.1.%d", 100+i),
			Hostname: fmt.Sprintf("device-%d", i+1),
		})
	}
	return out
}

func newToken() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 16)
	}
	return hex.EncodeToString(buf)
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
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

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
