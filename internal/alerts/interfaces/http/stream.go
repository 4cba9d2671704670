package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	alerts "bandix-monitor/internal/alerts/domain"
	"bandix-monitor/internal/observability/metrics"
)

const (
	subscriberBuffer = 16
	defaultKeepAlive = 25 * time.Second
	sseChannel       = "sse"
	sseResultDropped = "dropped"
)

// StreamFilter narrows the events a subscriber receives. Zero values match
// everything.
type StreamFilter struct {
	MinSeverity alerts.Severity
	RuleID      int64
	Subject     string
}

func (f StreamFilter) matches(event alerts.Event) bool {
	if f.RuleID != 0 && event.RuleID != f.RuleID {
		return false
	}
	if f.Subject != "" && event.Subject != f.Subject {
		return false
	}
	return severityRank(event.Severity) >= severityRank(f.MinSeverity)
}

func severityRank(severity alerts.Severity) int {
	switch severity {
	case alerts.SeverityInfo:
		return 1
	case alerts.SeverityWarning:
		return 2
	case alerts.SeverityCritical:
		return 3
	default:
		return 0
	}
}

type streamMessage struct {
	id      int64
	payload []byte
}

// Subscription is one connected stream client.
type Subscription struct {
	filter  StreamFilter
	events  chan streamMessage
	dropped int
}

// SSEBroker fans out committed alert events to connected clients. A client
// whose buffer is full misses the event; the miss is counted.
type SSEBroker struct {
	mu      sync.Mutex
	clients map[*Subscription]struct{}
}

// NewSSEBroker constructs a broker.
func NewSSEBroker() *SSEBroker {
	return &SSEBroker{clients: make(map[*Subscription]struct{})}
}

// Notify implements the engine's notifier.
func (b *SSEBroker) Notify(_ context.Context, event alerts.Event) {
	if b == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		metrics.IncNotify(sseChannel, metrics.ResultError)
		return
	}
	msg := streamMessage{id: event.ID, payload: payload}

	b.mu.Lock()
	delivered, dropped := 0, 0
	for sub := range b.clients {
		if !sub.filter.matches(event) {
			continue
		}
		select {
		case sub.events <- msg:
			delivered++
		default:
			sub.dropped++
			dropped++
		}
	}
	b.mu.Unlock()

	for i := 0; i < delivered; i++ {
		metrics.IncNotify(sseChannel, metrics.ResultSuccess)
	}
	for i := 0; i < dropped; i++ {
		metrics.IncNotify(sseChannel, sseResultDropped)
	}
}

// Subscribe registers a client with the given filter.
func (b *SSEBroker) Subscribe(filter StreamFilter) *Subscription {
	if b == nil {
		return nil
	}
	sub := &Subscription{filter: filter, events: make(chan streamMessage, subscriberBuffer)}
	b.mu.Lock()
	b.clients[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a client and returns how many events it missed.
func (b *SSEBroker) Unsubscribe(sub *Subscription) int {
	if b == nil || sub == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[sub]; !ok {
		return sub.dropped
	}
	delete(b.clients, sub)
	close(sub.events)
	return sub.dropped
}

// Clients returns the number of connected clients.
func (b *SSEBroker) Clients() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// StreamHandler serves the SSE alert stream.
type StreamHandler struct {
	broker    *SSEBroker
	keepAlive time.Duration
}

// NewStreamHandler constructs a stream handler.
func NewStreamHandler(broker *SSEBroker) *StreamHandler {
	return &StreamHandler{broker: broker, keepAlive: defaultKeepAlive}
}

func parseStreamFilter(r *http.Request) (StreamFilter, error) {
	query := r.URL.Query()
	filter := StreamFilter{Subject: strings.ToLower(strings.TrimSpace(query.Get("subject")))}
	if raw := query.Get("min_severity"); raw != "" {
		severity := alerts.Severity(strings.ToLower(raw))
		if severityRank(severity) == 0 {
			return StreamFilter{}, fmt.Errorf("invalid min_severity %q", raw)
		}
		filter.MinSeverity = severity
	}
	if raw := query.Get("rule_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return StreamFilter{}, fmt.Errorf("invalid rule_id %q", raw)
		}
		filter.RuleID = id
	}
	return filter, nil
}

// ServeHTTP handles GET /api/v1/alerts/stream?min_severity=&rule_id=&subject=.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.broker == nil {
		http.Error(w, "stream not ready", http.StatusServiceUnavailable)
		return
	}
	filter, err := parseStreamFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := h.broker.Subscribe(filter)
	defer h.broker.Unsubscribe(sub)

	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	flusher.Flush()

	keepAlive := time.NewTicker(h.keepAlive)
	defer keepAlive.Stop()

	done := r.Context().Done()
	for {
		select {
		case msg, ok := <-sub.events:
			if !ok {
				return
			}
			_, _ = fmt.Fprintf(w, "id: %d\nevent: alert\ndata: %s\n\n", msg.id, msg.payload)
			flusher.Flush()
		case <-keepAlive.C:
			_, _ = w.Write([]byte(": keep-alive\n\n"))
			flusher.Flush()
		case <-done:
			return
		}
	}
}
