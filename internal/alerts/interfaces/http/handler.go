package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	alertapp "bandix-monitor/internal/alerts/application"
	alerts "bandix-monitor/internal/alerts/domain"
)

const (
	timeLayout   = time.RFC3339
	maxBodyBytes = 64 << 10
)

// Handler provides alert rule and event endpoints.
type Handler struct {
	service *alertapp.Service
}

// NewHandler constructs a handler.
func NewHandler(service *alertapp.Service) (*Handler, error) {
	if service == nil {
		return nil, errors.New("alerts handler: nil service")
	}
	return &Handler{service: service}, nil
}

// ServeHTTP handles /api/v1/alerts/events, /api/v1/alerts/active and
// /api/v1/alerts/rules with their subroutes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSuffix(r.URL.Path, "/")
	switch {
	case path == "/api/v1/alerts/events":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleEvents(w, r)
	case path == "/api/v1/alerts/active":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleActive(w, r)
	case strings.HasPrefix(path, "/api/v1/alerts/events/"):
		h.handleEventAction(w, r, strings.TrimPrefix(path, "/api/v1/alerts/events/"))
	case path == "/api/v1/alerts/rules":
		h.handleRules(w, r)
	case strings.HasPrefix(path, "/api/v1/alerts/rules/"):
		h.handleRule(w, r, strings.TrimPrefix(path, "/api/v1/alerts/rules/"))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := parseEventFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	list, err := h.service.ListEvents(r.Context(), filter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []alerts.Event{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleActive(w http.ResponseWriter, r *http.Request) {
	limit, err := parseIntQuery(r, "limit")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	list, err := h.service.ActiveEvents(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	count, err := h.service.CountUnacknowledged(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []alerts.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": count, "events": list})
}

func (h *Handler) handleEventAction(w http.ResponseWriter, r *http.Request, rest string) {
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[1] != "ack" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid event id", http.StatusBadRequest)
		return
	}
	event, err := h.service.Acknowledge(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (h *Handler) handleRules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		rules, err := h.service.ListRules(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if rules == nil {
			rules = []alerts.Rule{}
		}
		writeJSON(w, http.StatusOK, rules)
	case http.MethodPost:
		rule, err := decodeRule(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		created, err := h.service.CreateRule(r.Context(), rule)
		if err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleRule(w http.ResponseWriter, r *http.Request, rest string) {
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid rule id", http.StatusBadRequest)
		return
	}
	switch r.Method {
	case http.MethodGet:
		rule, err := h.service.GetRule(r.Context(), id)
		if err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rule)
	case http.MethodPut:
		rule, err := decodeRule(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		updated, err := h.service.UpdateRule(r.Context(), id, rule)
		if err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	case http.MethodDelete:
		if err := h.service.DeleteRule(r.Context(), id); err != nil {
			respondError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func decodeRule(r *http.Request) (alerts.Rule, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return alerts.Rule{}, errors.New("read body error")
	}
	var rule alerts.Rule
	if err := json.Unmarshal(body, &rule); err != nil {
		return alerts.Rule{}, errors.New("invalid json")
	}
	return rule, nil
}

func respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, alerts.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, alerts.ErrInvalidRule):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func parseEventFilter(r *http.Request) (alerts.EventFilter, error) {
	query := r.URL.Query()
	var filter alerts.EventFilter
	var err error
	if value := query.Get("rule_id"); value != "" {
		filter.RuleID, err = strconv.ParseInt(value, 10, 64)
		if err != nil {
			return filter, errors.New("rule_id must be an integer")
		}
	}
	filter.Subject = strings.TrimSpace(query.Get("subject"))
	filter.Kind = alerts.Kind(query.Get("kind"))
	filter.Severity = alerts.Severity(query.Get("severity"))
	if value := query.Get("acknowledged"); value != "" {
		acked, err := strconv.ParseBool(value)
		if err != nil {
			return filter, errors.New("acknowledged must be a boolean")
		}
		filter.Acknowledged = &acked
	}
	if filter.From, err = parseOptionalTime(query.Get("from"), "from"); err != nil {
		return filter, err
	}
	if filter.To, err = parseOptionalTime(query.Get("to"), "to"); err != nil {
		return filter, err
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && !filter.To.After(filter.From) {
		return filter, errors.New("to must be after from")
	}
	if filter.Limit, err = parseIntQuery(r, "limit"); err != nil {
		return filter, err
	}
	return filter, nil
}

func parseOptionalTime(value, key string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	parsed, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, errors.New(key + " must be RFC3339")
	}
	return parsed.UTC(), nil
}

func parseIntQuery(r *http.Request, key string) (int, error) {
	value := r.URL.Query().Get(key)
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return 0, errors.New(key + " must be a non-negative integer")
	}
	return parsed, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
