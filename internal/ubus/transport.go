package ubus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// AnonymousSession is the session id used for the login handshake.
const AnonymousSession = "00000000000000000000000000000000"

// ubus status codes carried in result[0].
const (
	StatusOK               = 0
	StatusPermissionDenied = 6
)

// JSON-RPC error codes emitted by uhttpd-mod-ubus.
const (
	codeSessionNotFound = -32001
	codeAccessDenied    = -32002
)

const defaultTimeout = 5 * time.Second

// Call describes one ubus object method invocation.
type Call struct {
	Object string
	Method string
	Args   any
}

// Transport posts ubus JSON-RPC requests to a router.
type Transport struct {
	url    string
	client *http.Client
	seq    atomic.Uint64
}

// TransportOption configures the transport.
type TransportOption func(*Transport)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) TransportOption {
	return func(t *Transport) {
		if client != nil {
			t.client = client
		}
	}
}

// NewTransport constructs a transport for the given /ubus endpoint.
func NewTransport(url string, timeout time.Duration, opts ...TransportOption) (*Transport, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("ubus: empty url")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	t := &Transport{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Do issues a single call and decodes the result payload into out.
func (t *Transport) Do(ctx context.Context, sid string, call Call, out any) error {
	req := t.newRequest(sid, call)
	var resp rpcResponse
	if err := t.post(ctx, req, &resp); err != nil {
		return err
	}
	return decodeResponse(sid, call, resp, out)
}

// DoBatch issues all calls in one HTTP request. outs[i] receives the payload
// of calls[i]; the first failing call determines the returned error.
func (t *Transport) DoBatch(ctx context.Context, sid string, calls []Call, outs []any) error {
	if len(calls) != len(outs) {
		return errors.New("ubus: batch calls and outputs differ in length")
	}
	if len(calls) == 0 {
		return nil
	}
	reqs := make([]rpcRequest, len(calls))
	for i, call := range calls {
		reqs[i] = t.newRequest(sid, call)
	}
	var resps []rpcResponse
	if err := t.post(ctx, reqs, &resps); err != nil {
		return err
	}
	byID := make(map[uint64]rpcResponse, len(resps))
	for _, resp := range resps {
		byID[resp.ID] = resp
	}
	for i, req := range reqs {
		resp, ok := byID[req.ID]
		if !ok {
			return fmt.Errorf("%w: missing response for %s.%s", ErrMalformedResponse, calls[i].Object, calls[i].Method)
		}
		if err := decodeResponse(sid, calls[i], resp, outs[i]); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) newRequest(sid string, call Call) rpcRequest {
	args := call.Args
	if args == nil {
		args = map[string]any{}
	}
	return rpcRequest{
		JSONRPC: "2.0",
		ID:      t.seq.Add(1),
		Method:  "call",
		Params:  []any{sid, call.Object, call.Method, args},
	}
}

func (t *Transport) post(ctx context.Context, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("ubus: http %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}

func decodeResponse(sid string, call Call, resp rpcResponse, out any) error {
	if resp.Error != nil {
		return &CallError{
			Object:          call.Object,
			Method:          call.Method,
			Code:            resp.Error.Code,
			Message:         resp.Error.Message,
			sessionRejected: resp.Error.Code == codeSessionNotFound || resp.Error.Code == codeAccessDenied,
		}
	}
	var result []json.RawMessage
	if err := json.Unmarshal(resp.Result, &result); err != nil || len(result) == 0 {
		return fmt.Errorf("%w: %s.%s result is not [status, data]", ErrMalformedResponse, call.Object, call.Method)
	}
	var status int
	if err := json.Unmarshal(result[0], &status); err != nil {
		return fmt.Errorf("%w: %s.%s status: %v", ErrMalformedResponse, call.Object, call.Method, err)
	}
	if status != StatusOK {
		return &CallError{
			Object:          call.Object,
			Method:          call.Method,
			Status:          status,
			sessionRejected: status == StatusPermissionDenied && sid != AnonymousSession,
		}
	}
	if out == nil {
		return nil
	}
	if len(result) < 2 {
		return fmt.Errorf("%w: %s.%s returned no data", ErrMalformedResponse, call.Object, call.Method)
	}
	if err := json.Unmarshal(result[1], out); err != nil {
		return fmt.Errorf("%w: %s.%s data: %v", ErrMalformedResponse, call.Object, call.Method, err)
	}
	return nil
}
