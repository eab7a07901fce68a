package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"call-signaling/internal/calls"
)

// Client is a typed REST client for the call API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New returns a client for baseURL (e.g. http://localhost:8080). A nil hc
// gets a client with a 10s timeout.
func New(baseURL, token string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), token: token, http: hc}
}

func (c *Client) BaseURL() string { return c.baseURL }
func (c *Client) Token() string   { return c.token }

// APIError is a non-2xx answer from the server. It unwraps to the matching
// calls sentinel, so errors.Is(err, calls.ErrNotFound) works on client errors.
type APIError struct {
	Status    int
	Code      string
	Message   string
	State     calls.State
	SessionID string
}

func (e *APIError) Error() string {
	if e.State != "" {
		return fmt.Sprintf("api %d %s: %s (state %s)", e.Status, e.Code, e.Message, e.State)
	}
	return fmt.Sprintf("api %d %s: %s", e.Status, e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Code {
	case "invalid_transition":
		return &calls.TransitionError{SessionID: e.SessionID, Current: e.State}
	case "not_found":
		return calls.ErrNotFound
	case "callee_not_found":
		return calls.ErrCalleeNotFound
	case "conflict":
		return calls.ErrConflict
	case "unauthorized":
		return calls.ErrUnauthorized
	case "call_type_disabled":
		return calls.ErrCallTypeDisabled
	case "insufficient_balance":
		return calls.ErrInsufficientBalance
	case "upstream_unavailable":
		return calls.ErrUpstreamUnavailable
	case "invalid_argument":
		return calls.ErrInvalidArgument
	default:
		return nil
	}
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	State string `json:"state"`
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var eb errorBody
		_ = json.Unmarshal(raw, &eb)
		if eb.Error == "" {
			eb.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Code: eb.Code, Message: eb.Error, State: calls.State(eb.State)}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func (c *Client) sessionCall(ctx context.Context, method, path string, in any, sessionID string) (calls.Session, error) {
	var s calls.Session
	err := c.do(ctx, method, path, in, &s)
	var ae *APIError
	if errors.As(err, &ae) {
		ae.SessionID = sessionID
	}
	return s, err
}

// Login asks a dev server for a token for userID and returns a client that uses it.
func (c *Client) Login(ctx context.Context, userID, role string) (*Client, error) {
	var out struct {
		AccessToken string `json:"accessToken"`
	}
	if err := c.do(ctx, http.MethodPost, "/auth/token", map[string]string{"userId": userID, "role": role}, &out); err != nil {
		return nil, err
	}
	return &Client{baseURL: c.baseURL, token: out.AccessToken, http: c.http}, nil
}

func (c *Client) Initiate(ctx context.Context, receiverID string, ct calls.CallType) (calls.Session, error) {
	return c.sessionCall(ctx, http.MethodPost, "/call/initiate",
		map[string]string{"receiverId": receiverID, "callType": string(ct)}, "")
}

func (c *Client) Accept(ctx context.Context, sessionID string) (calls.Session, error) {
	return c.sessionCall(ctx, http.MethodPost, "/call/accept", map[string]string{"callSessionId": sessionID}, sessionID)
}

func (c *Client) Reject(ctx context.Context, sessionID string) (calls.Session, error) {
	return c.sessionCall(ctx, http.MethodPost, "/call/reject", map[string]string{"callSessionId": sessionID}, sessionID)
}

func (c *Client) Cancel(ctx context.Context, sessionID string) (calls.Session, error) {
	return c.sessionCall(ctx, http.MethodPost, "/call/cancel", map[string]string{"callSessionId": sessionID}, sessionID)
}

func (c *Client) End(ctx context.Context, sessionID string, reason calls.EndReason) (calls.Session, error) {
	return c.sessionCall(ctx, http.MethodPost, "/call/end",
		map[string]string{"callSessionId": sessionID, "reason": string(reason)}, sessionID)
}

func (c *Client) Status(ctx context.Context, sessionID string) (calls.Session, error) {
	return c.sessionCall(ctx, http.MethodGet, "/call/status/"+url.PathEscape(sessionID), nil, sessionID)
}

func (c *Client) History(ctx context.Context, page, size int) (calls.HistoryPage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("size", strconv.Itoa(size))
	var out calls.HistoryPage
	err := c.do(ctx, http.MethodGet, "/call/history?"+q.Encode(), nil, &out)
	return out, err
}

func (c *Client) Missed(ctx context.Context) ([]calls.Session, error) {
	var out struct {
		Items []calls.Session `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "/call/missed", nil, &out)
	return out.Items, err
}
