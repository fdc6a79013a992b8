package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// APIError is a non-2xx answer from the admin API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("admin api: %d %s", e.StatusCode, e.Message)
}

type Stats struct {
	TotalTopicsTracked            int            `json:"totalTopicsTracked"`
	TotalConnectedClients         int            `json:"totalConnectedClients"`
	AverageSubscriptionsPerClient float64        `json:"averageSubscriptionsPerClient"`
	TopicSubscriberCounts         map[string]int `json:"topicSubscriberCounts"`
	Timestamp                     string         `json:"timestamp"`
}

type TrackedParcel struct {
	ParcelID        string `json:"parcelId"`
	SubscriberCount int    `json:"subscriberCount"`
	IsActive        bool   `json:"isActive"`
}

type TrackedParcels struct {
	TotalParcels     int             `json:"totalParcels"`
	TotalSubscribers int             `json:"totalSubscribers"`
	Parcels          []TrackedParcel `json:"parcels"`
	Timestamp        string          `json:"timestamp"`
}

type BroadcastRequest struct {
	ParcelIDs []string       `json:"parcelIds"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Message   string         `json:"message,omitempty"`
}

type AlertRequest struct {
	Message       string   `json:"message"`
	Priority      string   `json:"priority,omitempty"`
	TargetParcels []string `json:"targetParcels,omitempty"`
}

type CleanupCounts struct {
	ConnectedClients int `json:"connectedClients"`
	TrackedParcels   int `json:"trackedParcels"`
}

type CleanupResult struct {
	Before  CleanupCounts `json:"before"`
	After   CleanupCounts `json:"after"`
	Removed struct {
		Clients int `json:"clients"`
		Parcels int `json:"parcels"`
	} `json:"removed"`
	Timestamp string `json:"timestamp"`
}

// Result is the generic success envelope for write endpoints.
type Result struct {
	Message string         `json:"message"`
	Data    map[string]any `json:"data"`
}

// AdminClient calls the hub's admin HTTP API.
type AdminClient struct {
	base string
	http *http.Client
}

// NewAdminClient accepts http(s)://host:port or a bare host:port.
func NewAdminClient(baseURL string, hc *http.Client) *AdminClient {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &AdminClient{base: strings.TrimRight(baseURL, "/"), http: hc}
}

func (a *AdminClient) Stats(ctx context.Context) (Stats, error) {
	var out Stats
	err := a.do(ctx, http.MethodGet, "/ws/stats", nil, &out)
	return out, err
}

func (a *AdminClient) TrackedParcels(ctx context.Context) (TrackedParcels, error) {
	var out TrackedParcels
	err := a.do(ctx, http.MethodGet, "/ws/tracked-parcels", nil, &out)
	return out, err
}

func (a *AdminClient) Broadcast(ctx context.Context, req BroadcastRequest) (Result, error) {
	return a.result(ctx, "/ws/broadcast", req)
}

func (a *AdminClient) SystemAlert(ctx context.Context, req AlertRequest) (Result, error) {
	return a.result(ctx, "/ws/system-alert", req)
}

func (a *AdminClient) Cleanup(ctx context.Context) (CleanupResult, error) {
	var out CleanupResult
	err := a.do(ctx, http.MethodPost, "/ws/cleanup", nil, &out)
	return out, err
}

func (a *AdminClient) Test(ctx context.Context, parcelID, message string) (Result, error) {
	return a.result(ctx, "/ws/test", map[string]string{"parcelId": parcelID, "message": message})
}

func (a *AdminClient) result(ctx context.Context, path string, body any) (Result, error) {
	var env envelope
	if err := a.call(ctx, http.MethodPost, path, body, &env); err != nil {
		return Result{}, err
	}
	var data map[string]any
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return Result{}, fmt.Errorf("decode %s data: %w", path, err)
		}
	}
	return Result{Message: env.Message, Data: data}, nil
}

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// do calls path and decodes the envelope's data into out.
func (a *AdminClient) do(ctx context.Context, method, path string, body, out any) error {
	var env envelope
	if err := a.call(ctx, method, path, body, &env); err != nil {
		return err
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode %s data: %w", path, err)
	}
	return nil
}

func (a *AdminClient) call(ctx context.Context, method, path string, body any, env *envelope) error {
	var r io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", path, err)
		}
		r = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.base+path, r)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := json.NewDecoder(resp.Body).Decode(env); err != nil && err != io.EOF {
		if resp.StatusCode >= 300 {
			return &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	if resp.StatusCode >= 300 {
		msg := env.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	return nil
}
