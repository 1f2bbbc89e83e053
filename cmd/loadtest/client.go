package main

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

const (
	idempotencyHeader = "Idempotency-Key"
	replayHeader      = "Idempotent-Replayed"
)

type groceryItem struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Inventory int64  `json:"inventory"`
}

type orderLine struct {
	Name     string `json:"name"`
	Quantity int64  `json:"quantity"`
}

type placedOrder struct {
	OrderID int64 `json:"orderId"`
}

type errorEnvelope struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

// apiClient: тонкий HTTP-клиент grocery API для нагрузочного теста.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(baseURL string, timeout time.Duration) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type apiResponse struct {
	status   int
	body     []byte
	replayed bool
}

func (c *apiClient) do(ctx context.Context, method, path string, payload any, headers map[string]string) (apiResponse, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return apiResponse{}, err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return apiResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apiResponse{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return apiResponse{status: resp.StatusCode}, err
	}
	return apiResponse{
		status:   resp.StatusCode,
		body:     raw,
		replayed: resp.Header.Get(replayHeader) == "true",
	}, nil
}

func (c *apiClient) createItem(ctx context.Context, name, price string, inventory int64) (groceryItem, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/admin/grocery-items", map[string]any{
		"name":      name,
		"price":     json.Number(price),
		"inventory": inventory,
	}, nil)
	if err != nil {
		return groceryItem{}, err
	}
	if resp.status != http.StatusCreated {
		return groceryItem{}, fmt.Errorf("create item: status %d: %s", resp.status, errorMessage(resp.body))
	}

	var item groceryItem
	if err := json.Unmarshal(resp.body, &item); err != nil {
		return groceryItem{}, fmt.Errorf("decode item: %w", err)
	}
	return item, nil
}

func (c *apiClient) getItem(ctx context.Context, id int64) (groceryItem, int, error) {
	resp, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/admin/grocery-items/%d", id), nil, nil)
	if err != nil {
		return groceryItem{}, 0, err
	}
	if resp.status != http.StatusOK {
		return groceryItem{}, resp.status, fmt.Errorf("get item: status %d: %s", resp.status, errorMessage(resp.body))
	}

	var item groceryItem
	if err := json.Unmarshal(resp.body, &item); err != nil {
		return groceryItem{}, resp.status, fmt.Errorf("decode item: %w", err)
	}
	return item, resp.status, nil
}

func (c *apiClient) placeOrder(ctx context.Context, key string, lines []orderLine) (apiResponse, error) {
	var headers map[string]string
	if key != "" {
		headers = map[string]string{idempotencyHeader: key}
	}
	return c.do(ctx, http.MethodPost, "/api/orders", map[string]any{"items": lines}, headers)
}

func errorMessage(body []byte) string {
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Error.Kind == "" {
		return strings.TrimSpace(string(body))
	}
	return env.Error.Kind + ": " + env.Error.Message
}

func errorKind(body []byte) string {
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return ""
	}
	return env.Error.Kind
}
