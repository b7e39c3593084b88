package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"gatewayd/internal/accountant"
	"gatewayd/internal/clientconfig"
	"gatewayd/internal/dispatcher"
	"gatewayd/internal/model"
	"gatewayd/internal/reconcile"
)

// client is a thin REST client over gatewayd's HTTP control surface
// (spec §4.5).
type client struct {
	baseURL string
	token   string
	http    *http.Client
}

func newClient(address, token string) *client {
	base := clientconfig.NormalizeAddress(address)
	return &client{baseURL: base, token: token, http: &http.Client{Timeout: 10 * time.Second}}
}

type statusResponse struct {
	reconcile.Result
	Dispatcher dispatcher.Stats `json:"dispatcher"`
}

func (c *client) getConfig(ctx context.Context) (model.DesiredState, error) {
	var out model.DesiredState
	err := c.do(ctx, http.MethodGet, "/config", nil, &out)
	return out, err
}

func (c *client) postConfig(ctx context.Context, desired model.DesiredState) (reconcile.Result, error) {
	var out reconcile.Result
	err := c.do(ctx, http.MethodPost, "/config", desired, &out)
	return out, err
}

func (c *client) getStatus(ctx context.Context) (statusResponse, error) {
	var out statusResponse
	err := c.do(ctx, http.MethodGet, "/status", nil, &out)
	return out, err
}

func (c *client) getTraffic(ctx context.Context, since int64) ([]accountant.NetworkTraffic, error) {
	path := "/traffic"
	if since != 0 {
		path += "?since=" + strconv.FormatInt(since, 10)
	}
	var out []accountant.NetworkTraffic
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Token", c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, string(msg))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s %s: %w", method, path, err)
	}
	return nil
}
