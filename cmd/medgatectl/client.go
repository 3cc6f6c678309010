package main

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// Client is an HTTP client for the medgate API.
type Client struct {
	addr  string
	token string
	http  *http.Client
}

// newClient creates a Client from the current config.
func newClient() *Client {
	if tokenExpired(time.Now()) {
		fmt.Fprintf(os.Stderr, "Warning: the saved token for %s expired at %s; run medgatectl login.\n",
			cfg.Login, cfg.ExpiresAt.Local().Format(time.RFC1123))
	}
	addr, token, caCert := cfg.Address, cfg.Token, cfg.TLSCACert

	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if caCert != "" {
		data, err := os.ReadFile(caCert)
		if err == nil {
			pool := x509.NewCertPool()
			pool.AppendCertsFromPEM(data)
			tlsCfg.RootCAs = pool
		}
	}

	httpClient := &http.Client{
		Timeout:   30 * time.Second,
		Transport: &http.Transport{TLSClientConfig: tlsCfg},
	}

	return &Client{addr: addr, token: token, http: httpClient}
}

func (c *Client) do(method, path string, body any) (map[string]any, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.addr+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	return parseResponse(resp)
}

func (c *Client) get(path string) (map[string]any, error) { return c.do(http.MethodGet, path, nil) }

func (c *Client) post(path string, body any) (map[string]any, error) {
	return c.do(http.MethodPost, path, body)
}

func (c *Client) patch(path string, body any) (map[string]any, error) {
	return c.do(http.MethodPatch, path, body)
}

func (c *Client) delete(path string) (map[string]any, error) {
	return c.do(http.MethodDelete, path, nil)
}

// parseResponse decodes a JSON body. 204 yields an empty map; failures
// surface the server's {error, detail} envelope.
func parseResponse(resp *http.Response) (map[string]any, error) {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNoContent || len(data) == 0 {
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
		}
		return map[string]any{}, nil
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, data)
	}
	if resp.StatusCode >= 400 {
		if kind, ok := result["error"].(string); ok {
			return nil, fmt.Errorf("%s: %v", kind, result["detail"])
		}
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return result, nil
}
