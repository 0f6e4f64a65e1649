package main

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"os"
	"time"

	"github.com/org/citaguard/internal/csrf"
)

const cliVersion = "citaguard-cli/1.0"

// Client is an HTTP client for the citaguard API. It keeps the CSRF cookie
// in a jar and echoes the token in the header on state-changing requests.
type Client struct {
	addr  string
	token string
	csrf  string
	http  *http.Client
}

// newClient creates a Client from the current config.
func newClient() *Client {
	addr := cfg.Address
	if v := os.Getenv("CITAGUARD_ADDR"); v != "" {
		addr = v
	}
	token := cfg.Token
	if v := os.Getenv("CITAGUARD_TOKEN"); v != "" {
		token = v
	}
	caCert := cfg.TLSCACert
	if v := os.Getenv("CITAGUARD_CACERT"); v != "" {
		caCert = v
	}

	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if caCert != "" {
		data, err := os.ReadFile(caCert)
		if err == nil {
			pool := x509.NewCertPool()
			pool.AppendCertsFromPEM(data)
			tlsCfg.RootCAs = pool
		}
	}

	return newClientFor(addr, token, &http.Transport{TLSClientConfig: tlsCfg})
}

func newClientFor(addr, token string, transport http.RoundTripper) *Client {
	jar, _ := cookiejar.New(nil)
	return &Client{
		addr:  addr,
		token: token,
		http: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
			Jar:       jar,
		},
	}
}

// fetchCSRF obtains a token; the guard also stores it in the cookie jar.
func (c *Client) fetchCSRF() error {
	resp, err := c.send("GET", "/csrf-token", nil)
	if err != nil {
		return err
	}
	result, err := parseResponse(resp)
	if err != nil {
		return fmt.Errorf("fetching csrf token: %w", err)
	}
	token, _ := result["csrf_token"].(string)
	if token == "" {
		return fmt.Errorf("server returned no csrf token")
	}
	c.csrf = token
	return nil
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	if csrf.Unsafe(method) && c.csrf == "" {
		if err := c.fetchCSRF(); err != nil {
			return nil, err
		}
	}
	return c.send(method, path, body)
}

func (c *Client) send(method, path string, body any) (*http.Response, error) {
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
	req.Header.Set("X-Client-Version", clientVersion())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if csrf.Unsafe(method) && c.csrf != "" {
		req.Header.Set(csrf.HeaderName, c.csrf)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	// The guard rotates the token after successful writes.
	if t := resp.Header.Get(csrf.HeaderName); t != "" {
		c.csrf = t
	}
	return resp, nil
}

func clientVersion() string {
	if cfg.ClientVersion != "" {
		return cfg.ClientVersion
	}
	return cliVersion
}

func (c *Client) get(path string) (map[string]any, error) {
	resp, err := c.do("GET", path, nil)
	if err != nil {
		return nil, err
	}
	return parseResponse(resp)
}

func (c *Client) post(path string, body any) (map[string]any, error) {
	resp, err := c.do("POST", path, body)
	if err != nil {
		return nil, err
	}
	return parseResponse(resp)
}

func (c *Client) put(path string, body any) (map[string]any, error) {
	resp, err := c.do("PUT", path, body)
	if err != nil {
		return nil, err
	}
	return parseResponse(resp)
}

func (c *Client) delete(path string) (map[string]any, error) {
	resp, err := c.do("DELETE", path, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNoContent {
		resp.Body.Close()
		return map[string]any{}, nil
	}
	return parseResponse(resp)
}

func parseResponse(resp *http.Response) (map[string]any, error) {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, data)
	}
	if resp.StatusCode >= 400 {
		switch errs := result["errors"].(type) {
		case []any:
			if len(errs) > 0 {
				return nil, fmt.Errorf("%v", errs[0])
			}
		case map[string]any:
			for field, msg := range errs {
				return nil, fmt.Errorf("%s: %v", field, msg)
			}
		}
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return result, nil
}
