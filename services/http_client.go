package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/flashbots/techmap/protocol"
)

// DefaultClientTimeout bounds a single HTTP round trip unless the context
// carries a shorter deadline.
const DefaultClientTimeout = 30 * time.Second

// apiClient issues JSON requests against one service.
type apiClient struct {
	baseURL    string
	httpClient *http.Client
}

func newAPIClient(baseURL string, httpClient *http.Client) apiClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultClientTimeout}
	}
	return apiClient{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

// do sends in as JSON (nil for no body) and decodes a 200 response into out.
// Error responses are decoded back into protocol errors. Transport failures
// become ErrServiceUnavailable with the cause kept, so deadline overruns
// still match context.DeadlineExceeded.
func (c apiClient) do(ctx context.Context, method, path string, in, out any) error {
	var body *bytes.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return protocol.Wrap(protocol.ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return protocol.Wrap(protocol.ErrServiceUnavailable, fmt.Errorf("decoding %s response: %w", path, err))
	}
	return nil
}

// KeyServerHTTPClient is the map server's view of a remote key server.
type KeyServerHTTPClient struct {
	api apiClient
}

var _ protocol.KeyServerClient = (*KeyServerHTTPClient)(nil)

func NewKeyServerHTTPClient(baseURL string, httpClient *http.Client) *KeyServerHTTPClient {
	return &KeyServerHTTPClient{api: newAPIClient(baseURL, httpClient)}
}

func (c *KeyServerHTTPClient) PublicKey(ctx context.Context) (*protocol.PublicKeyResponse, error) {
	var resp protocol.PublicKeyResponse
	if err := c.api.do(ctx, http.MethodGet, "/public-key", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *KeyServerHTTPClient) BlindDecrypt(ctx context.Context, req *protocol.Signed[protocol.BlindDecryptRequest]) (*protocol.BlindDecryptResponse, error) {
	var resp protocol.BlindDecryptResponse
	if err := c.api.do(ctx, http.MethodPost, "/blind-decrypt", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *KeyServerHTTPClient) SignTest(ctx context.Context, req *protocol.Signed[protocol.SignTestRequest]) (*protocol.SignTestResponse, error) {
	var resp protocol.SignTestResponse
	if err := c.api.do(ctx, http.MethodPost, "/sign-test", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// MapServerHTTPClient is the producer's view of a remote map server.
type MapServerHTTPClient struct {
	api apiClient
}

var _ protocol.MapServerAPI = (*MapServerHTTPClient)(nil)

func NewMapServerHTTPClient(baseURL string, httpClient *http.Client) *MapServerHTTPClient {
	return &MapServerHTTPClient{api: newAPIClient(baseURL, httpClient)}
}

func (c *MapServerHTTPClient) Config(ctx context.Context) (*protocol.TechMapConfig, error) {
	var resp protocol.TechMapConfig
	if err := c.api.do(ctx, http.MethodGet, "/config", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *MapServerHTTPClient) PublicKey(ctx context.Context) (*protocol.PublicKeyResponse, error) {
	var resp protocol.PublicKeyResponse
	if err := c.api.do(ctx, http.MethodGet, "/public-key", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *MapServerHTTPClient) Provision(ctx context.Context, req *protocol.Signed[protocol.ProvisionRequest]) (*protocol.ProvisionAck, error) {
	var resp protocol.ProvisionAck
	if err := c.api.do(ctx, http.MethodPost, "/provision", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *MapServerHTTPClient) RegularQuery(ctx context.Context, req *protocol.Signed[protocol.QueryRequest]) (*protocol.QueryResponse, error) {
	var resp protocol.QueryResponse
	if err := c.api.do(ctx, http.MethodPost, "/query", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *MapServerHTTPClient) ReverseQuery(ctx context.Context, req *protocol.Signed[protocol.ReverseQueryRequest]) (*protocol.ReverseQueryResponse, error) {
	var resp protocol.ReverseQueryResponse
	if err := c.api.do(ctx, http.MethodPost, "/reverse-query", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *MapServerHTTPClient) SelectCandidate(ctx context.Context, req *protocol.Signed[protocol.SelectRequest]) (*protocol.SelectAck, error) {
	var resp protocol.SelectAck
	if err := c.api.do(ctx, http.MethodPost, "/select", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
