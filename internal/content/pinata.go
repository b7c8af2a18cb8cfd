package content

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/medrex/nuvora-ehr/pkg/config"
)

// PinataStore pins payloads through the Pinata API and reads them back from
// an IPFS gateway.
type PinataStore struct {
	apiURL     string
	gatewayURL string
	jwt        string
	apiKey     string
	secret     string
	maxBytes   int64
	httpClient *http.Client
}

type pinResponse struct {
	IpfsHash  string `json:"IpfsHash"`
	PinSize   int64  `json:"PinSize"`
	Timestamp string `json:"Timestamp"`
}

type pinJSONRequest struct {
	PinataContent  json.RawMessage        `json:"pinataContent"`
	PinataMetadata map[string]interface{} `json:"pinataMetadata,omitempty"`
}

// NewPinataStore creates a Pinata-backed content store
func NewPinataStore(cfg *config.ContentConfig, httpClient *http.Client) *PinataStore {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &PinataStore{
		apiURL:     strings.TrimRight(cfg.PinataAPIURL, "/"),
		gatewayURL: strings.TrimRight(cfg.PinataGateway, "/"),
		jwt:        cfg.PinataJWT,
		apiKey:     cfg.PinataAPIKey,
		secret:     cfg.PinataSecret,
		maxBytes:   cfg.MaxUploadBytes,
		httpClient: httpClient,
	}
}

// PutBlob pins a file
func (p *PinataStore) PutBlob(ctx context.Context, data []byte) (string, error) {
	name := "nuvora-" + uuid.New().String()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", name)
	if err != nil {
		return "", fmt.Errorf("failed to build upload: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("failed to build upload: %w", err)
	}
	if err := w.WriteField("pinataMetadata", fmt.Sprintf(`{"name":%q}`, name)); err != nil {
		return "", fmt.Errorf("failed to build upload: %w", err)
	}
	if err := w.WriteField("pinataOptions", `{"cidVersion":1}`); err != nil {
		return "", fmt.Errorf("failed to build upload: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to build upload: %w", err)
	}

	return p.pin(ctx, "/pinning/pinFileToIPFS", w.FormDataContentType(), &body)
}

// PutDocument pins a JSON document
func (p *PinataStore) PutDocument(ctx context.Context, doc []byte) (string, error) {
	payload, err := json.Marshal(pinJSONRequest{
		PinataContent:  json.RawMessage(doc),
		PinataMetadata: map[string]interface{}{"name": "nuvora-" + uuid.New().String()},
	})
	if err != nil {
		return "", fmt.Errorf("failed to build upload: %w", err)
	}
	return p.pin(ctx, "/pinning/pinJSONToIPFS", "application/json", bytes.NewReader(payload))
}

// Fetch reads a payload from the gateway
func (p *PinataStore) Fetch(ctx context.Context, hash string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.gatewayURL+"/"+hash, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}

	limit := p.maxBytes
	if limit <= 0 {
		limit = 10 << 20
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read gateway response: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("content %s exceeds %d bytes", hash, limit)
	}
	return data, nil
}

// Ping checks the API credentials
func (p *PinataStore) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiURL+"/data/testAuthentication", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	p.authorize(req)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("pinata request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pinata authentication returned status %d", resp.StatusCode)
	}
	return nil
}

// Close releases idle connections
func (p *PinataStore) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

func (p *PinataStore) pin(ctx context.Context, path, contentType string, body io.Reader) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL+path, body)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	p.authorize(req)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("pinata request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("pinata returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var pinned pinResponse
	if err := json.NewDecoder(resp.Body).Decode(&pinned); err != nil {
		return "", fmt.Errorf("failed to decode pinata response: %w", err)
	}
	if _, err := ParseHash(pinned.IpfsHash); err != nil {
		return "", err
	}
	return pinned.IpfsHash, nil
}

func (p *PinataStore) authorize(req *http.Request) {
	if p.jwt != "" {
		req.Header.Set("Authorization", "Bearer "+p.jwt)
		return
	}
	req.Header.Set("pinata_api_key", p.apiKey)
	req.Header.Set("pinata_secret_api_key", p.secret)
}
