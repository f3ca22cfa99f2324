// Package chain is the HTTP client for the ledger gateway, the service that
// fronts the perpetuals smart contract. The gateway owns keys and signing;
// this client only reads position records and requests closes.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/lunarfi/liquidator/internal/domain"
)

// Client talks to the ledger gateway's REST API. All numeric payload fields
// are decimal-safe strings; nothing is parsed here beyond the envelope.
// Record validation belongs to domain.ParseLedgerPosition.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a ledger gateway client for the given base URL, e.g.
// "https://gateway.internal:8545".
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  strings.TrimSpace(apiKey),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type positionsResponse struct {
	Positions []domain.RawLedgerPosition `json:"positions"`
}

type closeResponse struct {
	TxHash string `json:"txHash"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// GetUserPositions fetches every position record the ledger holds for the
// owner address.
func (c *Client) GetUserPositions(ctx context.Context, owner string) ([]domain.RawLedgerPosition, error) {
	if !common.IsHexAddress(owner) {
		return nil, fmt.Errorf("%w: owner %q is not a hex address", domain.ErrValidation, owner)
	}
	// Checksummed form keeps gateway-side lookups case-insensitive-safe.
	addr := common.HexToAddress(owner).Hex()

	var resp positionsResponse
	if err := c.get(ctx, "/v1/accounts/"+addr+"/positions", &resp); err != nil {
		return nil, err
	}
	return resp.Positions, nil
}

// GetPosition fetches a single position record by id.
func (c *Client) GetPosition(ctx context.Context, id string) (domain.RawLedgerPosition, error) {
	if strings.TrimSpace(id) == "" {
		return domain.RawLedgerPosition{}, fmt.Errorf("%w: missing position id", domain.ErrValidation)
	}

	var raw domain.RawLedgerPosition
	if err := c.get(ctx, "/v1/positions/"+id, &raw); err != nil {
		return domain.RawLedgerPosition{}, err
	}
	return raw, nil
}

// ClosePosition asks the gateway to close the position on-chain and returns
// the transaction hash as the ledger reference.
func (c *Client) ClosePosition(ctx context.Context, owner, id string) (string, error) {
	if !common.IsHexAddress(owner) {
		return "", fmt.Errorf("%w: owner %q is not a hex address", domain.ErrValidation, owner)
	}
	if strings.TrimSpace(id) == "" {
		return "", fmt.Errorf("%w: missing position id", domain.ErrValidation)
	}

	body, err := json.Marshal(map[string]string{
		"owner": common.HexToAddress(owner).Hex(),
	})
	if err != nil {
		return "", fmt.Errorf("chain: marshal close request: %w", err)
	}

	var resp closeResponse
	if err := c.do(ctx, http.MethodPost, "/v1/positions/"+id+"/close", bytes.NewReader(body), &resp); err != nil {
		return "", err
	}

	// The ref must be a real 32-byte transaction hash; anything else means
	// the gateway is broken and the ref cannot key trade records.
	raw, err := hexutil.Decode(resp.TxHash)
	if err != nil || len(raw) != common.HashLength {
		return "", fmt.Errorf("%w: gateway returned malformed tx hash %q", domain.ErrExternal, resp.TxHash)
	}

	return common.BytesToHash(raw).Hex(), nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("chain: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", domain.ErrExternal, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%w: read response for %s: %v", domain.ErrExternal, path, err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return domain.ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var ge errorResponse
		if json.Unmarshal(data, &ge) == nil && ge.Error != "" {
			return fmt.Errorf("%w: %s: status %d: %s", domain.ErrExternal, path, resp.StatusCode, ge.Error)
		}
		return fmt.Errorf("%w: %s: status %d", domain.ErrExternal, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decode response for %s: %v", domain.ErrExternal, path, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.Ledger = (*Client)(nil)
