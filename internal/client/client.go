// Package client is a Go client for the marketplace HTTP API. Mutating
// calls are signed with the caller's Ethereum key.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/nftmarket/internal/crypto"
	"github.com/alanyoungcy/nftmarket/internal/domain"
)

// APIError is a non-2xx response. It unwraps to the matching domain
// sentinel so callers can use errors.Is(err, domain.ErrAlreadySold).
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d (%s): %s", e.Status, e.Code, e.Message)
}

// Unwrap returns the domain sentinel for Code, if any.
func (e *APIError) Unwrap() error { return domain.ErrorFromCode(e.Code) }

// Amount is a wei value with its ether rendering.
type Amount struct {
	Wei   string `json:"wei"`
	Ether string `json:"ether"`
}

// Int parses Wei.
func (a Amount) Int() *big.Int {
	v, ok := new(big.Int).SetString(a.Wei, 10)
	if !ok {
		return new(big.Int)
	}
	return v
}

// Item is a market item as returned by the API.
type Item struct {
	ItemID      int64      `json:"item_id"`
	Contract    string     `json:"contract"`
	TokenID     string     `json:"token_id"`
	Seller      string     `json:"seller"`
	Owner       string     `json:"owner"`
	Price       Amount     `json:"price"`
	Sold        bool       `json:"sold"`
	ListedAt    time.Time  `json:"listed_at"`
	SoldAt      *time.Time `json:"sold_at,omitempty"`
	MetadataURI string     `json:"metadata_uri,omitempty"`
}

// Event is one entry of the durable event stream.
type Event struct {
	StreamID string             `json:"stream_id"`
	Event    domain.MarketEvent `json:"event"`
}

// Archive describes a stored item snapshot.
type Archive struct {
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// Client talks to one marketplace server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	signer     *crypto.Signer
	now        func() time.Time
}

// New creates a client. signer may be nil for read-only use.
func New(baseURL string, signer *crypto.Signer) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		signer:     signer,
		now:        time.Now,
	}
}

// Address returns the signing account, or the zero address.
func (c *Client) Address() common.Address {
	if c.signer == nil {
		return common.Address{}
	}
	return c.signer.Address()
}

// Health returns the server health document.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.do(ctx, http.MethodGet, "/api/health", nil, nil, &out, false); err != nil {
		return nil, fmt.Errorf("client: health: %w", err)
	}
	return out, nil
}

// ListingFee returns the current listing fee.
func (c *Client) ListingFee(ctx context.Context) (*big.Int, error) {
	var out struct {
		ListingFee Amount `json:"listing_fee"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/market/fee", nil, nil, &out, false); err != nil {
		return nil, fmt.Errorf("client: listing fee: %w", err)
	}
	return out.ListingFee.Int(), nil
}

// SetListingFee changes the listing fee. The signer must be the owner.
func (c *Client) SetListingFee(ctx context.Context, fee *big.Int) error {
	body := map[string]string{"fee": fee.String()}
	if err := c.do(ctx, http.MethodPut, "/api/market/fee", nil, body, nil, true); err != nil {
		return fmt.Errorf("client: set listing fee: %w", err)
	}
	return nil
}

// Balance returns the accrued listing fees.
func (c *Client) Balance(ctx context.Context) (*big.Int, error) {
	var out struct {
		Balance Amount `json:"balance"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/market/balance", nil, nil, &out, false); err != nil {
		return nil, fmt.Errorf("client: balance: %w", err)
	}
	return out.Balance.Int(), nil
}

// Withdraw pays accrued fees to the signer, who must be the owner.
func (c *Client) Withdraw(ctx context.Context, amount *big.Int) error {
	body := map[string]string{"amount": amount.String()}
	if err := c.do(ctx, http.MethodPost, "/api/market/withdraw", nil, body, nil, true); err != nil {
		return fmt.Errorf("client: withdraw: %w", err)
	}
	return nil
}

// UnsoldItems returns every unsold item.
func (c *Client) UnsoldItems(ctx context.Context) ([]Item, error) {
	var out struct {
		Items []Item `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/items", nil, nil, &out, false); err != nil {
		return nil, fmt.Errorf("client: unsold items: %w", err)
	}
	return out.Items, nil
}

// Item returns one item.
func (c *Client) Item(ctx context.Context, itemID int64) (Item, error) {
	var out Item
	path := "/api/items/" + strconv.FormatInt(itemID, 10)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out, false); err != nil {
		return Item{}, fmt.Errorf("client: item %d: %w", itemID, err)
	}
	return out, nil
}

// ListItem lists the signer's token at price, paying fee.
func (c *Client) ListItem(ctx context.Context, contract common.Address, tokenID, price, fee *big.Int) (Item, error) {
	body := map[string]string{
		"contract": contract.Hex(),
		"token_id": tokenID.String(),
		"price":    price.String(),
		"paid":     fee.String(),
	}
	var out Item
	if err := c.do(ctx, http.MethodPost, "/api/items", nil, body, &out, true); err != nil {
		return Item{}, fmt.Errorf("client: list item: %w", err)
	}
	return out, nil
}

// Buy purchases itemID for paid.
func (c *Client) Buy(ctx context.Context, itemID int64, paid *big.Int) (Item, error) {
	body := map[string]string{"paid": paid.String()}
	var out Item
	path := "/api/items/" + strconv.FormatInt(itemID, 10) + "/buy"
	if err := c.do(ctx, http.MethodPost, path, nil, body, &out, true); err != nil {
		return Item{}, fmt.Errorf("client: buy item %d: %w", itemID, err)
	}
	return out, nil
}

// Mint creates a token owned by the signer in the development registry.
func (c *Client) Mint(ctx context.Context, contract common.Address, uri string) (*big.Int, error) {
	body := map[string]string{"contract": contract.Hex(), "uri": uri}
	var out struct {
		TokenID string `json:"token_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/assets/mint", nil, body, &out, true); err != nil {
		return nil, fmt.Errorf("client: mint: %w", err)
	}
	id, ok := new(big.Int).SetString(out.TokenID, 10)
	if !ok {
		return nil, fmt.Errorf("client: mint: bad token id %q", out.TokenID)
	}
	return id, nil
}

// WalletBalance returns an address's spendable balance in the development
// bank.
func (c *Client) WalletBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	var out struct {
		Balance Amount `json:"balance"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/wallets/"+addr.Hex(), nil, nil, &out, false); err != nil {
		return nil, fmt.Errorf("client: wallet balance: %w", err)
	}
	return out.Balance.Int(), nil
}

// Events returns up to limit events appended after the given stream id.
func (c *Client) Events(ctx context.Context, after string, limit int) ([]Event, error) {
	q := url.Values{}
	if after != "" {
		q.Set("after", after)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Events []Event `json:"events"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/events", q, nil, &out, false); err != nil {
		return nil, fmt.Errorf("client: events: %w", err)
	}
	return out.Events, nil
}

// Archives lists the item snapshots in object storage.
func (c *Client) Archives(ctx context.Context) ([]Archive, error) {
	var out struct {
		Archives []Archive `json:"archives"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/archives", nil, nil, &out, false); err != nil {
		return nil, fmt.Errorf("client: archives: %w", err)
	}
	return out.Archives, nil
}

// do sends one request and decodes a JSON response into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any, signed bool) error {
	var (
		reader  io.Reader
		payload []byte
	)
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		payload = data
		reader = bytes.NewReader(data)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if signed {
		if c.signer == nil {
			return errors.New("signed request needs a key")
		}
		headers, err := c.signer.RequestHeaders(method, req.URL.Path, c.now().Unix(), payload)
		if err != nil {
			return err
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
		var e struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(respBody, &e) == nil && e.Error != "" {
			apiErr.Code, apiErr.Message = e.Code, e.Error
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
