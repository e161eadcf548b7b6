package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// HTTPDoer abstracts http.Client for ease of testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// PriceSource quotes the USD price of one unit of an asset.
type PriceSource interface {
	USDPrice(ctx context.Context, asset string) (*big.Rat, error)
	Name() string
}

const defaultCoinGeckoEndpoint = "https://api.coingecko.com/api/v3/simple/price"

// CoinGecko adapts the public CoinGecko simple price API.
type CoinGecko struct {
	client   HTTPDoer
	endpoint string
	apiKey   string
	idMap    map[string]string
}

// NewCoinGecko constructs a source. idMap maps asset symbols to CoinGecko ids.
func NewCoinGecko(client HTTPDoer, endpoint, apiKey string, idMap map[string]string) *CoinGecko {
	ep := strings.TrimSpace(endpoint)
	if ep == "" {
		ep = defaultCoinGeckoEndpoint
	}
	if client == nil {
		client = http.DefaultClient
	}
	mapped := make(map[string]string, len(idMap))
	for k, v := range idMap {
		mapped[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return &CoinGecko{client: client, endpoint: ep, apiKey: strings.TrimSpace(apiKey), idMap: mapped}
}

func (c *CoinGecko) Name() string { return "coingecko" }

func (c *CoinGecko) assetID(symbol string) string {
	if id, ok := c.idMap[strings.ToUpper(strings.TrimSpace(symbol))]; ok && id != "" {
		return id
	}
	return strings.ToLower(strings.TrimSpace(symbol))
}

// USDPrice fetches the spot USD price of asset.
func (c *CoinGecko) USDPrice(ctx context.Context, asset string) (*big.Rat, error) {
	id := c.assetID(asset)
	if id == "" {
		return nil, fmt.Errorf("coingecko: unmapped asset %q", asset)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return nil, err
	}
	values := url.Values{}
	values.Set("ids", id)
	values.Set("vs_currencies", "usd")
	req.URL.RawQuery = values.Encode()
	if c.apiKey != "" {
		req.Header.Set("x-cg-demo-api-key", c.apiKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("coingecko: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	var payload map[string]map[string]interface{}
	if err := decoder.Decode(&payload); err != nil {
		return nil, fmt.Errorf("coingecko: decode: %w", err)
	}
	entry, ok := payload[id]
	if !ok {
		return nil, fmt.Errorf("coingecko: quote missing for %s", id)
	}
	var priceStr string
	switch v := entry["usd"].(type) {
	case json.Number:
		priceStr = v.String()
	case string:
		priceStr = v
	case float64:
		priceStr = strconv.FormatFloat(v, 'f', -1, 64)
	}
	rat, ok := new(big.Rat).SetString(strings.TrimSpace(priceStr))
	if !ok || rat.Sign() <= 0 {
		return nil, fmt.Errorf("coingecko: invalid price %q", priceStr)
	}
	return rat, nil
}
