// Package contracts hydrates full contract records from the external
// contract-metadata service, with a Postgres-backed cache for lookups the
// service cannot answer.
package contracts

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/nsvirk/ibstreamapi/upstream"
)

const lookupTimeout = 10 * time.Second

// Client queries the contract lookup service.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: lookupTimeout},
	}
}

// Entry is one contract in a lookup response.
type Entry struct {
	ConID           int64   `json:"con_id"`
	Symbol          string  `json:"symbol"`
	SecType         string  `json:"sec_type"`
	Exchange        string  `json:"exchange"`
	PrimaryExchange string  `json:"primary_exchange"`
	Currency        string  `json:"currency"`
	LocalSymbol     string  `json:"local_symbol"`
	TradingClass    string  `json:"trading_class"`
	Multiplier      string  `json:"multiplier"`
	Expiry          string  `json:"expiry"`
	Strike          float64 `json:"strike"`
	Right           string  `json:"right"`
}

// ContractGroup is the per-security-type bucket in a lookup response.
type ContractGroup struct {
	Contracts []Entry `json:"contracts"`
}

// LookupResult is the lookup service's response body.
type LookupResult struct {
	Symbol          string                   `json:"symbol"`
	ContractsByType map[string]ContractGroup `json:"contracts_by_type"`
}

// Lookup fetches every contract known for a symbol.
func (c *Client) Lookup(ctx context.Context, symbol string) (*LookupResult, error) {
	u := fmt.Sprintf("%s/lookup/%s", c.baseURL, url.PathEscape(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("contract lookup %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("contract lookup %s: status %d", symbol, resp.StatusCode)
	}

	var result LookupResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("contract lookup %s: decode: %w", symbol, err)
	}
	return &result, nil
}

// FindByConID scans all security-type buckets for a contract id.
func (r *LookupResult) FindByConID(conID int64) (*Entry, bool) {
	for _, group := range r.ContractsByType {
		for i := range group.Contracts {
			if group.Contracts[i].ConID == conID {
				return &group.Contracts[i], true
			}
		}
	}
	return nil, false
}

// ToContract converts a lookup entry to the upstream contract form.
func (e *Entry) ToContract() upstream.Contract {
	return upstream.Contract{
		ConID:           e.ConID,
		Symbol:          e.Symbol,
		SecType:         e.SecType,
		Exchange:        e.Exchange,
		PrimaryExchange: e.PrimaryExchange,
		Currency:        e.Currency,
		LocalSymbol:     e.LocalSymbol,
		TradingClass:    e.TradingClass,
		Multiplier:      e.Multiplier,
		Expiry:          e.Expiry,
		Strike:          e.Strike,
		Right:           e.Right,
	}
}
