// Package billing prices a frozen cart snapshot into a receipt. The
// exit finalizer calls it exactly once per session; pricing failures are
// retryable against the same snapshot.
package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/visionkarts/checkout/internal/cart"
	"github.com/visionkarts/checkout/internal/httputil"
)

// LineItem is one priced product line in a receipt. Prices are integer
// cents to keep arithmetic exact.
type LineItem struct {
	Label         string `json:"label"`
	Quantity      int    `json:"quantity"`
	UnitPriceCent int64  `json:"unit_price_cent"`
	LineTotalCent int64  `json:"line_total_cent"`
}

// Receipt is the priced form of a frozen cart snapshot.
type Receipt struct {
	Lines     []LineItem `json:"lines"`
	TotalCent int64      `json:"total_cent"`
}

// Biller prices a cart snapshot.
type Biller interface {
	Price(ctx context.Context, items []cart.Item) (Receipt, error)
}

// StaticBiller prices from an in-memory price table. Used in development
// and by the simulator.
type StaticBiller struct {
	mu     sync.RWMutex
	prices map[string]int64 // label -> unit price in cents
}

// NewStaticBiller creates a StaticBiller with the given price table.
func NewStaticBiller(prices map[string]int64) *StaticBiller {
	table := make(map[string]int64, len(prices))
	for label, cents := range prices {
		table[label] = cents
	}
	return &StaticBiller{prices: table}
}

// SetPrice adds or updates one price table entry.
func (b *StaticBiller) SetPrice(label string, cents int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[label] = cents
}

// Price prices the snapshot from the table. Unknown labels are an error so
// misconfigured catalogs fail loudly instead of billing zero.
func (b *StaticBiller) Price(_ context.Context, items []cart.Item) (Receipt, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var receipt Receipt
	for _, item := range items {
		cents, ok := b.prices[item.Label]
		if !ok {
			return Receipt{}, fmt.Errorf("no price for product %q", item.Label)
		}
		line := LineItem{
			Label:         item.Label,
			Quantity:      item.Quantity,
			UnitPriceCent: cents,
			LineTotalCent: cents * int64(item.Quantity),
		}
		receipt.Lines = append(receipt.Lines, line)
		receipt.TotalCent += line.LineTotalCent
	}
	return receipt, nil
}

// HTTPBiller prices snapshots against a remote pricing service.
type HTTPBiller struct {
	url    string
	client httputil.HTTPClient
}

// NewHTTPBiller creates an HTTPBiller posting to the given URL.
func NewHTTPBiller(url string, client httputil.HTTPClient) *HTTPBiller {
	if client == nil {
		client = httputil.NewStandardClient(nil)
	}
	return &HTTPBiller{url: url, client: client}
}

// Price posts the snapshot as JSON and decodes the receipt.
func (b *HTTPBiller) Price(ctx context.Context, items []cart.Item) (Receipt, error) {
	payload, err := json.Marshal(items)
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to encode cart snapshot: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(payload))
	if err != nil {
		return Receipt{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("pricing request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Receipt{}, fmt.Errorf("pricing service returned status %d", resp.StatusCode)
	}

	var receipt Receipt
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
		return Receipt{}, fmt.Errorf("failed to decode receipt: %w", err)
	}
	return receipt, nil
}
