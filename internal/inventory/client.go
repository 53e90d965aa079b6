// Package inventory implements the typed REST and WebSocket client for the
// Spoolman-compatible inventory service.
package inventory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const apiPrefix = "/api/v1"

// Client talks to one inventory instance. Outbound calls are rate limited
// so a large sync pass cannot flood the service, and catalog lookups
// (vendor and filament find-or-create) are cached briefly.
type Client struct {
	baseURL  string
	wsURL    string
	client   *http.Client
	limiter  *rate.Limiter
	catalog  *cache.Cache
	readIdle time.Duration
	log      zerolog.Logger
}

// New creates an inventory client.
func New(baseURL, wsURL string, timeout, readIdle time.Duration, logger zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/") + apiPrefix,
		wsURL:   strings.TrimSuffix(wsURL, "/") + apiPrefix,
		client:  &http.Client{Timeout: timeout},
		// 10 requests per second with a burst of 20
		limiter:  rate.NewLimiter(rate.Limit(10), 20),
		catalog:  cache.New(5*time.Minute, 10*time.Minute),
		readIdle: readIdle,
		log:      logger.With().Str("component", "inventory").Logger(),
	}
}

// do performs one JSON request. Non-2xx responses come back as *APIError.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("inventory: encoding %s %s body: %w", method, path, err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("inventory: building %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("inventory: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("inventory: reading %s %s response: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Body: string(data)}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("inventory: decoding %s %s response: %w", method, path, err)
		}
	}
	return nil
}

// ── Extra field schema ──────────────────────────────────────────────

// EnsureExtraFieldSchema idempotently declares the spool extra fields the
// bridge writes. Safe to call on every startup.
func (c *Client) EnsureExtraFieldSchema(ctx context.Context) error {
	var existing []ExtraField
	if err := c.do(ctx, http.MethodGet, "/field/spool", nil, nil, &existing); err != nil {
		return err
	}
	for _, f := range existing {
		if f.Key == TagIDField {
			c.log.Debug().Str("field", TagIDField).Msg("extra field already declared")
			return nil
		}
	}

	def := ExtraField{Name: "Tag ID", FieldType: "text", Order: 100}
	if err := c.do(ctx, http.MethodPost, "/field/spool/"+TagIDField, nil, def, nil); err != nil {
		return err
	}
	c.log.Info().Str("field", TagIDField).Msg("declared spool extra field")
	return nil
}

// ── Vendor operations ───────────────────────────────────────────────

func (c *Client) findVendor(ctx context.Context, name string) (*Vendor, error) {
	query := url.Values{"name": {name}}
	var vendors []Vendor
	if err := c.do(ctx, http.MethodGet, "/vendor", query, nil, &vendors); err != nil {
		return nil, err
	}
	// The name parameter is a partial match; require the full name,
	// ignoring case.
	for i := range vendors {
		if strings.EqualFold(vendors[i].Name, name) {
			return &vendors[i], nil
		}
	}
	return nil, nil
}

// FindOrCreateVendor resolves a vendor by full name (case-insensitive), creating it when
// absent. A creation conflict with a concurrent writer falls back to the
// find. Returns the vendor id.
func (c *Client) FindOrCreateVendor(ctx context.Context, name string, emptySpoolWeight *float64) (int, error) {
	if name == "" {
		name = "Unknown"
	}
	cacheKey := "vendor/" + strings.ToLower(name)
	if id, ok := c.catalog.Get(cacheKey); ok {
		return id.(int), nil
	}

	if v, err := c.findVendor(ctx, name); err != nil {
		return 0, err
	} else if v != nil {
		c.catalog.SetDefault(cacheKey, v.ID)
		return v.ID, nil
	}

	payload := Vendor{Name: name, EmptySpoolWeight: emptySpoolWeight}
	var created Vendor
	err := c.do(ctx, http.MethodPost, "/vendor", nil, payload, &created)
	if apiErr, ok := err.(*APIError); ok && apiErr.IsConflict() {
		v, ferr := c.findVendor(ctx, name)
		if ferr != nil {
			return 0, ferr
		}
		if v == nil {
			return 0, err
		}
		c.catalog.SetDefault(cacheKey, v.ID)
		return v.ID, nil
	}
	if err != nil {
		return 0, err
	}

	c.log.Info().Str("vendor", name).Int("id", created.ID).Msg("created vendor")
	c.catalog.SetDefault(cacheKey, created.ID)
	return created.ID, nil
}

// ── Filament operations ─────────────────────────────────────────────

func (c *Client) findFilament(ctx context.Context, vendorID int, material, colorHex string) (*Filament, error) {
	query := url.Values{
		"vendor.id": {strconv.Itoa(vendorID)},
		"material":  {material},
	}
	var filaments []Filament
	if err := c.do(ctx, http.MethodGet, "/filament", query, nil, &filaments); err != nil {
		return nil, err
	}
	for i := range filaments {
		if strings.EqualFold(filaments[i].ColorHex, colorHex) {
			return &filaments[i], nil
		}
	}
	return nil, nil
}

// FindOrCreateFilament resolves a filament by vendor, material and color,
// creating it when absent. Returns the filament id.
func (c *Client) FindOrCreateFilament(ctx context.Context, spec FilamentSpec) (int, error) {
	cacheKey := fmt.Sprintf("filament/%d/%s/%s", spec.VendorID, strings.ToLower(spec.Material), strings.ToLower(spec.ColorHex))
	if id, ok := c.catalog.Get(cacheKey); ok {
		return id.(int), nil
	}

	if f, err := c.findFilament(ctx, spec.VendorID, spec.Material, spec.ColorHex); err != nil {
		return 0, err
	} else if f != nil {
		c.catalog.SetDefault(cacheKey, f.ID)
		return f.ID, nil
	}

	payload := map[string]any{
		"name":      spec.Name,
		"vendor_id": spec.VendorID,
		"material":  spec.Material,
		"density":   spec.Density,
		"diameter":  spec.Diameter,
	}
	if spec.ColorHex != "" {
		payload["color_hex"] = spec.ColorHex
	}
	if spec.Weight != nil {
		payload["weight"] = *spec.Weight
	}
	if spec.SpoolWeight != nil {
		payload["spool_weight"] = *spec.SpoolWeight
	}

	var created Filament
	err := c.do(ctx, http.MethodPost, "/filament", nil, payload, &created)
	if apiErr, ok := err.(*APIError); ok && apiErr.IsConflict() {
		f, ferr := c.findFilament(ctx, spec.VendorID, spec.Material, spec.ColorHex)
		if ferr != nil {
			return 0, ferr
		}
		if f == nil {
			return 0, err
		}
		c.catalog.SetDefault(cacheKey, f.ID)
		return f.ID, nil
	}
	if err != nil {
		return 0, err
	}

	c.log.Info().Str("material", spec.Material).Str("name", spec.Name).Int("id", created.ID).Msg("created filament")
	c.catalog.SetDefault(cacheKey, created.ID)
	return created.ID, nil
}

// ── Spool operations ────────────────────────────────────────────────

// CreateSpool creates a spool. Extra-field values are JSON-encoded on the
// way out.
func (c *Client) CreateSpool(ctx context.Context, spool NewSpool) (Spool, error) {
	spool.Extra = EncodeExtra(spool.Extra)
	var created Spool
	if err := c.do(ctx, http.MethodPost, "/spool", nil, spool, &created); err != nil {
		return Spool{}, err
	}
	c.log.Info().Int("spool", created.ID).Int("filament", spool.FilamentID).Msg("created spool")
	return created, nil
}

// GetSpool fetches one spool by id.
func (c *Client) GetSpool(ctx context.Context, id int) (Spool, error) {
	var spool Spool
	err := c.do(ctx, http.MethodGet, "/spool/"+strconv.Itoa(id), nil, nil, &spool)
	return spool, err
}

// ListSpools fetches every spool, archived ones included.
func (c *Client) ListSpools(ctx context.Context) ([]Spool, error) {
	query := url.Values{"allow_archived": {"true"}}
	var spools []Spool
	err := c.do(ctx, http.MethodGet, "/spool", query, nil, &spools)
	return spools, err
}

// AddUsage reports grams of consumed filament on a spool. The inventory
// applies it as an atomic increment of used weight.
func (c *Client) AddUsage(ctx context.Context, id int, grams float64) (Spool, error) {
	body := map[string]float64{"use_weight": grams}
	var spool Spool
	if err := c.do(ctx, http.MethodPut, "/spool/"+strconv.Itoa(id)+"/use", nil, body, &spool); err != nil {
		return Spool{}, err
	}
	c.log.Debug().Int("spool", id).Float64("grams", grams).Float64("total_used", spool.UsedWeight).Msg("reported usage")
	return spool, nil
}

// UpdateSpool applies a partial update to a spool.
func (c *Client) UpdateSpool(ctx context.Context, id int, patch SpoolPatch) (Spool, error) {
	patch.Extra = EncodeExtra(patch.Extra)
	var spool Spool
	err := c.do(ctx, http.MethodPatch, "/spool/"+strconv.Itoa(id), nil, patch, &spool)
	return spool, err
}

// DeleteSpool removes a spool from the inventory.
func (c *Client) DeleteSpool(ctx context.Context, id int) error {
	return c.do(ctx, http.MethodDelete, "/spool/"+strconv.Itoa(id), nil, nil, nil)
}
