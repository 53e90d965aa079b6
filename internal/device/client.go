// Package device implements the typed client for the SpoolEase device's
// encrypted REST surface. Every request body is encrypted and every
// response body decrypted with the crypt envelope before it is parsed.
package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"spool-sync-bridge/internal/crypt"
	"spool-sync-bridge/internal/record"
)

const (
	pathTestKey = "/api/test-key"
	pathSpools  = "/api/spools"

	// The device firmware expects this content type on encrypted bodies.
	contentType = "application/text"

	// keyTestPayload is the cleartext body the firmware expects on the
	// key-validation endpoint.
	keyTestPayload = `{"test":"Hello"}`
)

var (
	// ErrUnreachable indicates a transport-level failure talking to the
	// device. Retryable with backoff.
	ErrUnreachable = errors.New("device: unreachable")

	// ErrAuthentication indicates the security key does not match the
	// device firmware. Not retryable.
	ErrAuthentication = errors.New("device: authentication failed")

	// ErrProtocol indicates the device responded with something the
	// bridge could not parse.
	ErrProtocol = errors.New("device: protocol error")
)

// ErrTagNotFound is returned by GetSpool when no catalog record carries
// the requested tag.
var ErrTagNotFound = errors.New("device: tag not found")

// Client talks to one SpoolEase device.
type Client struct {
	baseURL string
	cipher  *crypt.Cipher
	client  *http.Client
	log     zerolog.Logger
}

// New creates a device client for the given base URL and security key.
func New(baseURL, securityKey string, timeout time.Duration, logger zerolog.Logger) (*Client, error) {
	cipher, err := crypt.New(securityKey)
	if err != nil {
		return nil, err
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		cipher:  cipher,
		client:  &http.Client{Timeout: timeout},
		log:     logger.With().Str("component", "device").Logger(),
	}, nil
}

// ValidateKey issues a trivial authenticated request and reports whether
// the configured security key matches the device. Returns ErrAuthentication
// on key mismatch and ErrUnreachable on transport failure.
func (c *Client) ValidateKey(ctx context.Context) error {
	body, err := c.cipher.Encrypt([]byte(keyTestPayload))
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+pathTestKey, strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK:
		c.log.Debug().Msg("security key validated")
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusBadRequest:
		// The firmware rejects bodies it cannot decrypt.
		return fmt.Errorf("%w: device rejected key test (HTTP %d)", ErrAuthentication, resp.StatusCode)
	default:
		return fmt.Errorf("%w: key test returned HTTP %d", ErrUnreachable, resp.StatusCode)
	}
}

// ListSpools fetches and decrypts the full spool catalog. Malformed
// individual records are logged and skipped; the remaining records are
// returned.
func (c *Client) ListSpools(ctx context.Context) ([]record.DeviceRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+pathSpools, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: GET %s returned HTTP %d", ErrUnreachable, pathSpools, resp.StatusCode)
	}

	envelope, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrUnreachable, err)
	}

	plaintext, err := c.cipher.Decrypt(string(envelope))
	if err != nil {
		if errors.Is(err, crypt.ErrAuthentication) {
			return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	records, parseErrs, err := record.ParseString(string(plaintext))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	for _, perr := range parseErrs {
		c.log.Warn().Int("line", perr.Line).Str("reason", perr.Reason).Msg("skipping malformed spool record")
	}

	c.log.Debug().Int("spools", len(records)).Msg("fetched device catalog")
	return records, nil
}

// GetSpool fetches a single record by tag id. Diagnostics only; the
// firmware has no single-record endpoint, so this filters the catalog.
func (c *Client) GetSpool(ctx context.Context, tagID string) (record.DeviceRecord, error) {
	records, err := c.ListSpools(ctx)
	if err != nil {
		return record.DeviceRecord{}, err
	}
	for _, rec := range records {
		if rec.TagID == tagID {
			return rec, nil
		}
	}
	return record.DeviceRecord{}, fmt.Errorf("%w: %q", ErrTagNotFound, tagID)
}
