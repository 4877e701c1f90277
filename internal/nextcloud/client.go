// Package nextcloud talks to the Nextcloud OCS API to discover the signaling
// settings of a Talk call.
package nextcloud

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/nextcloud/talk-transcription-bridge/internal/domain"
)

// Client fetches signaling settings for Talk rooms.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient builds a client for the given Nextcloud base URL.
func NewClient(baseURL string, skipCertVerify bool) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if skipCertVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout:   15 * time.Second,
			Transport: transport,
		},
	}
}

type ocsEnvelope struct {
	OCS struct {
		Data domain.HPBSettings `json:"data"`
	} `json:"ocs"`
}

// SignalingSettings returns the STUN and TURN servers Talk advertises for
// the given room.
func (c *Client) SignalingSettings(ctx context.Context, roomToken string) (domain.HPBSettings, error) {
	endpoint := fmt.Sprintf("%s/ocs/v2.php/apps/spreed/api/v3/signaling/settings?token=%s",
		c.baseURL, url.QueryEscape(roomToken))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return domain.HPBSettings{}, fmt.Errorf("failed to build settings request: %w", err)
	}
	req.Header.Set("OCS-APIRequest", "true")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.HPBSettings{}, fmt.Errorf("failed to fetch signaling settings: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.HPBSettings{}, fmt.Errorf("signaling settings request returned %d", resp.StatusCode)
	}

	var envelope ocsEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return domain.HPBSettings{}, fmt.Errorf("failed to decode signaling settings: %w", err)
	}
	return envelope.OCS.Data, nil
}
