// Package crm pushes triage scores to the HubSpot CRM.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultAPIURL        = "https://api.hubapi.com"
	defaultClientTimeout = 10 * time.Second
	maxErrorBodyBytes    = 2048
)

var (
	// ErrContactNotFound indicates no contact matches the email.
	ErrContactNotFound = errors.New("crm: contact not found")
	// ErrDealNotFound indicates the contact has no associated deal.
	ErrDealNotFound = errors.New("crm: deal not found")

	errMissingToken = errors.New("crm: access token required")
)

// Client is the CRM contract consumed by the score syncer.
type Client interface {
	FindContactByEmail(ctx context.Context, email string) (string, error)
	FindMostRecentDealForContact(ctx context.Context, contactID string) (string, error)
	UpdateDealProperties(ctx context.Context, dealID string, properties map[string]string) error
	UpdateDealStage(ctx context.Context, dealID, pipeline, stage string) error
}

// HubSpotConfig configures the HubSpot REST client.
type HubSpotConfig struct {
	BaseURL     string
	AccessToken string
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

// HubSpotClient implements Client over the HubSpot CRM v3 API.
type HubSpotClient struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
	logger      *zap.Logger
}

// NewHubSpotClient constructs a HubSpotClient with defaults applied.
func NewHubSpotClient(cfg HubSpotConfig) (*HubSpotClient, error) {
	token := strings.TrimSpace(cfg.AccessToken)
	if token == "" {
		return nil, errMissingToken
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultAPIURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultClientTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HubSpotClient{baseURL: baseURL, accessToken: token, httpClient: httpClient, logger: logger}, nil
}

type searchFilter struct {
	PropertyName string `json:"propertyName"`
	Operator     string `json:"operator"`
	Value        string `json:"value"`
}

type searchFilterGroup struct {
	Filters []searchFilter `json:"filters"`
}

type searchSort struct {
	PropertyName string `json:"propertyName"`
	Direction    string `json:"direction"`
}

type searchRequest struct {
	FilterGroups []searchFilterGroup `json:"filterGroups"`
	Sorts        []searchSort        `json:"sorts,omitempty"`
	Properties   []string            `json:"properties,omitempty"`
	Limit        int                 `json:"limit"`
}

type searchResponse struct {
	Total   int `json:"total"`
	Results []struct {
		ID string `json:"id"`
	} `json:"results"`
}

type propertiesRequest struct {
	Properties map[string]string `json:"properties"`
}

// FindContactByEmail returns the id of the contact owning the email.
func (c *HubSpotClient) FindContactByEmail(ctx context.Context, email string) (string, error) {
	request := searchRequest{
		FilterGroups: []searchFilterGroup{{Filters: []searchFilter{{
			PropertyName: "email",
			Operator:     "EQ",
			Value:        strings.ToLower(strings.TrimSpace(email)),
		}}}},
		Properties: []string{"email"},
		Limit:      1,
	}
	var response searchResponse
	if err := c.do(ctx, http.MethodPost, "/crm/v3/objects/contacts/search", request, &response); err != nil {
		return "", err
	}
	if len(response.Results) == 0 {
		return "", ErrContactNotFound
	}
	return response.Results[0].ID, nil
}

// FindMostRecentDealForContact returns the newest deal associated with the contact.
func (c *HubSpotClient) FindMostRecentDealForContact(ctx context.Context, contactID string) (string, error) {
	request := searchRequest{
		FilterGroups: []searchFilterGroup{{Filters: []searchFilter{{
			PropertyName: "associations.contact",
			Operator:     "EQ",
			Value:        contactID,
		}}}},
		Sorts:      []searchSort{{PropertyName: "createdate", Direction: "DESCENDING"}},
		Properties: []string{"dealname", "createdate"},
		Limit:      1,
	}
	var response searchResponse
	if err := c.do(ctx, http.MethodPost, "/crm/v3/objects/deals/search", request, &response); err != nil {
		return "", err
	}
	if len(response.Results) == 0 {
		return "", ErrDealNotFound
	}
	return response.Results[0].ID, nil
}

// UpdateDealProperties patches the deal's properties.
func (c *HubSpotClient) UpdateDealProperties(ctx context.Context, dealID string, properties map[string]string) error {
	return c.do(ctx, http.MethodPatch, "/crm/v3/objects/deals/"+url.PathEscape(dealID), propertiesRequest{Properties: properties}, nil)
}

// UpdateDealStage moves the deal to a pipeline stage.
func (c *HubSpotClient) UpdateDealStage(ctx context.Context, dealID, pipeline, stage string) error {
	properties := map[string]string{"dealstage": stage}
	if pipeline != "" {
		properties["pipeline"] = pipeline
	}
	return c.UpdateDealProperties(ctx, dealID, properties)
}

func (c *HubSpotClient) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode hubspot request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build hubspot request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+c.accessToken)
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("hubspot %s %s: %w", method, path, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
		c.logger.Warn("hubspot request rejected",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", response.StatusCode),
			zap.ByteString("body", snippet))
		return fmt.Errorf("hubspot %s %s: unexpected status %d", method, path, response.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("decode hubspot response: %w", err)
	}
	return nil
}
