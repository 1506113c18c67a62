package typeform

import (
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
	defaultAPIURL        = "https://api.typeform.com"
	defaultClientTimeout = 15 * time.Second
	maxErrorBodyBytes    = 2048
)

var (
	// ErrFormNotFound indicates the provider has no form with the requested id.
	ErrFormNotFound = errors.New("typeform: form not found")
	errMissingToken = errors.New("typeform: api token required")
	errMissingForm  = errors.New("typeform: form id required")
)

// ClientConfig configures the provider API client.
type ClientConfig struct {
	BaseURL    string
	APIToken   string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client reads form definitions from the provider API.
type Client struct {
	baseURL    string
	apiToken   string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient constructs a Client with defaults applied.
func NewClient(cfg ClientConfig) (*Client, error) {
	token := strings.TrimSpace(cfg.APIToken)
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
	return &Client{
		baseURL:    baseURL,
		apiToken:   token,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// GetFormDetails fetches the current definition of a form.
func (c *Client) GetFormDetails(ctx context.Context, formID string) (FormDefinition, error) {
	formID = strings.TrimSpace(formID)
	if formID == "" {
		return FormDefinition{}, errMissingForm
	}

	endpoint := c.baseURL + "/forms/" + url.PathEscape(formID)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return FormDefinition{}, err
	}
	request.Header.Set("Authorization", "Bearer "+c.apiToken)
	request.Header.Set("Accept", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return FormDefinition{}, fmt.Errorf("typeform: fetch form %s: %w", formID, err)
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode == http.StatusNotFound:
		return FormDefinition{}, fmt.Errorf("%w: %s", ErrFormNotFound, formID)
	case response.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
		c.logger.Warn("typeform form request failed",
			zap.String("form_id", formID),
			zap.Int("status", response.StatusCode),
			zap.ByteString("body", body))
		return FormDefinition{}, fmt.Errorf("typeform: form request returned status %d", response.StatusCode)
	}

	var definition FormDefinition
	if err := json.NewDecoder(response.Body).Decode(&definition); err != nil {
		return FormDefinition{}, fmt.Errorf("typeform: decode form %s: %w", formID, err)
	}
	if definition.ID == "" {
		definition.ID = formID
	}
	return definition, nil
}
