package holiday

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"heimdall/config"
)

// localizedName is one language variant of a calendar entry name
type localizedName struct {
	Language string `json:"language"`
	Text     string `json:"text"`
}

// Entry is one calendar entry returned by the holiday API. Public
// holidays are single dates (startDate == endDate), school holidays
// span a range.
type Entry struct {
	StartDate string          `json:"startDate"`
	EndDate   string          `json:"endDate"`
	Name      []localizedName `json:"name"`
}

// LocalName returns the entry name in the given language, falling back
// to the first name the API sent
func (e Entry) LocalName(language string) string {
	for _, n := range e.Name {
		if n.Language == language && n.Text != "" {
			return n.Text
		}
	}
	if len(e.Name) > 0 && e.Name[0].Text != "" {
		return e.Name[0].Text
	}
	return "Holiday"
}

// Client fetches public and school holidays from an OpenHolidays-style API
type Client struct {
	baseURL     string
	country     string
	subdivision string
	language    string
	httpClient  *http.Client
}

// NewClient creates a holiday API client from config
func NewClient(cfg config.HolidayConfig) *Client {
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		country:     cfg.Country,
		subdivision: cfg.Subdivision,
		language:    cfg.Language,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// PublicHolidays fetches the public holidays of one year
func (c *Client) PublicHolidays(ctx context.Context, year int) ([]Entry, error) {
	return c.fetch(ctx, "/PublicHolidays", year)
}

// SchoolHolidays fetches the school holiday ranges of one year
func (c *Client) SchoolHolidays(ctx context.Context, year int) ([]Entry, error) {
	return c.fetch(ctx, "/SchoolHolidays", year)
}

func (c *Client) fetch(ctx context.Context, path string, year int) ([]Entry, error) {
	params := url.Values{}
	params.Set("countryIsoCode", c.country)
	params.Set("languageIsoCode", c.language)
	params.Set("validFrom", fmt.Sprintf("%d-01-01", year))
	params.Set("validTo", fmt.Sprintf("%d-12-31", year))
	params.Set("subdivisionCode", c.subdivision)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("holiday API returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var entries []Entry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return entries, nil
}
