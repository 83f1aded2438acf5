// Package weather fetches historical conditions for an activity's start
// location and time from a keyed provider API.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/klppl/fedtrack/internal/apperr"
)

// historyWindow is how far back the provider serves lookups without the
// paid historical tier. Older activities are silently skipped.
const historyWindow = 5 * 24 * time.Hour

const defaultBaseURL = "https://api.openweathermap.org/data/3.0/onecall/timemachine"

// Observation is the subset of provider data the server stores.
type Observation struct {
	TempC     float64
	Condition string
}

// Client calls the weather provider. Zero value with Enabled=false is a
// no-op client.
type Client struct {
	Enabled bool
	APIKey  string
	BaseURL string
	HTTP    *http.Client
}

// New builds a client with the 10-second budget from the resource model.
func New(enabled bool, apiKey string) *Client {
	return &Client{
		Enabled: enabled,
		APIKey:  apiKey,
		BaseURL: defaultBaseURL,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

// FetchHistorical returns conditions at (lat, lon) at time t, or (nil, nil)
// when the client is disabled or t is outside the provider's free window.
func (c *Client) FetchHistorical(ctx context.Context, lat, lon float64, t time.Time) (*Observation, error) {
	if !c.Enabled || c.APIKey == "" {
		return nil, nil
	}
	if time.Since(t) > historyWindow {
		// The provider charges for older lookups; skip rather than fail.
		return nil, nil
	}

	q := url.Values{}
	q.Set("lat", fmt.Sprintf("%.5f", lat))
	q.Set("lon", fmt.Sprintf("%.5f", lon))
	q.Set("dt", fmt.Sprintf("%d", t.Unix()))
	q.Set("units", "metric")
	q.Set("appid", c.APIKey)

	req, err := http.NewRequestWithContext(ctx, "GET", c.BaseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "weather request", err)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "weather fetch", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, apperr.New(apperr.Transient, fmt.Sprintf("weather provider HTTP %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperr.New(apperr.RemoteUnreachable, fmt.Sprintf("weather provider HTTP %d", resp.StatusCode))
	}

	var payload struct {
		Data []struct {
			Temp    float64 `json:"temp"`
			Weather []struct {
				Main string `json:"main"`
			} `json:"weather"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "weather decode", err)
	}
	if len(payload.Data) == 0 {
		return nil, nil
	}

	obs := &Observation{TempC: payload.Data[0].Temp}
	if len(payload.Data[0].Weather) > 0 {
		obs.Condition = payload.Data[0].Weather[0].Main
	}
	return obs, nil
}
