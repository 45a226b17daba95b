// Package location is the narrow client for the driver-location service:
// nearby-candidate queries and driver presence toggles.
package location

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Driver presence states understood by the location service.
const (
	StateOnline = "ONLINE"
	StateBusy   = "BUSY"
)

// Candidate is one eligible driver, ranked nearest-first by the service.
type Candidate struct {
	DriverID       string  `json:"driver_id"`
	DistanceMeters float64 `json:"distance_m"`
}

// Client talks to the driver-location service over HTTP. The service
// filters to online, heartbeat-fresh drivers server-side.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 3 * time.Second},
	}
}

// Nearby returns drivers within radiusKm of the pickup point, nearest first.
func (c *Client) Nearby(ctx context.Context, lat, lng, radiusKm float64, vehicleType string, limit int) ([]Candidate, error) {
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(lat, 'f', 6, 64))
	q.Set("lng", strconv.FormatFloat(lng, 'f', 6, 64))
	q.Set("radius_km", strconv.FormatFloat(radiusKm, 'f', 2, 64))
	q.Set("vehicle_type", vehicleType)
	q.Set("limit", strconv.Itoa(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/drivers/nearby?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("location: nearby: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("location: nearby: status %d", resp.StatusCode)
	}

	var out struct {
		Drivers []Candidate `json:"drivers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("location: nearby: decode: %w", err)
	}
	return out.Drivers, nil
}

// SetState marks a driver ONLINE or BUSY.
func (c *Client) SetState(ctx context.Context, driverID, state string) error {
	body := strings.NewReader(fmt.Sprintf(`{"state":%q}`, state))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/drivers/"+url.PathEscape(driverID)+"/state", body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("location: set state: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("location: set state: status %d", resp.StatusCode)
	}
	return nil
}
