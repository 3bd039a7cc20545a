package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gatherhall/gatherhall/internal/platform/timeouts"
)

// HTTPClient consumes the directory service over its JSON API.
type HTTPClient struct {
	baseURL        string
	resourceSecret string
	httpClient     *http.Client
}

// NewHTTPClient builds a directory client. Returns nil when the base URL or
// resource secret is missing so callers can treat the provider as absent.
func NewHTTPClient(baseURL string, resourceSecret string) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	resourceSecret = strings.TrimSpace(resourceSecret)
	if baseURL == "" || resourceSecret == "" {
		return nil
	}
	return &HTTPClient{
		baseURL:        baseURL,
		resourceSecret: resourceSecret,
		httpClient: &http.Client{
			Timeout: timeouts.DirectoryClient,
		},
	}
}

type introspectResponse struct {
	Active bool   `json:"active"`
	UserID string `json:"user_id"`
}

type rsvpResponse struct {
	RSVPed bool `json:"rsvped"`
}

type relationshipResponse struct {
	Friend     bool `json:"friend"`
	BlockedByA bool `json:"blocked_by_a"`
	BlockedByB bool `json:"blocked_by_b"`
}

type eventResponse struct {
	ID   string `json:"id"`
	Date string `json:"date"`
}

// Authenticate resolves an access token through token introspection.
func (c *HTTPClient) Authenticate(ctx context.Context, accessToken string) (string, error) {
	if c == nil || c.httpClient == nil {
		return "", errors.New("directory is not configured")
	}
	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		return "", errors.New("access token is required")
	}

	var payload introspectResponse
	if err := c.call(ctx, http.MethodPost, "/introspect", nil, accessToken, &payload); err != nil {
		return "", fmt.Errorf("call auth introspection: %w", err)
	}
	if !payload.Active {
		return "", errors.New("inactive access token")
	}
	userID := strings.TrimSpace(payload.UserID)
	if userID == "" {
		return "", errors.New("introspection returned empty user id")
	}
	return userID, nil
}

// RSVPStatus queries the user's RSVP for an event.
func (c *HTTPClient) RSVPStatus(ctx context.Context, userID string, eventID string) (bool, error) {
	if c == nil || c.httpClient == nil {
		return false, errors.New("directory is not configured")
	}
	query := url.Values{}
	query.Set("user_id", strings.TrimSpace(userID))
	query.Set("event_id", strings.TrimSpace(eventID))

	var payload rsvpResponse
	if err := c.call(ctx, http.MethodGet, "/rsvps", query, "", &payload); err != nil {
		return false, fmt.Errorf("get rsvp status: %w", err)
	}
	return payload.RSVPed, nil
}

// Relationship queries the social facts between two users.
func (c *HTTPClient) Relationship(ctx context.Context, userA string, userB string) (Relationship, error) {
	if c == nil || c.httpClient == nil {
		return Relationship{}, errors.New("directory is not configured")
	}
	query := url.Values{}
	query.Set("user_a", strings.TrimSpace(userA))
	query.Set("user_b", strings.TrimSpace(userB))

	var payload relationshipResponse
	if err := c.call(ctx, http.MethodGet, "/relationships", query, "", &payload); err != nil {
		return Relationship{}, fmt.Errorf("get relationship: %w", err)
	}
	return Relationship{
		Friend:     payload.Friend,
		BlockedByA: payload.BlockedByA,
		BlockedByB: payload.BlockedByB,
	}, nil
}

// EventDate queries an event's scheduled date.
func (c *HTTPClient) EventDate(ctx context.Context, eventID string) (time.Time, error) {
	if c == nil || c.httpClient == nil {
		return time.Time{}, errors.New("directory is not configured")
	}
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return time.Time{}, errors.New("event id is required")
	}

	var payload eventResponse
	if err := c.call(ctx, http.MethodGet, "/events/"+url.PathEscape(eventID), nil, "", &payload); err != nil {
		return time.Time{}, fmt.Errorf("get event: %w", err)
	}
	date, err := time.Parse(time.RFC3339, strings.TrimSpace(payload.Date))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse event date %q: %w", payload.Date, err)
	}
	return date, nil
}

func (c *HTTPClient) call(ctx context.Context, method string, path string, query url.Values, bearer string, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	callCtx, cancel := context.WithTimeout(ctx, timeouts.DirectoryRequest)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, method, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	req.Header.Set("X-Resource-Secret", c.resourceSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("directory status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

var _ Provider = (*HTTPClient)(nil)
