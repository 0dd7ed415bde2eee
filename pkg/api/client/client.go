package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client provides typed access to the deskpool API for interactive tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:4000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
	LeaseID int64
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return extractError(resp.StatusCode, resp.Body)
	}

	if v == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(status int, body io.Reader) error {
	apiErr := APIError{Status: status}
	if body == nil {
		return apiErr
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return apiErr
	}
	var payload struct {
		Error   string `json:"error"`
		LeaseID int64  `json:"lease_id"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		apiErr.Message = strings.TrimSpace(string(data))
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(payload.Error)
	apiErr.LeaseID = payload.LeaseID
	return apiErr
}

// Student reflects API student payloads.
type Student struct {
	ID         string    `json:"id"`
	StudentRef string    `json:"student_ref"`
	Name       string    `json:"name"`
	Email      string    `json:"email"`
	IsAdmin    bool      `json:"is_admin"`
	CreatedAt  time.Time `json:"created_at"`
}

// TokenPair includes access and refresh tokens.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// LoginResponse captures the token payload emitted by the API.
type LoginResponse struct {
	Student Student   `json:"student"`
	Tokens  TokenPair `json:"tokens"`
}

// Login exchanges credentials for a token pair. The username may be an
// email address or a university identifier.
func (c *Client) Login(ctx context.Context, username, password string) (LoginResponse, error) {
	body := map[string]string{
		"username": username,
		"password": password,
	}
	var resp LoginResponse
	if err := c.do(ctx, http.MethodPost, "/auth/login", body, "", &resp); err != nil {
		return LoginResponse{}, err
	}
	return resp, nil
}

// SignupInput captures the payload for account creation.
type SignupInput struct {
	StudentRef string `json:"student_ref"`
	Name       string `json:"name"`
	Email      string `json:"email"`
	Password   string `json:"password"`
}

// Signup registers a new student account.
func (c *Client) Signup(ctx context.Context, input SignupInput) (LoginResponse, error) {
	var resp LoginResponse
	if err := c.do(ctx, http.MethodPost, "/auth/signup", input, "", &resp); err != nil {
		return LoginResponse{}, err
	}
	return resp, nil
}

// Me returns the authenticated student's profile.
func (c *Client) Me(ctx context.Context, token string) (Student, error) {
	var student Student
	if err := c.do(ctx, http.MethodGet, "/me", nil, token, &student); err != nil {
		return Student{}, err
	}
	return student, nil
}

// Desktop describes a machine in the pool.
type Desktop struct {
	ID              int64     `json:"id"`
	Code            string    `json:"code"`
	Address         string    `json:"address"`
	MACAddress      string    `json:"mac_address"`
	Status          string    `json:"status"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	CreatedAt       time.Time `json:"created_at"`
}

// ListDesktops returns the desktop inventory.
func (c *Client) ListDesktops(ctx context.Context, token string) ([]Desktop, error) {
	var desktops []Desktop
	if err := c.do(ctx, http.MethodGet, "/desktops", nil, token, &desktops); err != nil {
		return nil, err
	}
	return desktops, nil
}

// RegisterDesktopInput captures the payload for desktop registration.
type RegisterDesktopInput struct {
	Code       string `json:"code"`
	Address    string `json:"address"`
	MACAddress string `json:"mac_address,omitempty"`
}

// RegisterDesktop adds a desktop to the pool.
func (c *Client) RegisterDesktop(ctx context.Context, token string, input RegisterDesktopInput) (Desktop, error) {
	var desktop Desktop
	if err := c.do(ctx, http.MethodPost, "/desktops", input, token, &desktop); err != nil {
		return Desktop{}, err
	}
	return desktop, nil
}

// SetDesktopStatus applies an admin status change.
func (c *Client) SetDesktopStatus(ctx context.Context, token string, desktopID int64, status string) (Desktop, error) {
	path := fmt.Sprintf("/desktops/%d/status", desktopID)
	var desktop Desktop
	if err := c.do(ctx, http.MethodPut, path, map[string]string{"status": status}, token, &desktop); err != nil {
		return Desktop{}, err
	}
	return desktop, nil
}

// RemoveDesktop deletes a desktop with no active lease.
func (c *Client) RemoveDesktop(ctx context.Context, token string, desktopID int64) error {
	path := fmt.Sprintf("/desktops/%d", desktopID)
	return c.do(ctx, http.MethodDelete, path, nil, token, nil)
}

// Pairing binds a kiosk device to a desktop.
type Pairing struct {
	DeviceID    string    `json:"device_id"`
	DesktopID   int64     `json:"desktop_id"`
	DesktopCode string    `json:"desktop_code"`
	CreatedAt   time.Time `json:"created_at"`
}

// RegisterPairing binds a device to the desktop with the given code. No
// token is required; kiosks pair before any student logs in.
func (c *Client) RegisterPairing(ctx context.Context, deviceID, desktopCode string) (Pairing, error) {
	body := map[string]string{
		"device_id":    deviceID,
		"desktop_code": desktopCode,
	}
	var pairing Pairing
	if err := c.do(ctx, http.MethodPost, "/pairings", body, "", &pairing); err != nil {
		return Pairing{}, err
	}
	return pairing, nil
}

// ResolvePairing returns the desktop a device is bound to. No token is
// required; kiosks resolve before any student logs in.
func (c *Client) ResolvePairing(ctx context.Context, deviceID string) (Desktop, error) {
	path := "/pairings/resolve?device_id=" + url.QueryEscape(deviceID)
	var desktop Desktop
	if err := c.do(ctx, http.MethodGet, path, nil, "", &desktop); err != nil {
		return Desktop{}, err
	}
	return desktop, nil
}

// Unpair removes a device binding.
func (c *Client) Unpair(ctx context.Context, token, deviceID string) error {
	path := "/pairings/" + url.PathEscape(deviceID)
	return c.do(ctx, http.MethodDelete, path, nil, token, nil)
}

// Lease is a session claim on one desktop.
type Lease struct {
	ID              int64      `json:"id"`
	DesktopID       int64      `json:"desktop_id"`
	StudentID       string     `json:"student_id"`
	DurationMinutes int        `json:"duration_minutes"`
	Status          string     `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	EndedBy         string     `json:"ended_by,omitempty"`
}

// ExpiresAt returns the instant the lease stops being valid.
func (l Lease) ExpiresAt() time.Time {
	return l.StartedAt.Add(time.Duration(l.DurationMinutes) * time.Minute)
}

// StartSession claims a desktop for the authenticated student.
func (c *Client) StartSession(ctx context.Context, token string, desktopID int64, durationMinutes int) (Lease, error) {
	body := map[string]any{
		"desktop_id":       desktopID,
		"duration_minutes": durationMinutes,
	}
	var lease Lease
	if err := c.do(ctx, http.MethodPost, "/sessions/start", body, token, &lease); err != nil {
		return Lease{}, err
	}
	return lease, nil
}

// EndSession finalizes a lease. Ending an already-ended lease succeeds.
func (c *Client) EndSession(ctx context.Context, token string, leaseID int64) (Lease, error) {
	path := fmt.Sprintf("/sessions/%d/end", leaseID)
	var lease Lease
	if err := c.do(ctx, http.MethodPost, path, nil, token, &lease); err != nil {
		return Lease{}, err
	}
	return lease, nil
}

// ActiveSession returns the authenticated student's active lease. A 404
// APIError means no session is active.
func (c *Client) ActiveSession(ctx context.Context, token string) (Lease, error) {
	var lease Lease
	if err := c.do(ctx, http.MethodGet, "/sessions/me", nil, token, &lease); err != nil {
		return Lease{}, err
	}
	return lease, nil
}

// ActiveSessions lists every active lease. Admin only.
func (c *Client) ActiveSessions(ctx context.Context, token string) ([]Lease, error) {
	var leases []Lease
	if err := c.do(ctx, http.MethodGet, "/sessions/active", nil, token, &leases); err != nil {
		return nil, err
	}
	return leases, nil
}

// Durations reports the permitted session lengths in minutes.
func (c *Client) Durations(ctx context.Context, token string) ([]int, error) {
	var payload struct {
		DurationMinutes []int `json:"duration_minutes"`
	}
	if err := c.do(ctx, http.MethodGet, "/sessions/durations", nil, token, &payload); err != nil {
		return nil, err
	}
	return payload.DurationMinutes, nil
}

// PoolStats aggregates desktop and session counts.
type PoolStats struct {
	Desktops       map[string]int `json:"desktops"`
	TotalSessions  int            `json:"total_sessions"`
	ActiveSessions int            `json:"active_sessions"`
}

// Stats returns pool-wide aggregates. Admin only.
func (c *Client) Stats(ctx context.Context, token string) (PoolStats, error) {
	var stats PoolStats
	if err := c.do(ctx, http.MethodGet, "/analytics/stats", nil, token, &stats); err != nil {
		return PoolStats{}, err
	}
	return stats, nil
}
