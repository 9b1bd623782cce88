// Package nest talks to the Nest cloud and keeps the shared device state
// fresh. Client is the raw HTTP API, SessionManager owns login, and Provider
// is what sensors poll.
package nest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/trymwestin/nestd/internal/config"
	"github.com/trymwestin/nestd/internal/core/state"
)

const (
	userAgent         = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"
	defaultJWTTTL     = time.Hour
	maxResponseBytes  = 8 << 20
	bucketTopaz       = "topaz."
	bucketKryptonite  = "kryptonite."
	protectNamePrefix = "Nest Protect"
	sensorNamePrefix  = "Nest Temperature Sensor"
)

// Session is an authenticated Nest session.
type Session struct {
	UserID    string    `json:"user_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at,omitempty"` // zero means no known expiry
}

// Valid reports whether the session can still be used at now, keeping a
// minute of headroom.
func (s Session) Valid(now time.Time) bool {
	if s.Token == "" || s.UserID == "" {
		return false
	}
	return s.ExpiresAt.IsZero() || now.Add(time.Minute).Before(s.ExpiresAt)
}

// Camera is a camera as listed by the camera web API.
type Camera struct {
	UUID      string `json:"uuid"`
	Name      string `json:"name"`
	NexusBase string `json:"nexus_api_http_server"`
	Online    bool   `json:"is_online"`
}

// API is the subset of Client the Provider depends on.
type API interface {
	AppLaunch(ctx context.Context, sess Session) ([]state.Device, error)
	Cameras(ctx context.Context, sess Session) ([]Camera, error)
	CameraEvents(ctx context.Context, sess Session, cam Camera, since time.Time) ([]state.CameraEvent, error)
}

// Client is the Nest cloud HTTP client.
type Client struct {
	cfg  config.NestConfig
	http *http.Client
	log  *slog.Logger
}

// NewClient creates a Nest API client.
func NewClient(cfg config.NestConfig, httpClient *http.Client, log *slog.Logger) *Client {
	if httpClient == nil {
		timeout := time.Duration(cfg.Timeout) * time.Second
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{cfg: cfg, http: httpClient, log: log}
}

var _ API = (*Client)(nil)

// --- Login ---

type issueTokenResponse struct {
	AccessToken string `json:"access_token"`
	Error       string `json:"error"`
	Detail      string `json:"detail"`
}

type issueJWTResponse struct {
	JWT    string `json:"jwt"`
	Claims struct {
		Subject struct {
			NestID struct {
				ID string `json:"id"`
			} `json:"nestId"`
		} `json:"subject"`
	} `json:"claims"`
}

// Login obtains a new session. A configured user_id + access_token pair is
// used as-is; otherwise the Google issue_token/cookie flow is run.
func (c *Client) Login(ctx context.Context) (Session, error) {
	if c.cfg.UserID != "" && c.cfg.AccessToken != "" {
		return Session{UserID: c.cfg.UserID, Token: c.cfg.AccessToken}, nil
	}
	if c.cfg.IssueToken == "" || c.cfg.Cookie == "" {
		return Session{}, ErrNoCredentials
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.IssueToken, nil)
	if err != nil {
		return Session{}, fmt.Errorf("nest: login: %w", err)
	}
	req.Header.Set("Sec-Fetch-Mode", "cors")
	req.Header.Set("X-Requested-With", "XmlHttpRequest")
	req.Header.Set("Referer", "https://accounts.google.com/o/oauth2/iframe")
	req.Header.Set("Cookie", c.cfg.Cookie)

	var tok issueTokenResponse
	if err := c.do(req, &tok); err != nil {
		return Session{}, fmt.Errorf("nest: login: issue token: %w", err)
	}
	if tok.Error != "" || tok.AccessToken == "" {
		return Session{}, fmt.Errorf("nest: login: issue token: %w: %s %s", ErrUnauthorized, tok.Error, tok.Detail)
	}

	form := url.Values{
		"embed_google_oauth_access_token": {"true"},
		"expire_after":                    {"3600s"},
		"google_oauth_access_token":       {tok.AccessToken},
		"policy_id":                       {"authproxy-oauth-policy"},
	}
	req, err = http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.cfg.AuthProxyBase, "/")+"/v1/issue_jwt",
		strings.NewReader(form.Encode()))
	if err != nil {
		return Session{}, fmt.Errorf("nest: login: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	req.Header.Set("X-Goog-API-Key", c.cfg.APIKey)
	req.Header.Set("Referer", "https://home.nest.com")

	var issued issueJWTResponse
	if err := c.do(req, &issued); err != nil {
		return Session{}, fmt.Errorf("nest: login: issue jwt: %w", err)
	}
	if issued.JWT == "" || issued.Claims.Subject.NestID.ID == "" {
		return Session{}, fmt.Errorf("nest: login: issue jwt: %w: empty token", ErrUnauthorized)
	}

	sess := Session{
		UserID:    issued.Claims.Subject.NestID.ID,
		Token:     issued.JWT,
		ExpiresAt: tokenExpiry(issued.JWT, time.Now()),
	}
	c.log.Info("nest login succeeded", "user_id", sess.UserID, "expires_at", sess.ExpiresAt)
	return sess, nil
}

// tokenExpiry reads the exp claim without verifying the signature; the token
// is only ever sent back to the service that issued it.
func tokenExpiry(token string, now time.Time) time.Time {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err == nil && claims.ExpiresAt != nil {
		return claims.ExpiresAt.Time
	}
	return now.Add(defaultJWTTTL)
}

// --- Devices ---

type appLaunchRequest struct {
	KnownBucketTypes    []string `json:"known_bucket_types"`
	KnownBucketVersions []string `json:"known_bucket_versions"`
}

type appLaunchResponse struct {
	UpdatedBuckets []struct {
		ObjectKey   string          `json:"object_key"`
		ObjectValue json.RawMessage `json:"object_value"`
	} `json:"updated_buckets"`
}

type topazBucket struct {
	Description        string `json:"description"`
	Name               string `json:"name"`
	COStatus           *int   `json:"co_status"`
	SmokeStatus        *int   `json:"smoke_status"`
	BatteryHealthState *int   `json:"battery_health_state"`
}

type kryptoniteBucket struct {
	Description        string   `json:"description"`
	CurrentTemperature *float64 `json:"current_temperature"`
	BatteryLevel       *float64 `json:"battery_level"`
}

// AppLaunch fetches the Protect (topaz) and temperature sensor (kryptonite)
// buckets for the session's user.
func (c *Client) AppLaunch(ctx context.Context, sess Session) ([]state.Device, error) {
	body, err := json.Marshal(appLaunchRequest{
		KnownBucketTypes:    []string{"topaz", "kryptonite"},
		KnownBucketVersions: []string{},
	})
	if err != nil {
		return nil, fmt.Errorf("nest: app launch: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/0.1/user/%s/app_launch", strings.TrimRight(c.cfg.APIBase, "/"), url.PathEscape(sess.UserID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("nest: app launch: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Basic "+sess.Token)
	req.Header.Set("X-nl-user-id", sess.UserID)
	req.Header.Set("X-nl-protocol-version", "1")

	var resp appLaunchResponse
	if err := c.do(req, &resp); err != nil {
		return nil, fmt.Errorf("nest: app launch: %w", err)
	}

	now := time.Now()
	var devices []state.Device
	for _, b := range resp.UpdatedBuckets {
		switch {
		case strings.HasPrefix(b.ObjectKey, bucketTopaz):
			sn := strings.TrimPrefix(b.ObjectKey, bucketTopaz)
			var v topazBucket
			if err := json.Unmarshal(b.ObjectValue, &v); err != nil {
				return nil, fmt.Errorf("nest: app launch: decode %s: %w", b.ObjectKey, err)
			}
			devices = append(devices, state.Device{
				ID:                 sn,
				Name:               firstNonEmpty(v.Description, v.Name, protectNamePrefix+" "+sn),
				Kind:               state.KindProtect,
				COStatus:           v.COStatus,
				SmokeStatus:        v.SmokeStatus,
				BatteryHealthState: v.BatteryHealthState,
				UpdatedAt:          now,
			})
		case strings.HasPrefix(b.ObjectKey, bucketKryptonite):
			sn := strings.TrimPrefix(b.ObjectKey, bucketKryptonite)
			var v kryptoniteBucket
			if err := json.Unmarshal(b.ObjectValue, &v); err != nil {
				return nil, fmt.Errorf("nest: app launch: decode %s: %w", b.ObjectKey, err)
			}
			devices = append(devices, state.Device{
				ID:           sn,
				Name:         firstNonEmpty(v.Description, sensorNamePrefix+" "+sn),
				Kind:         state.KindTemperatureSensor,
				Temperature:  v.CurrentTemperature,
				BatteryLevel: v.BatteryLevel,
				UpdatedAt:    now,
			})
		}
	}

	c.log.Debug("app launch complete", "buckets", len(resp.UpdatedBuckets), "devices", len(devices))
	return devices, nil
}

// --- Cameras ---

type camerasResponse struct {
	Items []Camera `json:"items"`
}

// Cameras lists cameras owned by or shared with the user.
func (c *Client) Cameras(ctx context.Context, sess Session) ([]Camera, error) {
	endpoint := strings.TrimRight(c.cfg.CameraAPIBase, "/") + "/api/cameras.get_owned_and_member_of_with_properties"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("nest: cameras: %w", err)
	}
	req.Header.Set("Cookie", "user_token="+sess.Token)
	req.Header.Set("Referer", "https://home.nest.com/")

	var resp camerasResponse
	if err := c.do(req, &resp); err != nil {
		return nil, fmt.Errorf("nest: cameras: %w", err)
	}
	return resp.Items, nil
}

type cuepoint struct {
	ID          json.RawMessage `json:"id"`
	StartTime   float64         `json:"start_time"`
	EndTime     float64         `json:"end_time"`
	FaceName    string          `json:"face_name"`
	IsImportant bool            `json:"is_important"`
	Types       []string        `json:"types"`
	ZoneIDs     []int           `json:"zone_ids"`
}

// CameraEvents fetches the camera's cuepoints since the given time, ordered
// oldest first.
func (c *Client) CameraEvents(ctx context.Context, sess Session, cam Camera, since time.Time) ([]state.CameraEvent, error) {
	if cam.NexusBase == "" {
		return nil, fmt.Errorf("nest: camera events %s: no nexus server", cam.UUID)
	}
	endpoint := fmt.Sprintf("%s/cuepoint/%s/2?start_time=%s",
		strings.TrimRight(cam.NexusBase, "/"),
		url.PathEscape(cam.UUID),
		strconv.FormatInt(since.Unix(), 10))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("nest: camera events %s: %w", cam.UUID, err)
	}
	req.Header.Set("Cookie", "user_token="+sess.Token)
	req.Header.Set("Referer", "https://home.nest.com/")

	var points []cuepoint
	if err := c.do(req, &points); err != nil {
		return nil, fmt.Errorf("nest: camera events %s: %w", cam.UUID, err)
	}

	events := make([]state.CameraEvent, 0, len(points))
	for _, p := range points {
		events = append(events, state.CameraEvent{
			ID:        strings.Trim(string(p.ID), `"`),
			StartTime: epochToTime(p.StartTime),
			EndTime:   epochToTime(p.EndTime),
			FaceName:  p.FaceName,
			Important: p.IsImportant,
			Types:     p.Types,
			ZoneIDs:   p.ZoneIDs,
		})
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].StartTime.Before(events[j].StartTime)
	})
	return events, nil
}

// --- Helpers ---

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("%w: HTTP %d: %s", ErrUnexpectedStatus, resp.StatusCode, truncate(string(body), 200))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func epochToTime(sec float64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	whole := int64(sec)
	return time.Unix(whole, int64((sec-float64(whole))*1e9)).UTC()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
