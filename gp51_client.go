package gp51

import (
	"bytes"
	"context"
	"crypto/md5" // #nosec G501 - GP51 requires MD5-hashed passwords on login
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	jperrors "github.com/JohnPlummer/jp-go-errors"
)

// DefaultBaseURL is the GP51 web API endpoint.
const DefaultBaseURL = "https://www.gps51.com/webapi"

// GP51 actions used by this package.
const (
	ActionLogin            = "login"
	ActionLogout           = "logout"
	ActionQueryDevicesTree = "querydevicestree"
	ActionLastPosition     = "lastposition"
)

// Request is a single GP51 web API call.
type Request struct {
	// Body is marshalled to JSON. A nil body sends "{}".
	Body   any
	Action string
	Token  string
}

// Response is a decoded GP51 reply whose status was OK.
type Response struct {
	Cause  string          `json:"cause"`
	Raw    json.RawMessage `json:"-"`
	Status int             `json:"status"`
}

// Decode unmarshals the full response body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Raw, v); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

// Client calls the GP51 web API. When a RateLimiter is attached every call goes through
// ExecuteWithRetry.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	limiter    *RateLimiter
	now        func() time.Time
	baseURL    string
	sessionTTL time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a GP51 API client.
//
// Example:
//
//	client := gp51.NewClient(gp51.DefaultBaseURL,
//	    gp51.WithRateLimiter(limiter),
//	    gp51.WithTimeout(10*time.Second),
//	)
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		logger:     slog.Default(),
		now:        time.Now,
		sessionTTL: DefaultSessionTTL,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithClientLogger sets the logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRateLimiter routes every call through limiter.
func WithRateLimiter(limiter *RateLimiter) ClientOption {
	return func(c *Client) {
		c.limiter = limiter
	}
}

// WithSessionTTL sets the lifetime given to sessions created by Login.
func WithSessionTTL(ttl time.Duration) ClientOption {
	return func(c *Client) {
		c.sessionTTL = ttl
	}
}

// Execute implements ResilientClient[Request, *Response].
func (c *Client) Execute(ctx context.Context, req Request) (*Response, error) {
	if c.limiter == nil {
		return c.do(ctx, req)
	}
	return ExecuteWithRetry(ctx, c.limiter, req.Action, func(ctx context.Context) (*Response, error) {
		return c.do(ctx, req)
	})
}

// do performs one GP51 call without retries.
func (c *Client) do(ctx context.Context, req Request) (*Response, error) {
	query := url.Values{}
	query.Set("action", req.Action)
	if req.Token != "" {
		query.Set("token", req.Token)
	}

	body := req.Body
	if body == nil {
		body = struct{}{}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", req.Action, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"?"+query.Encode(), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	start := c.now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, c.transportError(ctx, req.Action, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{Action: req.Action, Kind: KindNetwork, Err: fmt.Errorf("read response: %w", err)}
	}

	c.logger.Debug("gp51 response",
		"action", req.Action,
		"http_status", resp.StatusCode,
		"latency", c.now().Sub(start))

	if resp.StatusCode >= 400 {
		return nil, &APIError{
			Action: req.Action,
			Kind:   classifyHTTPStatus(resp.StatusCode),
			Status: resp.StatusCode,
			Cause:  http.StatusText(resp.StatusCode),
		}
	}

	out := &Response{Raw: raw}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, &APIError{Action: req.Action, Kind: KindUnknown, Err: fmt.Errorf("unmarshal response: %w", err)}
	}

	if out.Status != StatusOK {
		return nil, &APIError{
			Action: req.Action,
			Kind:   classifyStatus(req.Action, out.Status, out.Cause),
			Status: out.Status,
			Cause:  out.Cause,
		}
	}

	return out, nil
}

func (c *Client) transportError(ctx context.Context, action string, err error) error {
	// A finished caller context is not a GP51 failure.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return &APIError{
			Action: action,
			Kind:   KindNetwork,
			Err:    jperrors.NewTimeoutError("gp51 request timed out", action, c.httpClient.Timeout),
		}
	}
	return &APIError{Action: action, Kind: KindNetwork, Err: err}
}

func classifyHTTPStatus(code int) ErrorKind {
	switch {
	case code == http.StatusTooManyRequests:
		return KindRateLimited
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindAuthExpired
	case code >= 500:
		return KindNetwork
	default:
		return KindUnknown
	}
}

type loginBody struct {
	Type     string `json:"type"`
	From     string `json:"from"`
	Username string `json:"username"`
	Password string `json:"password"`
	Browser  string `json:"browser"`
}

type loginReply struct {
	Token string `json:"token"`
}

// Login authenticates against GP51 and returns a new session.
func (c *Client) Login(ctx context.Context, username, password string) (*Session, error) {
	resp, err := c.Execute(ctx, Request{
		Action: ActionLogin,
		Body: loginBody{
			Type:     "USER",
			From:     "WEB",
			Username: username,
			Password: HashPassword(password),
			Browser:  "jp-go-gp51",
		},
	})
	if err != nil {
		return nil, err
	}

	var reply loginReply
	if err := resp.Decode(&reply); err != nil {
		return nil, err
	}
	if reply.Token == "" {
		return nil, &APIError{Action: ActionLogin, Kind: KindAuthExpired, Cause: "login returned no token"}
	}

	return NewSession(username, reply.Token, c.now(), c.sessionTTL), nil
}

// Logout ends the GP51 session for token.
func (c *Client) Logout(ctx context.Context, token string) error {
	_, err := c.Execute(ctx, Request{Action: ActionLogout, Token: token})
	return err
}

// Device is a tracked unit in the GP51 device tree.
type Device struct {
	DeviceID   string `json:"deviceid"`
	DeviceName string `json:"devicename"`
	DeviceType int    `json:"devicetype"`
	IsFree     int    `json:"isfree"`
}

// DeviceGroup is a named group of devices.
type DeviceGroup struct {
	GroupName string   `json:"groupname"`
	Devices   []Device `json:"devices"`
	GroupID   int      `json:"groupid"`
}

// DeviceTree is the querydevicestree reply.
type DeviceTree struct {
	Groups []DeviceGroup `json:"groups"`
}

// DeviceCount returns the number of devices across all groups.
func (t *DeviceTree) DeviceCount() int {
	n := 0
	for _, g := range t.Groups {
		n += len(g.Devices)
	}
	return n
}

// QueryDevicesTree fetches the account's device groups.
func (c *Client) QueryDevicesTree(ctx context.Context, token string) (*DeviceTree, error) {
	resp, err := c.Execute(ctx, Request{
		Action: ActionQueryDevicesTree,
		Token:  token,
		Body:   map[string]string{"extend": "self"},
	})
	if err != nil {
		return nil, err
	}

	var tree DeviceTree
	if err := resp.Decode(&tree); err != nil {
		return nil, err
	}
	return &tree, nil
}

// TestConnection makes the cheapest authenticated GP51 call to check reachability.
func (c *Client) TestConnection(ctx context.Context, token string) error {
	_, err := c.Execute(ctx, Request{
		Action: ActionLastPosition,
		Token:  token,
		Body: map[string]any{
			"deviceids":             []string{},
			"lastquerypositiontime": 0,
		},
	})
	return err
}

// HashPassword returns the lowercase hex MD5 digest GP51 expects as a login password.
func HashPassword(password string) string {
	sum := md5.Sum([]byte(password)) // #nosec G401
	return hex.EncodeToString(sum[:])
}
