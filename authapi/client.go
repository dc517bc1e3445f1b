// Package authapi implements the two-call login/claim protocol spoken by faucet and
// check-in providers.
//
// A wallet signs a fixed literal message and posts it to the login endpoint, which answers
// with a bearer token. Subsequent calls carry "Authorization: Bearer <jwt>". Every response
// is wrapped in an envelope {code, msg, data}; a non-zero code is the application-level
// failure signal regardless of the HTTP status and is returned as *APIError.
package authapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/goccy/go-json"
)

const (
	DefaultTimeout = 30 * time.Second
	DefaultMessage = "Sign in to claim"

	loginPath        = "/login"
	faucetStatusPath = "/faucet/status"
	faucetClaimPath  = "/faucet/claim"
	checkInPath      = "/checkin"
)

// Signer is the wallet side of the login call
type Signer interface {
	Address() common.Address
	SignMessage(message string) ([]byte, error)
}

// APIError is a non-zero code returned by the provider
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("provider returned code %d", e.Code)
	}
	return e.Message
}

// IsAlreadyCheckedIn reports whether err is the provider telling the wallet it already
// checked in for the current period.
func IsAlreadyCheckedIn(err error) bool {
	apiErr, ok := err.(*APIError)
	if !ok {
		return false
	}
	return strings.Contains(strings.ToLower(apiErr.Message), "already")
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type loginData struct {
	JWT string `json:"jwt"`
}

// FaucetStatus is the eligibility of a wallet
type FaucetStatus struct {
	CanClaim    bool  `json:"canClaim"`
	NextClaimAt int64 `json:"nextClaimAt"` // unix seconds
}

// NextEligible returns NextClaimAt as time, zero when unknown
func (s FaucetStatus) NextEligible() time.Time {
	if s.NextClaimAt <= 0 {
		return time.Time{}
	}
	return time.Unix(s.NextClaimAt, 0).UTC()
}

type ClaimResult struct {
	TxHash string `json:"txHash"`
	Amount string `json:"amount"`
}

type CheckInResult struct {
	Points int    `json:"points"`
	Streak int    `json:"streak"`
	Msg    string `json:"msg"`
}

// Client talks to one provider base URL.
type Client struct {
	baseURL    string
	httpClient *http.Client
	inviteCode string
	message    string
	userAgent  string
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default http client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithInviteCode sets the inviteCode sent on login
func WithInviteCode(code string) Option {
	return func(c *Client) {
		c.inviteCode = code
	}
}

// WithMessage sets the literal message signed on login
func WithMessage(message string) Option {
	return func(c *Client) {
		if message != "" {
			c.message = message
		}
	}
}

// NewClient creates a client for baseURL
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		message:    DefaultMessage,
		userAgent:  "taskarmy/1.0",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Login signs the configured message with signer and returns the bearer token.
func (c *Client) Login(ctx context.Context, signer Signer) (string, error) {
	sig, err := signer.SignMessage(c.message)
	if err != nil {
		return "", fmt.Errorf("sign login message: %w", err)
	}
	q := url.Values{}
	q.Set("address", signer.Address().Hex())
	q.Set("signature", hexutil.Encode(sig))
	if c.inviteCode != "" {
		q.Set("inviteCode", c.inviteCode)
	}

	var data loginData
	if err := c.do(ctx, http.MethodPost, loginPath+"?"+q.Encode(), "", &data); err != nil {
		return "", err
	}
	if data.JWT == "" {
		return "", fmt.Errorf("login response carries no token")
	}
	return data.JWT, nil
}

func (c *Client) FaucetStatus(ctx context.Context, jwt string) (FaucetStatus, error) {
	var status FaucetStatus
	err := c.do(ctx, http.MethodGet, faucetStatusPath, jwt, &status)
	return status, err
}

func (c *Client) ClaimFaucet(ctx context.Context, jwt string) (ClaimResult, error) {
	var result ClaimResult
	err := c.do(ctx, http.MethodPost, faucetClaimPath, jwt, &result)
	return result, err
}

func (c *Client) CheckIn(ctx context.Context, jwt string) (CheckInResult, error) {
	var result CheckInResult
	err := c.do(ctx, http.MethodPost, checkInPath, jwt, &result)
	return result, err
}

func (c *Client) do(ctx context.Context, method, path, jwt string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(nil))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if jwt != "" {
		req.Header.Set("Authorization", "Bearer "+jwt)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read provider response: %w", err)
	}

	var env envelope
	if len(bytes.TrimSpace(buf)) == 0 || json.Unmarshal(buf, &env) != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("provider returned unexpected status %d", resp.StatusCode)
		}
		return fmt.Errorf("decode provider response")
	}
	if env.Code != 0 {
		return &APIError{Code: env.Code, Message: env.Msg}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("provider returned unexpected status %d", resp.StatusCode)
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode provider data: %w", err)
	}
	return nil
}
