// Package account reports the sharing account's subscription plan.
// Hosting a share requires a paid plan.
package account

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Plan is the account's subscription tier.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanPro        Plan = "pro"
	PlanTeam       Plan = "team"
	PlanEnterprise Plan = "enterprise"
)

// CanShare reports whether the plan is eligible to host shares.
func (p Plan) CanShare() bool {
	switch p {
	case PlanPro, PlanTeam, PlanEnterprise:
		return true
	}
	return false
}

// Account is the subset of account state the engine needs.
type Account struct {
	Plan  Plan   `json:"plan"`
	Email string `json:"email"`
}

// Service resolves the current account.
type Service interface {
	GetAccount(ctx context.Context) (Account, error)
}

// Client fetches the account from the licensing service.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient returns a client for the licensing service at baseURL.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// GetAccount implements Service.
func (c *Client) GetAccount(ctx context.Context) (Account, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/account", nil)
	if err != nil {
		return Account{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.http.Do(req)
	if err != nil {
		return Account{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Account{}, fmt.Errorf("account service: unexpected status %d", resp.StatusCode)
	}
	var acct Account
	if err := json.NewDecoder(resp.Body).Decode(&acct); err != nil {
		return Account{}, err
	}
	return acct, nil
}

// Static is a fixed account, used with self-hosted relays where no
// licensing service exists.
type Static struct {
	Account Account
}

// GetAccount implements Service.
func (s Static) GetAccount(context.Context) (Account, error) {
	return s.Account, nil
}
