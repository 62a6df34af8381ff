package cdp

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// Account is a provider-managed EVM wallet account.
type Account struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
}

type createAccountRequest struct {
	Name string `json:"name"`
}

type listAccountsResponse struct {
	Accounts []Account `json:"accounts"`
}

// CreateOrGetAccount resolves the managed account with the given name,
// creating it if it does not exist. List-then-create keeps the call
// idempotent; account names are unique per project.
func (c *Client) CreateOrGetAccount(ctx context.Context, name string) (Account, error) {
	if name == "" {
		return Account{}, fmt.Errorf("cdp: account name must not be empty")
	}

	listPath := "/platform/v2/evm/accounts?name=" + url.QueryEscape(name)
	var listResp listAccountsResponse
	if err := c.doWithRetry(ctx, http.MethodGet, listPath, nil, &listResp, false); err != nil {
		return Account{}, fmt.Errorf("cdp: list accounts: %w", err)
	}
	for _, account := range listResp.Accounts {
		if account.Name == name {
			return account, nil
		}
	}

	var account Account
	err := c.doWithRetry(ctx, http.MethodPost, "/platform/v2/evm/accounts", createAccountRequest{Name: name}, &account, true)
	if err != nil {
		return Account{}, fmt.Errorf("cdp: create account: %w", err)
	}
	if account.Address == "" {
		return Account{}, fmt.Errorf("cdp: provider returned account without address")
	}
	return account, nil
}
