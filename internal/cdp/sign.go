package cdp

import (
	"context"
	"fmt"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// signTypedDataRequest is the wire shape the provider expects: the EIP-712
// envelope fields at the top level, chainId as a plain integer.
type signTypedDataRequest struct {
	Domain      signTypedDataDomain           `json:"domain"`
	Types       map[string][]signTypedField   `json:"types"`
	PrimaryType string                        `json:"primaryType"`
	Message     map[string]interface{}        `json:"message"`
}

type signTypedDataDomain struct {
	Name              string `json:"name"`
	Version           string `json:"version"`
	ChainID           int64  `json:"chainId"`
	VerifyingContract string `json:"verifyingContract"`
}

type signTypedField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type signTypedDataResponse struct {
	Signature string `json:"signature"`
}

// SignTypedData asks the provider to sign EIP-712 typed data with the
// managed account at the given address. The call carries wallet auth.
func (c *Client) SignTypedData(ctx context.Context, address string, data apitypes.TypedData) (string, error) {
	if address == "" {
		return "", fmt.Errorf("cdp: address must not be empty")
	}
	if data.Domain.ChainId == nil {
		return "", fmt.Errorf("cdp: typed data domain missing chain id")
	}

	req := signTypedDataRequest{
		Domain: signTypedDataDomain{
			Name:              data.Domain.Name,
			Version:           data.Domain.Version,
			ChainID:           (*big.Int)(data.Domain.ChainId).Int64(),
			VerifyingContract: data.Domain.VerifyingContract,
		},
		Types:       make(map[string][]signTypedField, len(data.Types)),
		PrimaryType: data.PrimaryType,
		Message:     data.Message,
	}
	for name, fields := range data.Types {
		converted := make([]signTypedField, len(fields))
		for i, field := range fields {
			converted[i] = signTypedField{Name: field.Name, Type: field.Type}
		}
		req.Types[name] = converted
	}

	path := fmt.Sprintf("/platform/v2/evm/accounts/%s/sign/typed-data", address)
	var resp signTypedDataResponse
	if err := c.doWithRetry(ctx, http.MethodPost, path, req, &resp, true); err != nil {
		return "", fmt.Errorf("cdp: sign typed data: %w", err)
	}
	if resp.Signature == "" {
		return "", fmt.Errorf("cdp: provider returned empty signature")
	}
	return resp.Signature, nil
}
