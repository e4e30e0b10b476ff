package posters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/meridian-dms/meridian/internal/connections"
	"github.com/meridian-dms/meridian/internal/posting"
)

// LedgerHub posts documents to the Ledger Hub accounting API. Ledger Hub
// routes by document type in the URL and authenticates with an API key
// header rather than a bearer token.
type LedgerHub struct {
	baseURL    string
	httpClient *http.Client
}

// NewLedgerHub constructs the Ledger Hub poster.
func NewLedgerHub(baseURL string) *LedgerHub {
	return &LedgerHub{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type ledgerHubResponse struct {
	Reference string `json:"reference"`
	Error     string `json:"error"`
}

func (p *LedgerHub) Post(ctx context.Context, conn *connections.Connection, docType string, payload map[string]any) (posting.Result, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return posting.Result{Success: false, Error: fmt.Sprintf("encode document: %v", err)}, nil
	}

	endpoint := fmt.Sprintf("%s/api/%s", p.baseURL, strings.ToLower(docType))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return posting.Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if key := configString(conn.Config, "api_key"); key != "" {
		req.Header.Set("X-Api-Key", key)
	}
	if account := configString(conn.Config, "account_id"); account != "" {
		req.Header.Set("X-Account-ID", account)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return posting.Result{Success: false, Error: err.Error()}, nil
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	var decoded ledgerHubResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil && resp.StatusCode < 400 {
		return posting.Result{Success: false, Error: fmt.Sprintf("decode response: %v", err)}, nil
	}
	if resp.StatusCode >= 400 {
		msg := decoded.Error
		if msg == "" {
			msg = fmt.Sprintf("ledger hub returned status %d", resp.StatusCode)
		}
		return posting.Result{Success: false, Error: msg}, nil
	}
	return posting.Result{Success: true, ExternalRef: &decoded.Reference}, nil
}
