// Package posters contains the per-integration delivery clients invoked by
// the posting dispatcher. Each client owns its wire format; the queue core
// treats payloads as opaque.
package posters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/meridian-dms/meridian/internal/connections"
	"github.com/meridian-dms/meridian/internal/posting"
)

// NimbusBooks posts documents to the Nimbus Books ledger API.
type NimbusBooks struct {
	baseURL    string
	httpClient *http.Client
}

// NewNimbusBooks constructs the Nimbus Books poster.
func NewNimbusBooks(baseURL string) *NimbusBooks {
	return &NimbusBooks{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type nimbusDocument struct {
	Kind   string         `json:"kind"`
	Ledger string         `json:"ledger,omitempty"`
	Data   map[string]any `json:"data"`
}

type nimbusResponse struct {
	DocumentID string `json:"document_id"`
	Message    string `json:"message"`
}

// Post submits the document. A non-2xx response or transport error becomes
// an unsuccessful Result; the queue's retry policy handles the rest.
func (p *NimbusBooks) Post(ctx context.Context, conn *connections.Connection, docType string, payload map[string]any) (posting.Result, error) {
	body, err := json.Marshal(nimbusDocument{
		Kind:   docType,
		Ledger: configString(conn.Config, "ledger_code"),
		Data:   payload,
	})
	if err != nil {
		return posting.Result{Success: false, Error: fmt.Sprintf("encode document: %v", err)}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/v1/documents", p.baseURL), bytes.NewReader(body))
	if err != nil {
		return posting.Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token := configString(conn.Config, "api_token"); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return posting.Result{Success: false, Error: err.Error()}, nil
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	var decoded nimbusResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil && resp.StatusCode < 400 {
		return posting.Result{Success: false, Error: fmt.Sprintf("decode response: %v", err)}, nil
	}
	if resp.StatusCode >= 400 {
		msg := decoded.Message
		if msg == "" {
			msg = fmt.Sprintf("nimbus books returned status %d", resp.StatusCode)
		}
		return posting.Result{Success: false, Error: msg}, nil
	}
	return posting.Result{Success: true, ExternalRef: &decoded.DocumentID}, nil
}

func configString(config map[string]any, key string) string {
	if config == nil {
		return ""
	}
	if v, ok := config[key].(string); ok {
		return v
	}
	return ""
}
