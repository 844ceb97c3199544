package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// CopilotRefresher exchanges a GitHub OAuth token (or PAT), held in the
// credential's RefreshToken field, for a short-lived Copilot JWT. This
// is the one concrete Refresher relay ships; other providers' refresh
// flows (when they have one) follow the same Refresher shape.
//
// Grounded directly on CopilotTokenSource
// (internal/service/llm/openai/auth.go): same endpoint, same header
// set, same response shape — lifted out of its single-token-source
// cache and re-expressed as a stateless Refresher the Manager's state
// machine drives instead.
type CopilotRefresher struct {
	Client *http.Client
}

const copilotTokenEndpoint = "https://api.github.com/copilot_internal/v2/token"

type copilotTokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

// Refresh implements Refresher.
func (r *CopilotRefresher) Refresh(ctx context.Context, cred *Credential) (string, *time.Time, error) {
	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, copilotTokenEndpoint, nil)
	if err != nil {
		return "", nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Authorization", "token "+cred.RefreshToken)
	req.Header.Set("User-Agent", "GithubCopilot/1.0")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("token exchange request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, fmt.Errorf("read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("token exchange returned %d: %s", resp.StatusCode, truncate(string(body), 300))
	}

	var tokenResp copilotTokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return "", nil, fmt.Errorf("parse token response: %w", err)
	}
	if tokenResp.Token == "" {
		return "", nil, fmt.Errorf("token exchange returned empty token")
	}

	expiresAt := time.Unix(tokenResp.ExpiresAt, 0)
	return tokenResp.Token, &expiresAt, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
