// Package forensic captures evidence bundles for high-risk verdicts and
// ships them to the external forensic collaborator.
package forensic

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/txshield/firewall-engine/internal/faults"
	"github.com/txshield/firewall-engine/internal/risk"
)

// Uploader posts bundles to the collaborator endpoint, which responds with a
// stable URL for the stored report.
type Uploader struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

func NewUploader(endpoint, apiKey string) *Uploader {
	return &Uploader{
		endpoint: endpoint,
		apiKey:   apiKey,
		http:     &http.Client{Timeout: 5 * time.Second},
	}
}

type uploadResponse struct {
	URL string `json:"url"`
}

// Upload ships one bundle. Evidence capture is best effort: callers log
// failures and proceed, the verdict never waits on a retry loop here.
func (u *Uploader) Upload(ctx context.Context, bundle risk.ForensicBundle) (string, error) {
	body, err := json.Marshal(bundle)
	if err != nil {
		return "", faults.New(faults.KindInternal, "forensic", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", faults.New(faults.KindInternal, "forensic", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if u.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+u.apiKey)
	}

	resp, err := u.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", faults.New(faults.KindTimeout, "forensic", err)
		}
		return "", faults.New(faults.KindUnavailable, "forensic", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", faults.Newf(faults.KindRateLimited, "forensic", "http 429")
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", faults.Newf(faults.KindUnavailable, "forensic", "http %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", faults.New(faults.KindUnavailable, "forensic", err)
	}
	var out uploadResponse
	if err := json.Unmarshal(raw, &out); err != nil || out.URL == "" {
		return "", faults.Newf(faults.KindMalformed, "forensic", "no report url in response")
	}
	return out.URL, nil
}
