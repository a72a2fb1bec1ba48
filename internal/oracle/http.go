package oracle

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultDeepFaceURL = "http://localhost:5005"

// HTTPClient verifies faces through a DeepFace REST API server (POST /verify).
type HTTPClient struct {
	baseURL string
	model   Model
	client  *http.Client
}

// NewHTTPClient creates a client for the DeepFace API at baseURL.
func NewHTTPClient(baseURL string, model Model, timeout time.Duration) *HTTPClient {
	if baseURL == "" {
		baseURL = defaultDeepFaceURL
	}
	return &HTTPClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: timeout},
	}
}

type verifyRequest struct {
	Img1             string `json:"img1"`
	Img2             string `json:"img2"`
	ModelName        string `json:"model_name,omitempty"`
	DetectorBackend  string `json:"detector_backend,omitempty"`
	EnforceDetection bool   `json:"enforce_detection"`
}

type verifyResponse struct {
	Verified bool    `json:"verified"`
	Distance float64 `json:"distance"`
	Error    string  `json:"error"`
}

func dataURI(jpeg []byte) string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpeg)
}

// isNoFace recognises DeepFace's detector failure message.
func isNoFace(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "face could not be detected")
}

// Verify posts the pair to the server.
func (c *HTTPClient) Verify(ctx context.Context, probe, reference []byte) (Result, error) {
	payload, err := json.Marshal(verifyRequest{
		Img1:             dataURI(probe),
		Img2:             dataURI(reference),
		ModelName:        c.model.Name,
		DetectorBackend:  c.model.Detector,
		EnforceDetection: true,
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/verify", bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read response: %w", err)
	}

	var vr verifyResponse
	decodeErr := json.Unmarshal(body, &vr)

	if resp.StatusCode != http.StatusOK {
		if decodeErr == nil && isNoFace(vr.Error) {
			return Result{Outcome: NoFace}, nil
		}
		return Result{}, fmt.Errorf("API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if decodeErr != nil {
		return Result{}, fmt.Errorf("failed to parse response: %w", decodeErr)
	}
	if vr.Error != "" {
		if isNoFace(vr.Error) {
			return Result{Outcome: NoFace}, nil
		}
		return Result{}, fmt.Errorf("API error: %s", vr.Error)
	}

	if vr.Verified {
		return Result{Outcome: Verified, Distance: vr.Distance}, nil
	}
	return Result{Outcome: NotVerified, Distance: vr.Distance}, nil
}
