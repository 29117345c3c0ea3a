package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	defaultReplicateURL   = "https://api.replicate.com/v1"
	defaultReplicateModel = "sczhou/propainter"
)

// ReplicateOptions configures the Replicate client
type ReplicateOptions struct {
	Token   string
	BaseURL string
	Model   string
	Timeout time.Duration
	// WebhookURL receives completion callbacks when set
	WebhookURL string
}

// Replicate runs ProPainter video inpainting on replicate.com
type Replicate struct {
	client  *resty.Client
	model   string
	webhook string
}

var _ Provider = (*Replicate)(nil)

type replicatePrediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  json.RawMessage `json:"error"`
	Logs   string          `json:"logs"`
}

type replicateError struct {
	Detail string `json:"detail"`
	Title  string `json:"title"`
}

// NewReplicate creates a Replicate client
func NewReplicate(opts ReplicateOptions) (*Replicate, error) {
	if strings.TrimSpace(opts.Token) == "" {
		return nil, fmt.Errorf("replicate: %w", ErrMissingCredentials)
	}
	if opts.BaseURL == "" {
		opts.BaseURL = defaultReplicateURL
	}
	if opts.Model == "" {
		opts.Model = defaultReplicateModel
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetAuthToken(opts.Token).
		SetTimeout(opts.Timeout).
		SetHeader("Content-Type", "application/json")

	return &Replicate{client: client, model: opts.Model, webhook: opts.WebhookURL}, nil
}

// Name returns the provider name
func (r *Replicate) Name() string {
	return "replicate"
}

// Submit creates a prediction and returns its ID
func (r *Replicate) Submit(ctx context.Context, input Input) (string, error) {
	body := map[string]interface{}{
		"input": map[string]interface{}{
			"video":             input.VideoURL,
			"mask":              input.MaskURL,
			"fp16":              true,
			"mask_dilation":     8,
			"flow_mask_dilates": 8,
			"neighbor_length":   10,
			"ref_stride":        10,
			"subvideo_length":   80,
		},
	}
	if r.webhook != "" {
		body["webhook"] = r.webhook
		body["webhook_events_filter"] = []string{"completed"}
	}

	var pred replicatePrediction
	var apiErr replicateError
	resp, err := r.request(ctx).
		SetBody(body).
		SetResult(&pred).
		SetError(&apiErr).
		Post(fmt.Sprintf("/models/%s/predictions", r.model))
	if err != nil {
		return "", fmt.Errorf("replicate: failed to create prediction: %w", err)
	}
	if resp.IsError() {
		return "", r.apiError(resp, apiErr)
	}
	if pred.ID == "" {
		return "", fmt.Errorf("replicate: prediction created without an id")
	}

	return pred.ID, nil
}

// Status fetches the current prediction state
func (r *Replicate) Status(ctx context.Context, predictionID string) (*Prediction, error) {
	var pred replicatePrediction
	var apiErr replicateError
	resp, err := r.request(ctx).
		SetResult(&pred).
		SetError(&apiErr).
		SetPathParam("id", predictionID).
		Get("/predictions/{id}")
	if err != nil {
		return nil, fmt.Errorf("replicate: failed to get prediction: %w", err)
	}
	if resp.IsError() {
		return nil, r.apiError(resp, apiErr)
	}

	return &Prediction{
		ID:        predictionID,
		Status:    replicateStatus(pred.Status),
		OutputURL: outputURL(pred.Output),
		Error:     errorText(pred.Error),
		Logs:      pred.Logs,
	}, nil
}

// Cancel stops a running prediction
func (r *Replicate) Cancel(ctx context.Context, predictionID string) error {
	var apiErr replicateError
	resp, err := r.request(ctx).
		SetError(&apiErr).
		SetPathParam("id", predictionID).
		Post("/predictions/{id}/cancel")
	if err != nil {
		return fmt.Errorf("replicate: failed to cancel prediction: %w", err)
	}
	if resp.IsError() {
		return r.apiError(resp, apiErr)
	}
	return nil
}

func (r *Replicate) apiError(resp *resty.Response, apiErr replicateError) *APIError {
	msg := apiErr.Detail
	if msg == "" {
		msg = apiErr.Title
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode())
	}
	return &APIError{Provider: r.Name(), StatusCode: resp.StatusCode(), Message: msg}
}

func replicateStatus(s string) Status {
	switch s {
	case "succeeded":
		return StatusSucceeded
	case "failed":
		return StatusFailed
	case "canceled":
		return StatusCanceled
	case "processing":
		return StatusProcessing
	default:
		return StatusStarting
	}
}

// outputURL accepts either a single URL or a list of URLs, in which case the
// last one is the final render.
func outputURL(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return single
	}

	var list []string
	if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 {
		return list[len(list)-1]
	}

	return ""
}

func errorText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func (r *Replicate) request(ctx context.Context) *resty.Request {
	return r.client.R().SetContext(ctx).ForceContentType("application/json")
}
