package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	defaultFalURL   = "https://queue.fal.run"
	defaultFalModel = "fal-ai/wan-vace-14b/inpainting"

	falPrompt         = "clean video without text, subtitles removed, natural background restoration"
	falNegativePrompt = "subtitles, watermark, text, logo, captions, letters, words, characters, letterboxing, borders, black bars, bright colors, overexposed, static, blurred details, low quality"
)

// FalOptions configures the fal.ai queue client
type FalOptions struct {
	Key     string
	BaseURL string
	Model   string
	Timeout time.Duration
	// WebhookURL receives completion callbacks when set
	WebhookURL string
}

// Fal runs WAN VACE inpainting through the fal.ai queue API
type Fal struct {
	client  *resty.Client
	model   string
	app     string
	webhook string
}

var _ Provider = (*Fal)(nil)

type falSubmitResponse struct {
	RequestID string `json:"request_id"`
}

type falLog struct {
	Message string `json:"message"`
}

type falStatusResponse struct {
	Status string   `json:"status"`
	Logs   []falLog `json:"logs"`
	Error  string   `json:"error"`
}

type falResultResponse struct {
	Video *struct {
		URL string `json:"url"`
	} `json:"video"`
}

type falError struct {
	Detail interface{} `json:"detail"`
}

// NewFal creates a fal.ai client
func NewFal(opts FalOptions) (*Fal, error) {
	if strings.TrimSpace(opts.Key) == "" {
		return nil, fmt.Errorf("fal: %w", ErrMissingCredentials)
	}
	if opts.BaseURL == "" {
		opts.BaseURL = defaultFalURL
	}
	if opts.Model == "" {
		opts.Model = defaultFalModel
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetHeader("Authorization", "Key "+opts.Key).
		SetHeader("Content-Type", "application/json").
		SetTimeout(opts.Timeout)

	return &Fal{client: client, model: opts.Model, app: appID(opts.Model), webhook: opts.WebhookURL}, nil
}

// appID strips the endpoint path from a model id. Queue requests for
// "owner/app/path" are addressed under "owner/app".
func appID(model string) string {
	parts := strings.Split(strings.Trim(model, "/"), "/")
	if len(parts) <= 2 {
		return strings.Join(parts, "/")
	}
	return parts[0] + "/" + parts[1]
}

// Name returns the provider name
func (f *Fal) Name() string {
	return "fal"
}

// Submit enqueues an inpainting request and returns the request ID
func (f *Fal) Submit(ctx context.Context, input Input) (string, error) {
	body := map[string]interface{}{
		"prompt":              falPrompt,
		"negative_prompt":     falNegativePrompt,
		"video_url":           input.VideoURL,
		"guiding_mask_url":    input.MaskURL,
		"num_inference_steps": 30,
		"guidance_scale":      5,
	}

	req := f.request(ctx)
	if f.webhook != "" {
		req.SetQueryParam("fal_webhook", f.webhook)
	}

	var out falSubmitResponse
	var apiErr falError
	resp, err := req.
		SetBody(body).
		SetResult(&out).
		SetError(&apiErr).
		Post("/" + f.model)
	if err != nil {
		return "", fmt.Errorf("fal: failed to submit request: %w", err)
	}
	if resp.IsError() {
		return "", f.apiError(resp, apiErr)
	}
	if out.RequestID == "" {
		return "", fmt.Errorf("fal: request queued without an id")
	}

	return out.RequestID, nil
}

// Status fetches the queue state, and the result once the request completed
func (f *Fal) Status(ctx context.Context, predictionID string) (*Prediction, error) {
	var st falStatusResponse
	var apiErr falError
	resp, err := f.request(ctx).
		SetQueryParam("logs", "1").
		SetResult(&st).
		SetError(&apiErr).
		Get(fmt.Sprintf("/%s/requests/%s/status", f.app, predictionID))
	if err != nil {
		return nil, fmt.Errorf("fal: failed to get status: %w", err)
	}
	if resp.IsError() {
		return nil, f.apiError(resp, apiErr)
	}

	pred := &Prediction{
		ID:     predictionID,
		Status: falStatus(st.Status),
		Error:  st.Error,
		Logs:   joinLogs(st.Logs),
	}
	if pred.Status != StatusSucceeded {
		return pred, nil
	}

	// Completed requests may still have failed inference; the result call
	// reports that as an error body.
	var result falResultResponse
	apiErr = falError{}
	resp, err = f.request(ctx).
		SetResult(&result).
		SetError(&apiErr).
		Get(fmt.Sprintf("/%s/requests/%s", f.app, predictionID))
	if err != nil {
		return nil, fmt.Errorf("fal: failed to get result: %w", err)
	}
	if resp.IsError() {
		if resp.StatusCode() >= http.StatusInternalServerError {
			return nil, f.apiError(resp, apiErr)
		}
		pred.Status = StatusFailed
		pred.Error = f.apiError(resp, apiErr).Message
		return pred, nil
	}
	if result.Video != nil {
		pred.OutputURL = result.Video.URL
	}

	return pred, nil
}

// Cancel asks the queue to drop a pending request
func (f *Fal) Cancel(ctx context.Context, predictionID string) error {
	var apiErr falError
	resp, err := f.request(ctx).
		SetError(&apiErr).
		Put(fmt.Sprintf("/%s/requests/%s/cancel", f.app, predictionID))
	if err != nil {
		return fmt.Errorf("fal: failed to cancel request: %w", err)
	}
	if resp.IsError() {
		return f.apiError(resp, apiErr)
	}
	return nil
}

func (f *Fal) apiError(resp *resty.Response, apiErr falError) *APIError {
	msg := ""
	switch d := apiErr.Detail.(type) {
	case string:
		msg = d
	case nil:
	default:
		msg = fmt.Sprint(d)
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode())
	}
	return &APIError{Provider: f.Name(), StatusCode: resp.StatusCode(), Message: msg}
}

func falStatus(s string) Status {
	switch s {
	case "IN_QUEUE":
		return StatusStarting
	case "IN_PROGRESS":
		return StatusProcessing
	case "COMPLETED":
		return StatusSucceeded
	case "FAILED", "ERROR":
		return StatusFailed
	case "CANCELED", "CANCELLED":
		return StatusCanceled
	default:
		return StatusStarting
	}
}

func joinLogs(logs []falLog) string {
	if len(logs) == 0 {
		return ""
	}
	lines := make([]string, 0, len(logs))
	for _, l := range logs {
		lines = append(lines, l.Message)
	}
	return strings.Join(lines, "\n")
}

func (f *Fal) request(ctx context.Context) *resty.Request {
	return f.client.R().SetContext(ctx).ForceContentType("application/json")
}
