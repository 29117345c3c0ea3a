// Package provider integrates the external video inpainting services. Both
// integrations satisfy the same Provider interface and are selected by
// configuration.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/therealutkarshpriyadarshi/suberase/internal/config"
	"github.com/therealutkarshpriyadarshi/suberase/internal/webhook"
)

// Status is a provider-neutral prediction state
type Status string

const (
	StatusStarting   Status = "starting"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// Terminal reports whether the provider will not change the prediction again
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCanceled
}

// Input is what an inpainting job needs: a fetchable video and mask
type Input struct {
	VideoURL string
	MaskURL  string
}

// Prediction is the provider's view of a submitted job
type Prediction struct {
	ID        string
	Status    Status
	OutputURL string
	Error     string
	Logs      string
}

// Provider is the capability set shared by all inpainting integrations
type Provider interface {
	Name() string
	Submit(ctx context.Context, input Input) (string, error)
	Status(ctx context.Context, predictionID string) (*Prediction, error)
	Cancel(ctx context.Context, predictionID string) error
}

// ErrMissingCredentials indicates the selected provider has no API key
var ErrMissingCredentials = errors.New("provider: api credentials are required")

// New builds the provider named in cfg
func New(cfg config.ProviderConfig) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Name)) {
	case "replicate":
		return NewReplicate(ReplicateOptions{
			Token:      cfg.ReplicateToken,
			BaseURL:    cfg.ReplicateURL,
			Model:      cfg.ReplicateModel,
			Timeout:    cfg.Timeout,
			WebhookURL: webhook.CallbackURL(cfg.WebhookURL, webhook.ProviderReplicate, ""),
		})
	case "fal":
		return NewFal(FalOptions{
			Key:        cfg.FalKey,
			BaseURL:    cfg.FalURL,
			Model:      cfg.FalModel,
			Timeout:    cfg.Timeout,
			WebhookURL: webhook.CallbackURL(cfg.WebhookURL, webhook.ProviderFal, cfg.WebhookToken),
		})
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Name)
	}
}

// APIError is a non-2xx answer from a provider
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s (status %d)", e.Provider, e.Message, e.StatusCode)
}
