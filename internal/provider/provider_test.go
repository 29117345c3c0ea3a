package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/therealutkarshpriyadarshi/suberase/internal/config"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.ProviderConfig
		want    string
		wantErr bool
	}{
		{name: "replicate", cfg: config.ProviderConfig{Name: "replicate", ReplicateToken: "r8_x"}, want: "replicate"},
		{name: "fal", cfg: config.ProviderConfig{Name: "FAL", FalKey: "k"}, want: "fal"},
		{name: "replicate without token", cfg: config.ProviderConfig{Name: "replicate"}, wantErr: true},
		{name: "fal without key", cfg: config.ProviderConfig{Name: "fal"}, wantErr: true},
		{name: "unknown", cfg: config.ProviderConfig{Name: "runway"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Name())
		})
	}
}

func TestNewWiresCallbackURLs(t *testing.T) {
	p, err := New(config.ProviderConfig{Name: "replicate", ReplicateToken: "r8_x", WebhookURL: "https://api.example.com"})
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/webhooks/replicate", p.(*Replicate).webhook)

	p, err = New(config.ProviderConfig{Name: "fal", FalKey: "k", WebhookURL: "https://api.example.com", WebhookToken: "t0k"})
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/webhooks/fal?token=t0k", p.(*Fal).webhook)

	p, err = New(config.ProviderConfig{Name: "fal", FalKey: "k"})
	require.NoError(t, err)
	assert.Empty(t, p.(*Fal).webhook)
}

func TestNewMissingCredentials(t *testing.T) {
	_, err := New(config.ProviderConfig{Name: "replicate"})
	assert.True(t, errors.Is(err, ErrMissingCredentials))
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusStarting.Terminal())
	assert.False(t, StatusProcessing.Terminal())
	assert.True(t, StatusSucceeded.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCanceled.Terminal())
}

func TestPhaseFromLogs(t *testing.T) {
	tests := []struct {
		logs string
		want Phase
	}{
		{"", PhaseUnknown},
		{"loading weights", PhaseUnknown},
		{"Analyzing video", PhaseAnalyzing},
		{"processing frame 12/300", PhaseAnalyzing},
		{"Removing subtitles", PhaseInpainting},
		{"running inpaint pass", PhaseInpainting},
		{"frame 290/300\nRendering", PhaseRendering},
		{"writing output", PhaseRendering},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, PhaseFromLogs(tt.logs), tt.logs)
	}
}

func TestInstrumentedDelegates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/models/sczhou/propainter/predictions":
			json.NewEncoder(w).Encode(map[string]string{"id": "p-1", "status": "starting"})
		case "/predictions/p-1":
			json.NewEncoder(w).Encode(map[string]string{"id": "p-1", "status": "processing"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	inner, err := NewReplicate(ReplicateOptions{Token: "t", BaseURL: server.URL, Timeout: time.Second})
	require.NoError(t, err)

	p := Instrument(inner, nil)
	assert.Equal(t, "replicate", p.Name())

	id, err := p.Submit(context.Background(), Input{VideoURL: "v", MaskURL: "m"})
	require.NoError(t, err)
	assert.Equal(t, "p-1", id)

	pred, err := p.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, pred.Status)

	err = p.Cancel(context.Background(), id)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}
