package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// FCMPush posts JSON to an FCM HTTPv1-style endpoint. Delivery is classified
// purely by status code: 4xx means the token is dead, everything else that
// fails is transient and left to the retry job.
type FCMPush struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMPush(endpoint, key string) *FCMPush {
	return &FCMPush{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (f *FCMPush) Send(ctx context.Context, token, title, body string, data map[string]string) Result {
	msg := map[string]any{"message": map[string]any{
		"token":        token,
		"notification": map[string]string{"title": title, "body": body},
		"data":         data,
	}}
	b, _ := json.Marshal(msg)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return TransientFailure
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return TransientFailure
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode < 300:
		return Delivered
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusGone:
		return InvalidTarget
	default:
		return TransientFailure
	}
}

// NopPush is used when no push provider is configured; every target is
// treated as unreachable but valid.
type NopPush struct{}

func (NopPush) Send(ctx context.Context, token, title, body string, data map[string]string) Result {
	return TransientFailure
}
