// Package push delivers messages of push subscriptions over HTTP.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/coregx/gopubsub"
	"github.com/coregx/gopubsub/model"
)

// SubKeyHeader names the subscription a pushed message belongs to.
const SubKeyHeader = "X-PubSub-Sub-Key"

// Gateway implements pubsub.PushGateway by POSTing each message as JSON to the
// subscription's push_url. Any non-2xx response counts as a failed delivery.
type Gateway struct {
	client *http.Client
	logger pubsub.Logger
}

// NewGateway creates a gateway whose requests time out after timeout.
func NewGateway(timeout time.Duration, logger pubsub.Logger) *Gateway {
	if logger == nil {
		logger = &pubsub.NoopLogger{}
	}
	return &Gateway{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Push implements pubsub.PushGateway.
func (g *Gateway) Push(ctx context.Context, sub model.Subscription, msg pubsub.MessageView) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return pubsub.NewErrorWithCause(pubsub.ErrCodeDelivery, "failed to encode message", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.PushURL, bytes.NewReader(body))
	if err != nil {
		return pubsub.NewErrorWithCause(pubsub.ErrCodeDelivery, "invalid push_url", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SubKeyHeader, sub.SubKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return pubsub.NewErrorWithCause(pubsub.ErrCodeDelivery, "push request failed", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		if closeErr := resp.Body.Close(); closeErr != nil {
			g.logger.Debugf("Failed to close push response body: %v", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return pubsub.NewError(pubsub.ErrCodeDelivery, fmt.Sprintf("push endpoint returned %d", resp.StatusCode))
	}

	g.logger.Debugf("Pushed `%s` to `%s`", msg.Meta.MsgID, sub.SubKey)
	return nil
}
