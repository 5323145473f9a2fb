package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bodegapos/backend/internal/eventlog"
	"github.com/bodegapos/backend/internal/ingest"
	"github.com/bodegapos/backend/internal/outbox"
	"github.com/bodegapos/backend/internal/vclock"
	"go.uber.org/zap"
)

var (
	errMissingEndpoint = errors.New("peer endpoint is required")
	noOpLogger         = zap.NewNop()
)

const (
	opForward = "relay.forward"

	defaultRequestTimeout = 10 * time.Second
)

// ClientConfig wires the peer relay client.
type ClientConfig struct {
	// Endpoint is the peer's push URL, e.g. https://peer/sync/push.
	Endpoint string
	// AuthToken is the bearer token the peer issued for this store's
	// relay identity.
	AuthToken  string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client forwards accepted events to a peer store's push endpoint.
// Forwarded events are flagged as relayed so the peer never enqueues
// them for relay again; the peer's own idempotency handling absorbs
// redelivery.
type Client struct {
	endpoint   string
	authToken  string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient validates the configuration and returns a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("relay.client.new.missing_endpoint: %w", errMissingEndpoint)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Client{
		endpoint:   cfg.Endpoint,
		authToken:  cfg.AuthToken,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Enqueue pushes one event to the peer. Network failures and peer
// outages report a dependency failure so the outbox retries; a peer
// that rejects the event outright makes the row unresolvable.
func (c *Client) Enqueue(ctx context.Context, event *eventlog.Event) error {
	request, err := buildForwardRequest(event)
	if err != nil {
		return fmt.Errorf("%w: %v", outbox.ErrUnresolvable, err)
	}

	body, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("%w: %v", outbox.ErrUnresolvable, err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", outbox.ErrUnresolvable, err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		httpRequest.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	response, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return outbox.NewDependencyError(fmt.Sprintf("peer %s", c.endpoint), err)
	}
	defer response.Body.Close()
	io.Copy(io.Discard, response.Body) //nolint:errcheck

	switch {
	case response.StatusCode >= 200 && response.StatusCode < 300:
		c.logger.Debug("event relayed",
			zap.String("operation", opForward),
			zap.String("event_id", event.EventID),
			zap.Int("status", response.StatusCode))
		return nil
	case response.StatusCode >= 500 || response.StatusCode == http.StatusTooManyRequests:
		return outbox.NewDependencyError(fmt.Sprintf("peer %s", c.endpoint),
			fmt.Errorf("peer returned status %d", response.StatusCode))
	default:
		return fmt.Errorf("%w: peer returned status %d", outbox.ErrUnresolvable, response.StatusCode)
	}
}

// buildForwardRequest reconstructs the wire event from the stored log
// row, preserving the origin device identity and clock.
func buildForwardRequest(event *eventlog.Event) (ingest.PushRequest, error) {
	clock, err := vclock.Parse(event.VectorClock)
	if err != nil {
		return ingest.PushRequest{}, fmt.Errorf("stored vector clock unreadable: %v", err)
	}

	var dependencies []string
	if event.CausalDependencies != "" {
		dependencies = strings.Split(event.CausalDependencies, ",")
	}

	forwarded := ingest.PushEvent{
		EventID:            event.EventID,
		Seq:                event.Seq,
		Type:               event.Type,
		Version:            event.SchemaVersion,
		CreatedAt:          event.CreatedAtMillis,
		Actor:              ingest.Actor{UserID: event.ActorUserID, Role: event.ActorRole},
		Payload:            json.RawMessage(event.PayloadJSON),
		VectorClock:        clock,
		CausalDependencies: dependencies,
		FullPayloadHash:    event.FullPayloadHash,
		IdempotencyKey:     event.IdempotencyKey,
		ViaRelay:           true,
	}
	if event.DeltaPayloadJSON != "" {
		forwarded.DeltaPayload = json.RawMessage(event.DeltaPayloadJSON)
	}

	return ingest.PushRequest{
		StoreID:  event.StoreID,
		DeviceID: event.DeviceID,
		Events:   []ingest.PushEvent{forwarded},
	}, nil
}
