// Package gateway implements the remote side of the sync core: an
// authenticated HTTP client exposing CRUD-shaped operations per entity
// type. The server's query contract is not modeled here; responses are
// passed through as opaque payloads with only the envelope fields
// (id, updated_at, is_deleted) peeked at for cache bookkeeping.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/fintrack/syncbox"
	syncErrors "github.com/fintrack/syncbox/errors"
	"github.com/fintrack/syncbox/logging"
)

// TokenSource supplies the bearer credential for outgoing requests.
// Token acquisition itself is out of scope; Invalidate is called when
// the server answers 401 so the auth collaborator can clear state and
// force re-login.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// StaticToken is a TokenSource for a fixed credential. Invalidate is a
// no-op; useful in tests and scripts.
type StaticToken string

func (t StaticToken) Token(ctx context.Context) (string, error) { return string(t), nil }
func (t StaticToken) Invalidate()                               {}

// entityPaths maps entity types to their collection endpoints.
var entityPaths = map[syncbox.EntityType]string{
	syncbox.EntityUser:        "/users/me",
	syncbox.EntityWallet:      "/wallets",
	syncbox.EntityCategory:    "/categories",
	syncbox.EntityTransaction: "/transactions",
}

// Client is the HTTP implementation of syncbox.RemoteGateway.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
	logger  *logging.Logger
}

// Compile-time check that Client satisfies the RemoteGateway interface
var _ syncbox.RemoteGateway = (*Client)(nil)

// ClientOption configures a Client using the functional options pattern
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(cl *http.Client) ClientOption {
	return func(c *Client) {
		c.http = cl
	}
}

// NewClient creates a gateway client for the API at baseURL.
func NewClient(baseURL string, tokens TokenSource, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		tokens:  tokens,
		logger:  logging.WithComponent(logging.Component("gateway")),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// ListAll fetches the full collection for one entity type.
func (c *Client) ListAll(ctx context.Context, entityType syncbox.EntityType) ([]syncbox.CachedEntity, error) {
	body, err := c.do(ctx, http.MethodGet, c.collectionURL(entityType), nil)
	if err != nil {
		return nil, err
	}

	// The user endpoint returns a single object; everything else
	// returns an array.
	if entityType == syncbox.EntityUser {
		entity, err := decodeEntity(entityType, body)
		if err != nil {
			return nil, err
		}
		return []syncbox.CachedEntity{entity}, nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, syncErrors.WrapOpComponentKind(err, syncErrors.OpFetch, "gateway", syncErrors.KindProtocol)
	}

	entities := make([]syncbox.CachedEntity, 0, len(raw))
	for _, item := range raw {
		entity, err := decodeEntity(entityType, item)
		if err != nil {
			return nil, err
		}
		entities = append(entities, entity)
	}
	return entities, nil
}

// Create posts a new record and returns the server's confirmed copy.
func (c *Client) Create(ctx context.Context, entityType syncbox.EntityType, payload json.RawMessage) (syncbox.CachedEntity, error) {
	body, err := c.do(ctx, http.MethodPost, c.collectionURL(entityType), payload)
	if err != nil {
		return syncbox.CachedEntity{}, err
	}
	return decodeEntity(entityType, body)
}

// Update puts a record and returns the server's confirmed copy.
func (c *Client) Update(ctx context.Context, entityType syncbox.EntityType, id string, payload json.RawMessage) (syncbox.CachedEntity, error) {
	url := c.collectionURL(entityType)
	if entityType != syncbox.EntityUser {
		// The current user is a singleton resource; everything else is
		// addressed by id.
		url += "/" + id
	}
	body, err := c.do(ctx, http.MethodPut, url, payload)
	if err != nil {
		return syncbox.CachedEntity{}, err
	}
	return decodeEntity(entityType, body)
}

// Delete removes a record server-side.
func (c *Client) Delete(ctx context.Context, entityType syncbox.EntityType, id string) error {
	_, err := c.do(ctx, http.MethodDelete, c.collectionURL(entityType)+"/"+id, nil)
	return err
}

func (c *Client) collectionURL(entityType syncbox.EntityType) string {
	return c.baseURL + entityPaths[entityType]
}

// do issues one authenticated request and maps the response status to
// the error taxonomy: 401 invalidates the credential and yields
// KindAuth, 5xx and transport failures yield retryable KindNetwork,
// remaining 4xx yield KindValidation.
func (c *Client) do(ctx context.Context, method, url string, payload json.RawMessage) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, syncErrors.NewWithComponent(syncErrors.OpFetch, "gateway", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, syncErrors.NewAuthError(syncErrors.OpFetch, "gateway", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, syncErrors.NewNetworkError(syncErrors.OpFetch, "gateway", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, syncErrors.NewNetworkError(syncErrors.OpFetch, "gateway", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil

	case resp.StatusCode == http.StatusUnauthorized:
		c.logger.Warn("credential rejected, invalidating token",
			slog.String("url", url),
		)
		c.tokens.Invalidate()
		return nil, syncErrors.NewAuthError(syncErrors.OpFetch, "gateway",
			fmt.Errorf("server returned %d", resp.StatusCode))

	case resp.StatusCode >= 500:
		return nil, syncErrors.NewNetworkError(syncErrors.OpFetch, "gateway",
			fmt.Errorf("server returned %d", resp.StatusCode))

	default:
		err := syncErrors.NewValidationError(syncErrors.OpFetch,
			fmt.Errorf("server returned %d: %s", resp.StatusCode, truncate(body, 256)))
		err.Component = "gateway"
		return nil, err
	}
}

// recordEnvelope is the slice of a server payload the cache needs.
type recordEnvelope struct {
	ID        json.Number `json:"id"`
	UpdatedAt time.Time   `json:"updated_at"`
	CreatedAt time.Time   `json:"created_at"`
	IsDeleted bool        `json:"is_deleted"`
}

// decodeEntity wraps one raw server record into a CachedEntity,
// peeking only at the envelope fields.
func decodeEntity(entityType syncbox.EntityType, raw json.RawMessage) (syncbox.CachedEntity, error) {
	var env recordEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return syncbox.CachedEntity{}, syncErrors.WrapOpComponentKind(err, syncErrors.OpFetch, "gateway", syncErrors.KindProtocol)
	}
	if env.ID.String() == "" {
		return syncbox.CachedEntity{}, syncErrors.WrapOpComponentKind(
			fmt.Errorf("record has no id"), syncErrors.OpFetch, "gateway", syncErrors.KindProtocol)
	}

	updatedAt := env.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = env.CreatedAt
	}

	return syncbox.CachedEntity{
		Type:      entityType,
		ID:        env.ID.String(),
		Payload:   append(json.RawMessage(nil), raw...),
		UpdatedAt: updatedAt,
		Deleted:   env.IsDeleted,
	}, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
