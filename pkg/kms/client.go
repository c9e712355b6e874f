// Package kms calls the KMS application endpoints of a CCF network.
package kms

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/loykin/kmsconverge/internal/common"
	"github.com/loykin/kmsconverge/pkg/poll"
	"github.com/tidwall/gjson"
)

// Response is the terminal answer of an endpoint call.
type Response struct {
	Status   int
	Body     []byte
	Attempts int
}

// JSON parses the body.
func (r *Response) JSON() gjson.Result { return gjson.ParseBytes(r.Body) }

// Decode unmarshals the body into v.
func (r *Response) Decode(v any) error { return json.Unmarshal(r.Body, v) }

// Expect returns an error unless the status is one of codes.
func (r *Response) Expect(codes ...int) error {
	for _, c := range codes {
		if r.Status == c {
			return nil
		}
	}
	return &UnexpectedStatusError{Status: r.Status, Expected: codes, Body: string(r.Body)}
}

// UnexpectedStatusError reports an endpoint answering with a status the
// caller did not expect.
type UnexpectedStatusError struct {
	Status   int
	Expected []int
	Body     string
}

func (e *UnexpectedStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d (expected %v): %s", e.Status, e.Expected, e.Body)
}

// Client calls KMS endpoints. Endpoints that may answer 202 while a key
// release decision is pending go through Poll.
type Client struct {
	Transport Transport
	Poll      *poll.Client
	Auth      AuthMode
	Logger    *common.Logger
}

// NewClient returns a Client with the default pending-poll bounds.
func NewClient(t Transport) *Client {
	return &Client{Transport: t, Poll: poll.New(poll.DefaultConfig())}
}

func (c *Client) logger() *common.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return common.GetLogger().WithComponent("kms")
}

func (c *Client) auth(req Request) Request {
	if req.Auth == AuthDefault {
		req.Auth = c.Auth
	}
	return req
}

// Call issues req once.
func (c *Client) Call(ctx context.Context, req Request) (*Response, error) {
	req = c.auth(req)
	status, body, err := c.Transport.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", req.Endpoint, err)
	}
	c.logger().Debug("endpoint called", "endpoint", req.Endpoint, "status", status)
	return &Response{Status: status, Body: body, Attempts: 1}, nil
}

// CallUntilReady re-issues req with identical parameters while it is pending.
func (c *Client) CallUntilReady(ctx context.Context, req Request) (*Response, error) {
	req = c.auth(req)
	p := c.Poll
	if p == nil {
		p = poll.New(poll.DefaultConfig())
	}
	out, err := p.InvokeUntilReady(ctx, func(ctx context.Context) (int, []byte, error) {
		return c.Transport.Do(ctx, req)
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", req.Endpoint, err)
	}
	c.logger().Debug("endpoint completed", "endpoint", req.Endpoint, "status", out.StatusCode, "attempts", out.Attempts)
	return &Response{Status: out.StatusCode, Body: out.Body, Attempts: out.Attempts}, nil
}

// KeyRequest asks for a private key on behalf of an attested workload.
type KeyRequest struct {
	Attestation json.RawMessage
	WrappingKey string
	// Kid selects a key; empty means the latest key.
	Kid string
}

func (k KeyRequest) body() map[string]interface{} {
	b := map[string]interface{}{}
	if len(k.Attestation) > 0 {
		b["attestation"] = k.Attestation
	}
	if k.WrappingKey != "" {
		b["wrappingKey"] = k.WrappingKey
	}
	return b
}

func kidQuery(kid string) map[string]string {
	if kid == "" {
		return nil
	}
	return map[string]string{"kid": kid}
}

// Key requests a wrapped key and waits out pending answers.
func (c *Client) Key(ctx context.Context, k KeyRequest) (*Response, error) {
	return c.CallUntilReady(ctx, Request{Endpoint: "key", Method: http.MethodPost, Query: kidQuery(k.Kid), Body: k.body()})
}

// UnwrapKey unwraps a previously released key.
func (c *Client) UnwrapKey(ctx context.Context, k KeyRequest, wrapped, wrappedKid string) (*Response, error) {
	b := k.body()
	b["wrapped"] = wrapped
	b["wrappedKid"] = wrappedKid
	return c.CallUntilReady(ctx, Request{Endpoint: "unwrapKey", Method: http.MethodPost, Body: b})
}

// Refresh generates a new key; the answer carries its kid.
func (c *Client) Refresh(ctx context.Context) (*Response, error) {
	return c.Call(ctx, Request{Endpoint: "refresh", Method: http.MethodPost})
}

// PubKey returns the public key for kid, or the latest one.
func (c *Client) PubKey(ctx context.Context, kid string) (*Response, error) {
	return c.Call(ctx, Request{Endpoint: "pubkey", Query: kidQuery(kid)})
}

// ListPubKeys returns all public keys.
func (c *Client) ListPubKeys(ctx context.Context) (*Response, error) {
	return c.Call(ctx, Request{Endpoint: "listpubkeys"})
}

// Heartbeat checks the application is serving.
func (c *Client) Heartbeat(ctx context.Context) (*Response, error) {
	return c.Call(ctx, Request{Endpoint: "heartbeat"})
}

// AuthInfo reports which authentication policy accepted the caller.
func (c *Client) AuthInfo(ctx context.Context, mode AuthMode) (*Response, error) {
	return c.Call(ctx, Request{Endpoint: "auth", Auth: mode})
}

// KeyReleasePolicy returns the current key release policy.
func (c *Client) KeyReleasePolicy(ctx context.Context) (*Response, error) {
	return c.Call(ctx, Request{Endpoint: "keyReleasePolicy"})
}

// SettingsPolicy returns the current settings policy.
func (c *Client) SettingsPolicy(ctx context.Context) (*Response, error) {
	return c.Call(ctx, Request{Endpoint: "settingsPolicy"})
}

// KeyRotationPolicy returns the current key rotation policy.
func (c *Client) KeyRotationPolicy(ctx context.Context) (*Response, error) {
	return c.Call(ctx, Request{Endpoint: "keyRotationPolicy"})
}
