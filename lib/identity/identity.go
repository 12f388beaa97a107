/*
Copyright 2025 Keyward Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package identity resolves usernames to recipient public keys through
// the external username registry. The core has no opinion about the
// registry beyond this lookup.
package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/gravitational/trace"

	"github.com/keyward/keyward/lib/defaults"
)

// Resolver resolves a username to the recipient's public key
type Resolver interface {
	Resolve(ctx context.Context, username string) (string, error)
}

// Client is an HTTP client for the username registry lookup endpoint
type Client struct {
	endpoint string
	client   *http.Client
}

// NewClient returns a client for the lookup endpoint. The endpoint is
// the base URL; lookups append the username as a path element.
func NewClient(endpoint string) (*Client, error) {
	if endpoint == "" {
		return nil, trace.BadParameter("missing identity lookup endpoint")
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, trace.Wrap(err, "parsing identity lookup endpoint")
	}
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: defaults.CollaboratorTimeout},
	}, nil
}

// Resolve returns the base58 public key registered for a username, or
// NotFound when the username is not registered.
func (c *Client) Resolve(ctx context.Context, username string) (string, error) {
	if username == "" {
		return "", trace.BadParameter("missing username")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.endpoint+"/"+url.PathEscape(username), nil)
	if err != nil {
		return "", trace.Wrap(err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", trace.Wrap(err, "looking up username %q", username)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return "", trace.NotFound("username %q is not registered", username)
	default:
		return "", trace.Errorf("identity lookup for %q returned status %v", username, resp.StatusCode)
	}

	var out struct {
		Pubkey string `json:"pubkey"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", trace.Wrap(err, "decoding identity lookup response")
	}
	if out.Pubkey == "" {
		return "", trace.Errorf("identity lookup for %q returned no pubkey", username)
	}
	return out.Pubkey, nil
}
