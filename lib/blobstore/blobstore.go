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

// Package blobstore uploads and fetches opaque ciphertexts through the
// external permanent-storage collaborator. Payloads are base64 strings
// and are never inspected.
package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/gravitational/trace"

	"github.com/keyward/keyward/lib/defaults"
)

// Store uploads and downloads ciphertext blobs by handle
type Store interface {
	Upload(ctx context.Context, data string) (string, error)
	Download(ctx context.Context, handle string) (string, error)
}

// Client is an HTTP client for the blob store endpoint
type Client struct {
	endpoint string
	client   *http.Client
}

// NewClient returns a client for the blob store endpoint
func NewClient(endpoint string) (*Client, error) {
	if endpoint == "" {
		return nil, trace.BadParameter("missing blob store endpoint")
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, trace.Wrap(err, "parsing blob store endpoint")
	}
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: defaults.CollaboratorTimeout},
	}, nil
}

// Upload stores a ciphertext and returns the handle assigned by the
// store. Callers treat any error as a signal to fall back to local
// storage.
func (c *Client) Upload(ctx context.Context, data string) (string, error) {
	body, err := json.Marshal(map[string]string{"data": data})
	if err != nil {
		return "", trace.Wrap(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", trace.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return "", trace.Wrap(err, "uploading blob")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", trace.Errorf("blob upload returned status %v", resp.StatusCode)
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", trace.Wrap(err, "decoding blob upload response")
	}
	if out.ID == "" {
		return "", trace.Errorf("blob upload returned no handle")
	}
	return out.ID, nil
}

// Download fetches a ciphertext by handle
func (c *Client) Download(ctx context.Context, handle string) (string, error) {
	if handle == "" {
		return "", trace.BadParameter("missing blob handle")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.endpoint+"/"+url.PathEscape(handle), nil)
	if err != nil {
		return "", trace.Wrap(err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", trace.Wrap(err, "fetching blob %q", handle)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return "", trace.NotFound("blob %q is not found", handle)
	default:
		return "", trace.Errorf("blob fetch for %q returned status %v", handle, resp.StatusCode)
	}

	var out struct {
		Data string `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", trace.Wrap(err, "decoding blob fetch response")
	}
	return out.Data, nil
}
