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

// Package defaults contains default constants set in various parts of
// the keyward codebase
package defaults

import "time"

const (
	// HTTPListenPort is the port the API server binds to when PORT is
	// not configured
	HTTPListenPort = 8080

	// SignatureSkew is how far a signed request timestamp may drift
	// from server time, in either direction, before the request is
	// rejected
	SignatureSkew = 5 * time.Minute

	// MinThreshold is the minimum number of guardian approvals a
	// recovery config may require. A threshold of 1 would let a single
	// guardian reconstruct the key on their own.
	MinThreshold = 2

	// MaxGuardians caps the guardian set size per owner
	MaxGuardians = 10

	// RecoverySessionTTL bounds how long an approval session (and the
	// re-encrypted shares collected for it) stays retrievable
	RecoverySessionTTL = 24 * time.Hour

	// MinCheckInInterval and MaxCheckInInterval bound a switch's
	// check-in interval, in hours. The maximum is one year.
	MinCheckInInterval = 1
	MaxCheckInInterval = 8760

	// FallbackPayloadTTL is how long a ciphertext stored in the local
	// key-value store (when the external blob store is down) survives
	FallbackPayloadTTL = 365 * 24 * time.Hour

	// ReleaseRecordTTL is how long a released message stays available
	// for the recipient to pull
	ReleaseRecordTTL = 90 * 24 * time.Hour

	// CollaboratorTimeout is the per-request timeout for the external
	// identity resolver and blob store
	CollaboratorTimeout = 10 * time.Second

	// ReadHeadersTimeout is a default TCP timeout when we wait
	// for the response headers to arrive
	ReadHeadersTimeout = 10 * time.Second
)
