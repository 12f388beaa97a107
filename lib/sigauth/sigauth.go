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

// Package sigauth verifies detached Ed25519 signatures over canonical
// challenge strings. It is the only authentication primitive of the API:
// privileged requests carry {pubkey, signature, timestamp} and the server
// reconstructs the exact challenge the client signed.
package sigauth

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/mr-tron/base58"

	"github.com/keyward/keyward/lib/defaults"
)

// Canonical action strings. These must match the client bit-exact.
const (
	ActionDistribute = "recovery:distribute"
	ActionRevoke     = "recovery:revoke"
	ActionApprove    = "recovery:approve"
	ActionDMSCreate  = "dms:create"
	ActionDMSCheckIn = "dms:checkin"
	ActionDMSCancel  = "dms:cancel"
)

// ErrMissingCredentials is returned when a request omits the pubkey,
// signature or timestamp entirely, as opposed to presenting invalid ones.
var ErrMissingCredentials = errors.New("missing signature credentials")

// errInvalidSignature is the uniform failure for every sub-check: callers
// must not learn whether decoding, freshness or verification failed.
func errInvalidSignature() error {
	return trace.AccessDenied("invalid signature")
}

// Verifier checks signed requests against the server clock
type Verifier struct {
	clock clockwork.Clock
	skew  time.Duration
}

// NewVerifier returns a verifier with the given freshness window. A zero
// skew falls back to the default, a nil clock to the wall clock.
func NewVerifier(clock clockwork.Clock, skew time.Duration) *Verifier {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if skew <= 0 {
		skew = defaults.SignatureSkew
	}
	return &Verifier{clock: clock, skew: skew}
}

// Challenge builds the canonical challenge string:
// action + ":" + params... + ":" + timestampMs
func Challenge(action string, timestampMs int64, params ...string) string {
	parts := make([]string, 0, len(params)+2)
	parts = append(parts, action)
	parts = append(parts, params...)
	parts = append(parts, strconv.FormatInt(timestampMs, 10))
	return strings.Join(parts, ":")
}

// Verify checks a detached signature over the canonical challenge. The
// pubkey is base58, the signature base64, the timestamp in milliseconds
// since the epoch. Returns ErrMissingCredentials when the tuple is
// absent, otherwise an opaque AccessDenied on any failure.
func (v *Verifier) Verify(pubkeyB58, signatureB64 string, timestampMs int64, action string, params ...string) error {
	if pubkeyB58 == "" || signatureB64 == "" || timestampMs == 0 {
		return trace.Wrap(ErrMissingCredentials)
	}

	now := v.clock.Now()
	ts := time.UnixMilli(timestampMs)
	if ts.Before(now.Add(-v.skew)) || ts.After(now.Add(v.skew)) {
		return errInvalidSignature()
	}

	pubkey, err := base58.Decode(pubkeyB58)
	if err != nil || len(pubkey) != ed25519.PublicKeySize {
		return errInvalidSignature()
	}
	signature, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil || len(signature) != ed25519.SignatureSize {
		return errInvalidSignature()
	}

	challenge := Challenge(action, timestampMs, params...)
	if !ed25519.Verify(ed25519.PublicKey(pubkey), []byte(challenge), signature) {
		return errInvalidSignature()
	}
	return nil
}

// IsValidPubkey reports whether s decodes to a 32-byte Ed25519 key. Used
// for shallow validation of pubkeys that arrive outside a signed tuple
// (guardian lists, session requests).
func IsValidPubkey(s string) bool {
	raw, err := base58.Decode(s)
	return err == nil && len(raw) == ed25519.PublicKeySize
}
