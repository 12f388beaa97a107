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

package web

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/mr-tron/base58"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/nacl/box"

	"github.com/keyward/keyward/lib/backend/redisbk"
	"github.com/keyward/keyward/lib/blobstore"
	"github.com/keyward/keyward/lib/dms"
	"github.com/keyward/keyward/lib/identity"
	"github.com/keyward/keyward/lib/recovery"
	"github.com/keyward/keyward/lib/sigauth"
)

const testCronSecret = "sweep-me"

// fakeRegistry is an httptest stand-in for the external username registry
type fakeRegistry struct {
	mu    sync.Mutex
	users map[string]string
}

func (r *fakeRegistry) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.mu.Lock()
		defer r.mu.Unlock()
		username := strings.TrimPrefix(req.URL.Path, "/")
		pubkey, ok := r.users[username]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"username": username, "pubkey": pubkey})
	})
}

// fakeBlobStore is an httptest stand-in for the external ciphertext store
type fakeBlobStore struct {
	mu    sync.Mutex
	blobs map[string]string
	next  int
}

func (b *fakeBlobStore) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		switch req.Method {
		case http.MethodPost:
			var in struct {
				Data string `json:"data"`
			}
			if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			b.next++
			id := fmt.Sprintf("blob-%d", b.next)
			b.blobs[id] = in.Data
			json.NewEncoder(w).Encode(map[string]string{"id": id})
		case http.MethodGet:
			data, ok := b.blobs[strings.TrimPrefix(req.URL.Path, "/")]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			json.NewEncoder(w).Encode(map[string]string{"data": data})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
}

type testServer struct {
	url   string
	clock *clockwork.FakeClock
	mr    *miniredis.Miniredis
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	clock := clockwork.NewFakeClock()
	bk := redisbk.NewFromClient(client, clock)
	t.Cleanup(func() { bk.Close() })

	registry := &fakeRegistry{users: map[string]string{"alice": newSigner(t).pubkey}}
	registrySrv := httptest.NewServer(registry.handler())
	t.Cleanup(registrySrv.Close)
	resolver, err := identity.NewClient(registrySrv.URL)
	require.NoError(t, err)

	blobs := &fakeBlobStore{blobs: map[string]string{}}
	blobSrv := httptest.NewServer(blobs.handler())
	t.Cleanup(blobSrv.Close)
	store, err := blobstore.NewClient(blobSrv.URL)
	require.NoError(t, err)

	recoverySvc, err := recovery.NewService(bk)
	require.NoError(t, err)
	dmsSvc, err := dms.NewService(dms.ServiceConfig{Backend: bk, Resolver: resolver, Blobs: store})
	require.NoError(t, err)

	srv, err := NewAPIServer(Config{
		Recovery:   recoverySvc,
		DMS:        dmsSvc,
		Verifier:   sigauth.NewVerifier(clock, 0),
		CronSecret: testCronSecret,
	})
	require.NoError(t, err)

	web := httptest.NewServer(srv)
	t.Cleanup(web.Close)
	return &testServer{url: web.URL, clock: clock, mr: mr}
}

// do sends a JSON request and decodes the JSON response
func (s *testServer) do(t *testing.T, method, path string, body interface{}, headers map[string]string) (int, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, s.url+path, &buf)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]interface{}{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

// signer is a client-side Ed25519 identity
type signer struct {
	pubkey string
	priv   ed25519.PrivateKey
}

func newSigner(t *testing.T) *signer {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return &signer{pubkey: base58.Encode(pub), priv: priv}
}

// sign produces the signature and timestamp for a signed request
func (s *signer) sign(clock clockwork.Clock, action string, params ...string) (string, int64) {
	ts := clock.Now().UnixMilli()
	challenge := sigauth.Challenge(action, ts, params...)
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.priv, []byte(challenge))), ts
}

func guardianEntry(g *signer, index int) map[string]interface{} {
	return map[string]interface{}{
		"pubkey":         g.pubkey,
		"encryptedShare": fmt.Sprintf("share-for-%s", g.pubkey[:8]),
		"shareIndex":     index,
	}
}

func TestRecoveryEndToEnd(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	owner := newSigner(t)
	guardians := []*signer{newSigner(t), newSigner(t), newSigner(t)}

	// the owner distributes a 2-of-3 setup
	sig, ts := owner.sign(srv.clock, sigauth.ActionDistribute)
	code, body := srv.do(t, http.MethodPost, "/api/recovery/distribute", map[string]interface{}{
		"senderPubkey": owner.pubkey,
		"threshold":    2,
		"guardians": []map[string]interface{}{
			guardianEntry(guardians[0], 0),
			guardianEntry(guardians[1], 1),
			guardianEntry(guardians[2], 2),
		},
		"signature": sig,
		"timestamp": ts,
	}, nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["success"])
	require.Equal(t, float64(3), body["guardianCount"])

	// the guardian set is publicly visible
	code, body = srv.do(t, http.MethodGet, "/api/recovery/guardians/"+owner.pubkey, nil, nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["configured"])
	require.Equal(t, float64(2), body["threshold"])
	require.Len(t, body["guardians"], 3)

	code, body = srv.do(t, http.MethodGet, "/api/recovery/guardianships/"+guardians[0].pubkey, nil, nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, []interface{}{owner.pubkey}, body["guardianships"])

	// the owner, having lost every key, opens a session with a fresh
	// ephemeral box keypair
	ephPub, ephPriv, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)
	code, body = srv.do(t, http.MethodPost, "/api/recovery/request", map[string]interface{}{
		"ownerPubkey":        owner.pubkey,
		"ephemeralPubkey":    base58.Encode(ephPub[:]),
		"requestedGuardians": []string{guardians[0].pubkey, guardians[1].pubkey, guardians[2].pubkey},
	}, nil)
	require.Equal(t, http.StatusOK, code)
	sessionID, ok := body["sessionId"].(string)
	require.True(t, ok)
	require.Equal(t, "24h", body["expiresIn"])

	// shares are withheld while the session is pending
	code, body = srv.do(t, http.MethodGet, "/api/recovery/session/"+sessionID+"/shares", nil, nil)
	require.Equal(t, http.StatusForbidden, code)
	require.Contains(t, body["error"], "not enough guardians")

	// each guardian seals their share to the ephemeral key and approves
	approve := func(g *signer, plaintext string) (int, map[string]interface{}) {
		sealed, err := box.SealAnonymous(nil, []byte(plaintext), ephPub, rand.Reader)
		require.NoError(t, err)
		sig, ts := g.sign(srv.clock, sigauth.ActionApprove, sessionID)
		return srv.do(t, http.MethodPost, "/api/recovery/session/"+sessionID+"/approve", map[string]interface{}{
			"guardianPubkey":   g.pubkey,
			"reEncryptedShare": base64.StdEncoding.EncodeToString(sealed),
			"signature":        sig,
			"timestamp":        ts,
		}, nil)
	}

	code, body = approve(guardians[0], "share-0")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, float64(1), body["approvalsReceived"])

	code, body = srv.do(t, http.MethodGet, "/api/recovery/session/"+sessionID+"/status", nil, nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, recovery.StatusPending, body["status"])

	code, body = approve(guardians[1], "share-1")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, float64(2), body["approvalsReceived"])

	code, body = srv.do(t, http.MethodGet, "/api/recovery/session/"+sessionID+"/status", nil, nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, recovery.StatusReady, body["status"])

	// a slow third guardian can still add their share after ready
	code, _ = approve(guardians[2], "share-2")
	require.Equal(t, http.StatusOK, code)

	// the recovering owner pulls the shares and opens them with the
	// ephemeral private key that never left the device
	code, body = srv.do(t, http.MethodGet, "/api/recovery/session/"+sessionID+"/shares", nil, nil)
	require.Equal(t, http.StatusOK, code)
	shares, ok := body["shares"].([]interface{})
	require.True(t, ok)
	require.Len(t, shares, 3)
	opened := map[string]bool{}
	for _, raw := range shares {
		share := raw.(map[string]interface{})
		sealed, err := base64.StdEncoding.DecodeString(share["reEncryptedShare"].(string))
		require.NoError(t, err)
		plaintext, ok := box.OpenAnonymous(nil, sealed, ephPub, ephPriv)
		require.True(t, ok)
		opened[string(plaintext)] = true
	}
	require.Equal(t, map[string]bool{"share-0": true, "share-1": true, "share-2": true}, opened)

	// a repeated approval is a conflict
	code, body = approve(guardians[0], "share-0-again")
	require.Equal(t, http.StatusConflict, code)
	require.Contains(t, body["error"], "already approved")
}

func TestRecoveryAuth(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	owner := newSigner(t)
	intruder := newSigner(t)

	distribute := func(senderPubkey, signature string, ts int64) (int, map[string]interface{}) {
		return srv.do(t, http.MethodPost, "/api/recovery/distribute", map[string]interface{}{
			"senderPubkey": senderPubkey,
			"threshold":    2,
			"guardians": []map[string]interface{}{
				guardianEntry(newSigner(t), 0),
				guardianEntry(newSigner(t), 1),
			},
			"signature": signature,
			"timestamp": ts,
		}, nil)
	}

	// no credentials at all
	code, body := distribute(owner.pubkey, "", 0)
	require.Equal(t, http.StatusUnauthorized, code)
	require.Contains(t, body["error"], "missing signature credentials")

	// signed by the wrong key
	sig, ts := intruder.sign(srv.clock, sigauth.ActionDistribute)
	code, body = distribute(owner.pubkey, sig, ts)
	require.Equal(t, http.StatusForbidden, code)
	require.Equal(t, "invalid signature", body["error"])

	// signed for the wrong action
	sig, ts = owner.sign(srv.clock, sigauth.ActionRevoke)
	code, body = distribute(owner.pubkey, sig, ts)
	require.Equal(t, http.StatusForbidden, code)
	require.Equal(t, "invalid signature", body["error"])

	// stale timestamp
	sig, ts = owner.sign(srv.clock, sigauth.ActionDistribute)
	srv.clock.Advance(10 * time.Minute)
	code, body = distribute(owner.pubkey, sig, ts)
	require.Equal(t, http.StatusForbidden, code)
	require.Equal(t, "invalid signature", body["error"])

	// a fresh, correctly signed request goes through
	sig, ts = owner.sign(srv.clock, sigauth.ActionDistribute)
	code, _ = distribute(owner.pubkey, sig, ts)
	require.Equal(t, http.StatusOK, code)
}

func TestGuardiansUnconfigured(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	stranger := newSigner(t)

	code, body := srv.do(t, http.MethodGet, "/api/recovery/guardians/"+stranger.pubkey, nil, nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, false, body["configured"])
	require.Equal(t, []interface{}{}, body["guardians"])

	code, body = srv.do(t, http.MethodGet, "/api/recovery/guardianships/"+stranger.pubkey, nil, nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, []interface{}{}, body["guardianships"])
}

func TestRevokeEndpoint(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	owner := newSigner(t)
	guardian := newSigner(t)

	sig, ts := owner.sign(srv.clock, sigauth.ActionDistribute)
	code, _ := srv.do(t, http.MethodPost, "/api/recovery/distribute", map[string]interface{}{
		"senderPubkey": owner.pubkey,
		"threshold":    2,
		"guardians": []map[string]interface{}{
			guardianEntry(guardian, 0),
			guardianEntry(newSigner(t), 1),
		},
		"signature": sig,
		"timestamp": ts,
	}, nil)
	require.Equal(t, http.StatusOK, code)

	sig, ts = owner.sign(srv.clock, sigauth.ActionRevoke)
	code, body := srv.do(t, http.MethodDelete, "/api/recovery/revoke", map[string]interface{}{
		"senderPubkey": owner.pubkey,
		"signature":    sig,
		"timestamp":    ts,
	}, nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["success"])

	code, body = srv.do(t, http.MethodGet, "/api/recovery/guardians/"+owner.pubkey, nil, nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, false, body["configured"])

	// revoking again is still a success
	sig, ts = owner.sign(srv.clock, sigauth.ActionRevoke)
	code, _ = srv.do(t, http.MethodDelete, "/api/recovery/revoke", map[string]interface{}{
		"senderPubkey": owner.pubkey,
		"signature":    sig,
		"timestamp":    ts,
	}, nil)
	require.Equal(t, http.StatusOK, code)
}

func TestDMSLifecycleOverHTTP(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	sender := newSigner(t)

	sig, ts := sender.sign(srv.clock, sigauth.ActionDMSCreate, "alice")
	code, body := srv.do(t, http.MethodPost, "/api/dms/create", map[string]interface{}{
		"senderPubkey":         sender.pubkey,
		"recipientUsername":    "alice",
		"encryptedMessage":     "c2VhbGVkLWJveA==",
		"checkInIntervalHours": 1,
		"signature":            sig,
		"timestamp":            ts,
	}, nil)
	require.Equal(t, http.StatusOK, code)
	switchID, ok := body["switchId"].(string)
	require.True(t, ok)
	require.NotEmpty(t, body["nextDeadline"])

	// an unknown recipient is a 404
	sig, ts = sender.sign(srv.clock, sigauth.ActionDMSCreate, "bob")
	code, body = srv.do(t, http.MethodPost, "/api/dms/create", map[string]interface{}{
		"senderPubkey":         sender.pubkey,
		"recipientUsername":    "bob",
		"encryptedMessage":     "c2VhbGVkLWJveA==",
		"checkInIntervalHours": 1,
		"signature":            sig,
		"timestamp":            ts,
	}, nil)
	require.Equal(t, http.StatusNotFound, code)
	require.Contains(t, body["error"], "not registered")

	srv.clock.Advance(30 * time.Minute)
	sig, ts = sender.sign(srv.clock, sigauth.ActionDMSCheckIn)
	code, body = srv.do(t, http.MethodPost, "/api/dms/checkin", map[string]interface{}{
		"senderPubkey": sender.pubkey,
		"signature":    sig,
		"timestamp":    ts,
	}, nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["checkedIn"])
	require.Equal(t, float64(1), body["switchCount"])
	require.Equal(t, srv.clock.Now().Add(time.Hour).UTC().Format(time.RFC3339), body["nextDeadline"])

	code, body = srv.do(t, http.MethodGet, "/api/dms/list/"+sender.pubkey, nil, nil)
	require.Equal(t, http.StatusOK, code)
	switches, ok := body["switches"].([]interface{})
	require.True(t, ok)
	require.Len(t, switches, 1)
	sw := switches[0].(map[string]interface{})
	require.Equal(t, switchID, sw["switchId"])
	require.Equal(t, dms.StatusActive, sw["status"])
	// the payload handle is internal and never serialized
	require.NotContains(t, sw, "payloadHandle")

	// a stranger cannot cancel and cannot tell the switch exists
	stranger := newSigner(t)
	sig, ts = stranger.sign(srv.clock, sigauth.ActionDMSCancel, switchID)
	code, _ = srv.do(t, http.MethodDelete, "/api/dms/"+switchID, map[string]interface{}{
		"senderPubkey": stranger.pubkey,
		"signature":    sig,
		"timestamp":    ts,
	}, nil)
	require.Equal(t, http.StatusNotFound, code)

	sig, ts = sender.sign(srv.clock, sigauth.ActionDMSCancel, switchID)
	code, body = srv.do(t, http.MethodDelete, "/api/dms/"+switchID, map[string]interface{}{
		"senderPubkey": sender.pubkey,
		"signature":    sig,
		"timestamp":    ts,
	}, nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["success"])

	code, body = srv.do(t, http.MethodGet, "/api/dms/list/"+sender.pubkey, nil, nil)
	require.Equal(t, http.StatusOK, code)
	switches = body["switches"].([]interface{})
	require.Len(t, switches, 1)
	require.Equal(t, dms.StatusCancelled, switches[0].(map[string]interface{})["status"])
}

func TestProcessEndpoint(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	sender := newSigner(t)

	sig, ts := sender.sign(srv.clock, sigauth.ActionDMSCreate, "alice")
	code, body := srv.do(t, http.MethodPost, "/api/dms/create", map[string]interface{}{
		"senderPubkey":         sender.pubkey,
		"recipientUsername":    "alice",
		"encryptedMessage":     "c2VhbGVkLWJveA==",
		"checkInIntervalHours": 1,
		"signature":            sig,
		"timestamp":            ts,
	}, nil)
	require.Equal(t, http.StatusOK, code)
	switchID := body["switchId"].(string)

	// the sweep requires the shared secret
	code, body = srv.do(t, http.MethodPost, "/api/dms/process", nil, nil)
	require.Equal(t, http.StatusUnauthorized, code)
	require.Contains(t, body["error"], "missing signature credentials")

	code, body = srv.do(t, http.MethodPost, "/api/dms/process", nil,
		map[string]string{"X-Cron-Secret": "wrong"})
	require.Equal(t, http.StatusForbidden, code)
	require.Contains(t, body["error"], "invalid cron secret")

	// nothing is due yet
	code, body = srv.do(t, http.MethodPost, "/api/dms/process", nil,
		map[string]string{"X-Cron-Secret": testCronSecret})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, float64(0), body["processed"])
	require.Equal(t, float64(1), body["total"])

	// no released record before the trigger
	code, _ = srv.do(t, http.MethodGet, "/api/dms/release/"+switchID, nil, nil)
	require.Equal(t, http.StatusNotFound, code)

	srv.clock.Advance(2 * time.Hour)
	code, body = srv.do(t, http.MethodPost, "/api/dms/process", nil,
		map[string]string{"X-Cron-Secret": testCronSecret})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, float64(1), body["processed"])

	// the recipient pulls the released message
	code, body = srv.do(t, http.MethodGet, "/api/dms/release/"+switchID, nil, nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, dms.ReleaseRecordType, body["type"])
	require.Equal(t, switchID, body["switchId"])
	require.Equal(t, sender.pubkey, body["senderPubkey"])
	require.Equal(t, "alice", body["recipientUsername"])
	require.Equal(t, "c2VhbGVkLWJveA==", body["encryptedMessage"])
}

func TestMalformedRequests(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	// invalid JSON body
	req, err := http.NewRequest(http.MethodPost, srv.url+"/api/recovery/request",
		strings.NewReader("{not json"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := map[string]interface{}{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Contains(t, body, "error")

	// session that never existed
	code, body := srv.do(t, http.MethodGet, "/api/recovery/session/missing/status", nil, nil)
	require.Equal(t, http.StatusNotFound, code)
	require.Contains(t, body["error"], "not found or has expired")
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	code, body := srv.do(t, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["ok"])
	require.NotEmpty(t, body["version"])
}
