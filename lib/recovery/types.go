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

package recovery

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/gravitational/trace"

	"github.com/keyward/keyward/lib/backend"
)

// Session statuses. A session is created pending, becomes ready once the
// approval count reaches the threshold, and disappears when its TTL
// expires.
const (
	StatusPending = "pending"
	StatusReady   = "ready"
)

// Storage key prefixes
const (
	configPrefix  = "recovery:config"
	sharePrefix   = "recovery:share"
	sessionPrefix = "recovery:session"
)

func configKey(owner string) string {
	return backend.Key(configPrefix, owner)
}

func shareKey(guardian, owner string) string {
	return backend.Key(sharePrefix, guardian, owner)
}

func sessionKey(sessionID string) string {
	return backend.Key(sessionPrefix, sessionID)
}

func sessionShareKey(sessionID, guardian string) string {
	return backend.Key(sessionPrefix, sessionID, "share", guardian)
}

// Config is the owner-level recovery configuration: which guardians hold
// shares and how many of them must approve.
type Config struct {
	Threshold int       `json:"threshold"`
	Guardians []string  `json:"guardians"`
	CreatedAt time.Time `json:"createdAt"`
}

func (c *Config) fields() (map[string]string, error) {
	guardians, err := json.Marshal(c.Guardians)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]string{
		"threshold":  strconv.Itoa(c.Threshold),
		"guardians":  string(guardians),
		"created_at": c.CreatedAt.UTC().Format(time.RFC3339),
	}, nil
}

func parseConfig(fields map[string]string) (*Config, error) {
	threshold, err := parseIntField(fields, "threshold")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var guardians []string
	if err := json.Unmarshal([]byte(fields["guardians"]), &guardians); err != nil {
		return nil, trace.Wrap(err, "corrupt recovery config: guardians")
	}
	createdAt, err := parseTimeField(fields, "created_at")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Config{
		Threshold: threshold,
		Guardians: guardians,
		CreatedAt: createdAt,
	}, nil
}

// GuardianShare is one guardian's slot in a distribute call: the share
// ciphertext only that guardian can decrypt, and its index in the split.
type GuardianShare struct {
	Pubkey         string `json:"pubkey"`
	EncryptedShare string `json:"encryptedShare"`
	ShareIndex     int    `json:"shareIndex"`
}

func (s *GuardianShare) fields(createdAt time.Time) map[string]string {
	return map[string]string{
		"encrypted_share": s.EncryptedShare,
		"share_index":     strconv.Itoa(s.ShareIndex),
		"created_at":      createdAt.UTC().Format(time.RFC3339),
	}
}

// Session is a transient approval session created when someone claims to
// be the owner recovering on a new device.
type Session struct {
	ID                 string    `json:"sessionId"`
	OwnerPubkey        string    `json:"ownerPubkey"`
	EphemeralPubkey    string    `json:"ephemeralPubkey"`
	RequestedGuardians []string  `json:"requestedGuardians"`
	Threshold          int       `json:"threshold"`
	Approvals          int       `json:"approvals"`
	Status             string    `json:"status"`
	CreatedAt          time.Time `json:"createdAt"`
}

func (s *Session) fields() (map[string]string, error) {
	requested, err := json.Marshal(s.RequestedGuardians)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]string{
		"owner_pubkey":        s.OwnerPubkey,
		"ephemeral_pubkey":    s.EphemeralPubkey,
		"requested_guardians": string(requested),
		"threshold":           strconv.Itoa(s.Threshold),
		"approvals":           strconv.Itoa(s.Approvals),
		"status":              s.Status,
		"created_at":          s.CreatedAt.UTC().Format(time.RFC3339),
	}, nil
}

func parseSession(id string, fields map[string]string) (*Session, error) {
	threshold, err := parseIntField(fields, "threshold")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	approvals, err := parseIntField(fields, "approvals")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var requested []string
	if err := json.Unmarshal([]byte(fields["requested_guardians"]), &requested); err != nil {
		return nil, trace.Wrap(err, "corrupt session record: requested_guardians")
	}
	createdAt, err := parseTimeField(fields, "created_at")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if fields["status"] == "" || fields["owner_pubkey"] == "" {
		return nil, trace.Errorf("corrupt session record: missing required fields")
	}
	return &Session{
		ID:                 id,
		OwnerPubkey:        fields["owner_pubkey"],
		EphemeralPubkey:    fields["ephemeral_pubkey"],
		RequestedGuardians: requested,
		Threshold:          threshold,
		Approvals:          approvals,
		Status:             fields["status"],
		CreatedAt:          createdAt,
	}, nil
}

// SessionShare is a share re-encrypted by an approving guardian to the
// session's ephemeral public key.
type SessionShare struct {
	GuardianPubkey   string `json:"guardianPubkey"`
	ReEncryptedShare string `json:"reEncryptedShare"`
}

func parseIntField(fields map[string]string, name string) (int, error) {
	raw, ok := fields[name]
	if !ok {
		return 0, trace.Errorf("corrupt record: missing field %q", name)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, trace.Wrap(err, "corrupt record: field %q", name)
	}
	return n, nil
}

func parseTimeField(fields map[string]string, name string) (time.Time, error) {
	raw, ok := fields[name]
	if !ok {
		return time.Time{}, trace.Errorf("corrupt record: missing field %q", name)
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, trace.Wrap(err, "corrupt record: field %q", name)
	}
	return t, nil
}
