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

package dms

import (
	"strconv"
	"time"

	"github.com/gravitational/trace"

	"github.com/keyward/keyward/lib/backend"
)

// Switch statuses
const (
	StatusActive    = "active"
	StatusTriggered = "triggered"
	StatusCancelled = "cancelled"
)

// Storage keys. The active set is the sweep's fan-out: it keeps the
// periodic scan O(active switches) instead of O(all switches ever).
const (
	switchPrefix  = "dms:switch"
	userPrefix    = "dms:user"
	releasePrefix = "dms:release"
	activeKey     = "dms:active"

	// localHandlePrefix marks payload handles that point at the local
	// fallback store instead of the external blob store
	localHandlePrefix = "local:"
)

func switchKey(id string) string {
	return backend.Key(switchPrefix, id)
}

func userKey(pubkey string) string {
	return backend.Key(userPrefix, pubkey)
}

func releaseKey(id string) string {
	return backend.Key(releasePrefix, id)
}

func localPayloadKey(handle string) string {
	return "dms" + backend.Separator + handle
}

// Switch is one dead-man's switch: a pre-encrypted message that is
// released to the recipient unless the sender keeps checking in.
type Switch struct {
	ID                string     `json:"switchId"`
	SenderPubkey      string     `json:"senderPubkey"`
	RecipientUsername string     `json:"recipientUsername"`
	PayloadHandle     string     `json:"-"`
	IntervalHours     int        `json:"intervalHours"`
	NextDeadline      time.Time  `json:"nextDeadline"`
	Status            string     `json:"status"`
	CreatedAt         time.Time  `json:"createdAt"`
	TriggeredAt       *time.Time `json:"triggeredAt,omitempty"`
}

func (w *Switch) fields() map[string]string {
	fields := map[string]string{
		"sender_pubkey":      w.SenderPubkey,
		"recipient_username": w.RecipientUsername,
		"payload_handle":     w.PayloadHandle,
		"interval_hours":     strconv.Itoa(w.IntervalHours),
		"next_deadline":      w.NextDeadline.UTC().Format(time.RFC3339),
		"status":             w.Status,
		"created_at":         w.CreatedAt.UTC().Format(time.RFC3339),
	}
	if w.TriggeredAt != nil {
		fields["triggered_at"] = w.TriggeredAt.UTC().Format(time.RFC3339)
	}
	return fields
}

func parseSwitch(id string, fields map[string]string) (*Switch, error) {
	interval, err := parseIntField(fields, "interval_hours")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	deadline, err := parseTimeField(fields, "next_deadline")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	createdAt, err := parseTimeField(fields, "created_at")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if fields["sender_pubkey"] == "" || fields["status"] == "" {
		return nil, trace.Errorf("corrupt switch record %q: missing required fields", id)
	}
	w := &Switch{
		ID:                id,
		SenderPubkey:      fields["sender_pubkey"],
		RecipientUsername: fields["recipient_username"],
		PayloadHandle:     fields["payload_handle"],
		IntervalHours:     interval,
		NextDeadline:      deadline,
		Status:            fields["status"],
		CreatedAt:         createdAt,
	}
	if raw, ok := fields["triggered_at"]; ok && raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, trace.Wrap(err, "corrupt switch record %q: triggered_at", id)
		}
		w.TriggeredAt = &t
	}
	return w, nil
}

// ReleaseRecord is the JSON document written at dms:release:<switchId>
// when a switch triggers. The recipient pulls it by switch id.
type ReleaseRecord struct {
	Type              string    `json:"type"`
	SwitchID          string    `json:"switchId"`
	SenderPubkey      string    `json:"senderPubkey"`
	RecipientUsername string    `json:"recipientUsername"`
	EncryptedMessage  string    `json:"encryptedMessage"`
	TriggeredAt       time.Time `json:"triggeredAt"`
}

// ReleaseRecordType is the fixed value of ReleaseRecord.Type
const ReleaseRecordType = "dms_release"

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
