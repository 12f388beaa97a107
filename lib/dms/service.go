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

// Package dms implements the dead-man's-switch scheduler: it holds
// pre-encrypted messages addressed to named recipients, extends their
// delivery deadlines while the sender keeps proving liveness, and
// releases the messages once a deadline passes without a check-in.
package dms

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/keyward/keyward"
	"github.com/keyward/keyward/lib/backend"
	"github.com/keyward/keyward/lib/blobstore"
	"github.com/keyward/keyward/lib/defaults"
	"github.com/keyward/keyward/lib/identity"
	"github.com/keyward/keyward/lib/sigauth"
)

// Service is the dead-man's-switch scheduler
type Service struct {
	bk       backend.Backend
	resolver identity.Resolver
	blobs    blobstore.Store
	log      *logrus.Entry
}

// ServiceConfig holds the parameters for NewService
type ServiceConfig struct {
	Backend  backend.Backend
	Resolver identity.Resolver
	Blobs    blobstore.Store
}

// NewService returns a scheduler wired to the store and the two external
// collaborators
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Backend == nil {
		return nil, trace.BadParameter("missing backend")
	}
	if cfg.Resolver == nil {
		return nil, trace.BadParameter("missing identity resolver")
	}
	if cfg.Blobs == nil {
		return nil, trace.BadParameter("missing blob store")
	}
	return &Service{
		bk:       cfg.Backend,
		resolver: cfg.Resolver,
		blobs:    cfg.Blobs,
		log:      logrus.WithField(keyward.ComponentKey, keyward.ComponentDMS),
	}, nil
}

// CreateParams carries a new switch
type CreateParams struct {
	SenderPubkey      string
	RecipientUsername string
	EncryptedMessage  string
	IntervalHours     int
}

// Check validates the shape of a create call
func (p *CreateParams) Check() error {
	if !sigauth.IsValidPubkey(p.SenderPubkey) {
		return trace.BadParameter("invalid sender pubkey")
	}
	if p.RecipientUsername == "" {
		return trace.BadParameter("missing recipient username")
	}
	if p.EncryptedMessage == "" {
		return trace.BadParameter("missing encrypted message")
	}
	if p.IntervalHours < defaults.MinCheckInInterval || p.IntervalHours > defaults.MaxCheckInInterval {
		return trace.BadParameter("check-in interval must be between %v and %v hours",
			defaults.MinCheckInInterval, defaults.MaxCheckInInterval)
	}
	return nil
}

// Create registers a switch. The recipient username must resolve through
// the identity registry. The ciphertext is uploaded to the external blob
// store; if that fails the message degrades to a local fallback record
// with a one-year TTL, and the caller is not told the difference.
func (s *Service) Create(ctx context.Context, p CreateParams) (*Switch, error) {
	if err := p.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := s.resolver.Resolve(ctx, p.RecipientUsername); err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("recipient username %q is not registered", p.RecipientUsername)
		}
		return nil, trace.Wrap(err)
	}

	handle, err := s.blobs.Upload(ctx, p.EncryptedMessage)
	if err != nil {
		s.log.WithError(err).Warn("Blob upload failed, storing payload locally.")
		handle = localHandlePrefix + uuid.NewString()
		if err := s.bk.PutString(ctx, localPayloadKey(handle), p.EncryptedMessage, defaults.FallbackPayloadTTL); err != nil {
			return nil, trace.Wrap(err)
		}
	}

	now := s.bk.Clock().Now()
	sw := &Switch{
		ID:                uuid.NewString(),
		SenderPubkey:      p.SenderPubkey,
		RecipientUsername: p.RecipientUsername,
		PayloadHandle:     handle,
		IntervalHours:     p.IntervalHours,
		NextDeadline:      now.Add(time.Duration(p.IntervalHours) * time.Hour),
		Status:            StatusActive,
		CreatedAt:         now,
	}
	if err := s.bk.PutHash(ctx, switchKey(sw.ID), sw.fields(), backend.Forever); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.bk.AddToSet(ctx, userKey(sw.SenderPubkey), sw.ID); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.bk.AddToSet(ctx, activeKey, sw.ID); err != nil {
		return nil, trace.Wrap(err)
	}

	s.log.WithFields(logrus.Fields{
		"switch":    sw.ID,
		"sender":    sw.SenderPubkey,
		"recipient": sw.RecipientUsername,
		"interval":  sw.IntervalHours,
	}).Info("Created dead-man's switch.")
	return sw, nil
}

// CheckIn proves the sender is alive: every active switch they own gets
// its deadline rewritten to now plus its own interval. Returns the number
// of switches bumped and the latest of the new deadlines. A sender with
// no active switches still succeeds with a zero count.
func (s *Service) CheckIn(ctx context.Context, senderPubkey string) (int, time.Time, error) {
	ids, err := s.bk.GetSet(ctx, userKey(senderPubkey))
	if err != nil {
		return 0, time.Time{}, trace.Wrap(err)
	}

	now := s.bk.Clock().Now()
	var count int
	var latest time.Time
	for _, id := range ids {
		sw, err := s.getSwitch(ctx, id)
		if err != nil {
			if trace.IsNotFound(err) {
				continue
			}
			return 0, time.Time{}, trace.Wrap(err)
		}
		if sw.Status != StatusActive {
			continue
		}
		deadline := now.Add(time.Duration(sw.IntervalHours) * time.Hour)
		if err := s.bk.SetHashField(ctx, switchKey(id), "next_deadline", deadline.UTC().Format(time.RFC3339)); err != nil {
			return 0, time.Time{}, trace.Wrap(err)
		}
		count++
		if deadline.After(latest) {
			latest = deadline
		}
	}

	s.log.WithFields(logrus.Fields{
		"sender":   senderPubkey,
		"switches": count,
	}).Info("Processed check-in.")
	return count, latest, nil
}

// Cancel deactivates a switch owned by the sender. A switch that does
// not exist and a switch owned by someone else are both reported as
// NotFound so the endpoint is not an existence oracle.
func (s *Service) Cancel(ctx context.Context, senderPubkey, switchID string) error {
	sw, err := s.getSwitch(ctx, switchID)
	if err != nil {
		if trace.IsNotFound(err) {
			return trace.NotFound("switch %v is not found", switchID)
		}
		return trace.Wrap(err)
	}
	if sw.SenderPubkey != senderPubkey {
		return trace.NotFound("switch %v is not found", switchID)
	}

	if err := s.bk.SetHashField(ctx, switchKey(switchID), "status", StatusCancelled); err != nil {
		return trace.Wrap(err)
	}
	if err := s.bk.RemoveFromSet(ctx, activeKey, switchID); err != nil {
		return trace.Wrap(err)
	}
	if err := s.bk.RemoveFromSet(ctx, userKey(senderPubkey), switchID); err != nil {
		return trace.Wrap(err)
	}

	s.log.WithField("switch", switchID).Info("Cancelled dead-man's switch.")
	return nil
}

// List returns metadata for every switch the pubkey has ever created,
// active or not. Ciphertexts are never returned here.
func (s *Service) List(ctx context.Context, pubkey string) ([]Switch, error) {
	// the user index only tracks active switches, so history comes from
	// the switch records themselves
	keys, err := s.bk.Scan(ctx, switchPrefix+backend.Separator+"*")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	switches := make([]Switch, 0)
	for _, key := range keys {
		id := strings.TrimPrefix(key, switchPrefix+backend.Separator)
		sw, err := s.getSwitch(ctx, id)
		if err != nil {
			if trace.IsNotFound(err) {
				continue
			}
			return nil, trace.Wrap(err)
		}
		if sw.SenderPubkey != pubkey {
			continue
		}
		switches = append(switches, *sw)
	}
	slices.SortFunc(switches, func(a, b Switch) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return switches, nil
}

// Release returns the released-message record for a triggered switch.
// Unauthenticated pull: the payload is a sealed box only the recipient
// can open.
func (s *Service) Release(ctx context.Context, switchID string) (*ReleaseRecord, error) {
	raw, err := s.bk.GetString(ctx, releaseKey(switchID))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("no released message for switch %v", switchID)
		}
		return nil, trace.Wrap(err)
	}
	var record ReleaseRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, trace.Wrap(err, "corrupt release record for switch %v", switchID)
	}
	return &record, nil
}

// SweepResult summarizes one run of Process
type SweepResult struct {
	Processed int      `json:"processed"`
	Total     int      `json:"total"`
	Errors    []string `json:"errors,omitempty"`
}

// Process is the periodic sweep. It walks the active set, garbage
// collects entries that no longer point at an active switch, and
// triggers every switch whose deadline has passed: the payload is
// fetched, a release record is written with a 90-day TTL, and the switch
// is marked triggered. Per-switch failures are accumulated and never
// abort the batch; a failed switch stays in the active set and is
// retried on the next sweep.
func (s *Service) Process(ctx context.Context) (*SweepResult, error) {
	ids, err := s.bk.GetSet(ctx, activeKey)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	slices.Sort(ids)

	result := &SweepResult{Total: len(ids)}
	now := s.bk.Clock().Now()
	for _, id := range ids {
		sw, err := s.getSwitch(ctx, id)
		if err != nil {
			if trace.IsNotFound(err) {
				// stale index entry, self-heal
				if err := s.bk.RemoveFromSet(ctx, activeKey, id); err != nil {
					result.Errors = append(result.Errors, fmt.Sprintf("%v: %v", id, err))
				}
				continue
			}
			result.Errors = append(result.Errors, fmt.Sprintf("%v: %v", id, err))
			continue
		}
		if sw.Status != StatusActive {
			if err := s.bk.RemoveFromSet(ctx, activeKey, id); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%v: %v", id, err))
			}
			continue
		}
		if !sw.NextDeadline.Before(now) {
			continue
		}
		if err := s.trigger(ctx, sw, now); err != nil {
			s.log.WithError(err).WithField("switch", id).Warn("Failed to trigger switch.")
			sweepErrors.Inc()
			result.Errors = append(result.Errors, fmt.Sprintf("%v: %v", id, err))
			continue
		}
		sweepTriggered.Inc()
		result.Processed++
	}

	sweepRuns.Inc()
	s.log.WithFields(logrus.Fields{
		"total":     result.Total,
		"processed": result.Processed,
		"errors":    len(result.Errors),
	}).Info("Completed switch sweep.")
	return result, nil
}

// trigger releases one overdue switch
func (s *Service) trigger(ctx context.Context, sw *Switch, now time.Time) error {
	// resolving late keeps the registry authoritative: the recipient may
	// have rotated their key since the switch was created
	if _, err := s.resolver.Resolve(ctx, sw.RecipientUsername); err != nil {
		return trace.Wrap(err, "resolving recipient %q", sw.RecipientUsername)
	}

	payload, err := s.fetchPayload(ctx, sw.PayloadHandle)
	if err != nil {
		return trace.Wrap(err, "fetching payload")
	}

	record, err := json.Marshal(ReleaseRecord{
		Type:              ReleaseRecordType,
		SwitchID:          sw.ID,
		SenderPubkey:      sw.SenderPubkey,
		RecipientUsername: sw.RecipientUsername,
		EncryptedMessage:  payload,
		TriggeredAt:       now.UTC(),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	if err := s.bk.PutString(ctx, releaseKey(sw.ID), string(record), defaults.ReleaseRecordTTL); err != nil {
		return trace.Wrap(err)
	}

	return trace.Wrap(s.markTriggered(ctx, sw, now))
}

// markTriggered finalizes a released switch. Status first, index removal
// second: a crash in between leaves a triggered switch in the active
// set, which the next sweep removes as a stale entry.
func (s *Service) markTriggered(ctx context.Context, sw *Switch, now time.Time) error {
	if err := s.bk.SetHashField(ctx, switchKey(sw.ID), "status", StatusTriggered); err != nil {
		return trace.Wrap(err)
	}
	if err := s.bk.SetHashField(ctx, switchKey(sw.ID), "triggered_at", now.UTC().Format(time.RFC3339)); err != nil {
		return trace.Wrap(err)
	}
	if err := s.bk.RemoveFromSet(ctx, activeKey, sw.ID); err != nil {
		return trace.Wrap(err)
	}
	if err := s.bk.RemoveFromSet(ctx, userKey(sw.SenderPubkey), sw.ID); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

func (s *Service) fetchPayload(ctx context.Context, handle string) (string, error) {
	if handle == "" {
		return "", trace.Errorf("switch record carries no payload handle")
	}
	if strings.HasPrefix(handle, localHandlePrefix) {
		payload, err := s.bk.GetString(ctx, localPayloadKey(handle))
		return payload, trace.Wrap(err)
	}
	payload, err := s.blobs.Download(ctx, handle)
	return payload, trace.Wrap(err)
}

func (s *Service) getSwitch(ctx context.Context, id string) (*Switch, error) {
	fields, err := s.bk.GetHash(ctx, switchKey(id))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	sw, err := parseSwitch(id, fields)
	return sw, trace.Wrap(err)
}
