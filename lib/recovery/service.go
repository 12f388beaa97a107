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

// Package recovery implements the guardian-based recovery orchestrator:
// it holds encrypted key shares on behalf of guardians and mediates the
// k-of-n approval session that releases re-encrypted shares to an owner
// recovering on a new device. The server never decrypts a share and
// never verifies that the ciphertexts encode a valid split; it only
// enforces who may approve, how many approvals are needed, and how long
// a session lives.
package recovery

import (
	"context"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/keyward/keyward"
	"github.com/keyward/keyward/lib/backend"
	"github.com/keyward/keyward/lib/defaults"
	"github.com/keyward/keyward/lib/sigauth"
)

// Service is the recovery orchestrator
type Service struct {
	bk  backend.Backend
	log *logrus.Entry
}

// NewService returns a recovery orchestrator on top of the given backend
func NewService(bk backend.Backend) (*Service, error) {
	if bk == nil {
		return nil, trace.BadParameter("missing backend")
	}
	return &Service{
		bk:  bk,
		log: logrus.WithField(keyward.ComponentKey, keyward.ComponentRecovery),
	}, nil
}

// DistributeParams carries a full k-of-n setup for one owner
type DistributeParams struct {
	OwnerPubkey string
	Threshold   int
	Guardians   []GuardianShare
}

// Check validates the shape of a distribute call
func (p *DistributeParams) Check() error {
	if !sigauth.IsValidPubkey(p.OwnerPubkey) {
		return trace.BadParameter("invalid owner pubkey")
	}
	if p.Threshold < defaults.MinThreshold {
		return trace.BadParameter("threshold must be at least %v", defaults.MinThreshold)
	}
	if len(p.Guardians) < p.Threshold {
		return trace.BadParameter("threshold %v exceeds guardian count %v", p.Threshold, len(p.Guardians))
	}
	if len(p.Guardians) > defaults.MaxGuardians {
		return trace.BadParameter("at most %v guardians are allowed", defaults.MaxGuardians)
	}
	seenIndex := make(map[int]bool, len(p.Guardians))
	seenPubkey := make(map[string]bool, len(p.Guardians))
	for _, g := range p.Guardians {
		if !sigauth.IsValidPubkey(g.Pubkey) {
			return trace.BadParameter("invalid guardian pubkey %q", g.Pubkey)
		}
		if g.EncryptedShare == "" {
			return trace.BadParameter("guardian %v carries an empty share", g.Pubkey)
		}
		if g.ShareIndex < 0 || g.ShareIndex >= len(p.Guardians) {
			return trace.BadParameter("share index %v out of range 0..%v", g.ShareIndex, len(p.Guardians)-1)
		}
		if seenIndex[g.ShareIndex] {
			return trace.BadParameter("duplicate share index %v", g.ShareIndex)
		}
		if seenPubkey[g.Pubkey] {
			return trace.BadParameter("duplicate guardian %v", g.Pubkey)
		}
		seenIndex[g.ShareIndex] = true
		seenPubkey[g.Pubkey] = true
	}
	return nil
}

// Distribute installs a recovery configuration and one encrypted share
// per guardian. Semantics are idempotent replacement: any existing config
// and shares for the owner are revoked first. A crash mid-way leaves a
// partial share set; clients treat that as needing a retry, which
// re-revokes before writing.
func (s *Service) Distribute(ctx context.Context, p DistributeParams) error {
	if err := p.Check(); err != nil {
		return trace.Wrap(err)
	}
	if err := s.Revoke(ctx, p.OwnerPubkey); err != nil {
		return trace.Wrap(err)
	}

	now := s.bk.Clock().Now()
	guardians := make([]string, len(p.Guardians))
	for i, g := range p.Guardians {
		guardians[i] = g.Pubkey
	}
	cfg := Config{Threshold: p.Threshold, Guardians: guardians, CreatedAt: now}
	fields, err := cfg.fields()
	if err != nil {
		return trace.Wrap(err)
	}
	if err := s.bk.PutHash(ctx, configKey(p.OwnerPubkey), fields, backend.Forever); err != nil {
		return trace.Wrap(err)
	}

	for i := range p.Guardians {
		g := &p.Guardians[i]
		if err := s.bk.PutHash(ctx, shareKey(g.Pubkey, p.OwnerPubkey), g.fields(now), backend.Forever); err != nil {
			return trace.Wrap(err, "storing share for guardian %v", g.Pubkey)
		}
	}

	s.log.WithFields(logrus.Fields{
		"owner":     p.OwnerPubkey,
		"guardians": len(guardians),
		"threshold": p.Threshold,
	}).Info("Distributed recovery shares.")
	return nil
}

// GuardianConfig returns the owner's recovery configuration, or NotFound
// when the owner has none. The guardian set is treated as public.
func (s *Service) GuardianConfig(ctx context.Context, owner string) (*Config, error) {
	fields, err := s.bk.GetHash(ctx, configKey(owner))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("no recovery configuration for %v", owner)
		}
		return nil, trace.Wrap(err)
	}
	cfg, err := parseConfig(fields)
	return cfg, trace.Wrap(err)
}

// Guardianships returns the owners this guardian holds a share for,
// derived from the share key layout.
func (s *Service) Guardianships(ctx context.Context, guardian string) ([]string, error) {
	prefix := backend.Key(sharePrefix, guardian) + backend.Separator
	keys, err := s.bk.Scan(ctx, prefix+"*")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	owners := make([]string, 0, len(keys))
	for _, key := range keys {
		owners = append(owners, strings.TrimPrefix(key, prefix))
	}
	slices.Sort(owners)
	return owners, nil
}

// Revoke deletes the owner's config and every guardian share. Revoking
// when nothing is configured is a no-op success. Live sessions are not
// force-expired; they can no longer be created against the deleted
// config and die by TTL.
func (s *Service) Revoke(ctx context.Context, owner string) error {
	cfg, err := s.GuardianConfig(ctx, owner)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil
		}
		return trace.Wrap(err)
	}
	keys := make([]string, 0, len(cfg.Guardians)+1)
	for _, guardian := range cfg.Guardians {
		keys = append(keys, shareKey(guardian, owner))
	}
	keys = append(keys, configKey(owner))
	if err := s.bk.Delete(ctx, keys...); err != nil {
		return trace.Wrap(err)
	}
	s.log.WithField("owner", owner).Info("Revoked recovery configuration.")
	return nil
}

// CreateSession opens an approval session. Deliberately unauthenticated:
// the requester has, by hypothesis, lost every signing key. The threshold
// is copied from the config at creation time so a later redistribute does
// not move the bar mid-session.
func (s *Service) CreateSession(ctx context.Context, owner, ephemeralPubkey string, requestedGuardians []string) (*Session, error) {
	if ephemeralPubkey == "" {
		return nil, trace.BadParameter("missing ephemeral pubkey")
	}
	if len(requestedGuardians) == 0 {
		return nil, trace.BadParameter("missing requested guardians")
	}
	cfg, err := s.GuardianConfig(ctx, owner)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for _, guardian := range requestedGuardians {
		if !slices.Contains(cfg.Guardians, guardian) {
			return nil, trace.BadParameter("guardian %v is not configured for this owner", guardian)
		}
	}

	session := &Session{
		ID:                 uuid.NewString(),
		OwnerPubkey:        owner,
		EphemeralPubkey:    ephemeralPubkey,
		RequestedGuardians: requestedGuardians,
		Threshold:          cfg.Threshold,
		Approvals:          0,
		Status:             StatusPending,
		CreatedAt:          s.bk.Clock().Now(),
	}
	fields, err := session.fields()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.bk.PutHash(ctx, sessionKey(session.ID), fields, defaults.RecoverySessionTTL); err != nil {
		return nil, trace.Wrap(err)
	}
	s.log.WithFields(logrus.Fields{
		"owner":   owner,
		"session": session.ID,
	}).Info("Created recovery session.")
	return session, nil
}

// SessionStatus returns a session by id, or NotFound once it has expired
func (s *Service) SessionStatus(ctx context.Context, sessionID string) (*Session, error) {
	fields, err := s.bk.GetHash(ctx, sessionKey(sessionID))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("session %v is not found or has expired", sessionID)
		}
		return nil, trace.Wrap(err)
	}
	session, err := parseSession(sessionID, fields)
	return session, trace.Wrap(err)
}

// Approve records a guardian's approval: it stores the share re-encrypted
// to the session's ephemeral key and bumps the approval counter,
// transitioning the session to ready at the threshold. A guardian may
// approve a session exactly once; a repeat is a conflict. Approvals after
// the session is already ready are still accepted so a slow guardian can
// add their share.
//
// The share write uses put-if-absent and happens before the counter bump:
// concurrent approvals from the same guardian race on the share key and
// only the winner counts, while a crash between the two steps undercounts
// and can only delay ready, never release early.
func (s *Service) Approve(ctx context.Context, sessionID, guardianPubkey, reEncryptedShare string) (*Session, error) {
	if reEncryptedShare == "" {
		return nil, trace.BadParameter("missing re-encrypted share")
	}
	session, err := s.SessionStatus(ctx, sessionID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !slices.Contains(session.RequestedGuardians, guardianPubkey) {
		return nil, trace.AccessDenied("guardian is not part of this recovery session")
	}

	ttl := session.CreatedAt.Add(defaults.RecoverySessionTTL).Sub(s.bk.Clock().Now())
	if ttl <= 0 {
		return nil, trace.NotFound("session %v is not found or has expired", sessionID)
	}
	created, err := s.bk.PutStringNX(ctx, sessionShareKey(sessionID, guardianPubkey), reEncryptedShare, ttl)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !created {
		return nil, trace.AlreadyExists("guardian has already approved this session")
	}

	approvals, err := s.bk.IncrHashField(ctx, sessionKey(sessionID), "approvals", 1)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	session.Approvals = int(approvals)
	if session.Approvals >= session.Threshold && session.Status == StatusPending {
		if err := s.bk.SetHashField(ctx, sessionKey(sessionID), "status", StatusReady); err != nil {
			return nil, trace.Wrap(err)
		}
		session.Status = StatusReady
	}

	s.log.WithFields(logrus.Fields{
		"session":   sessionID,
		"approvals": session.Approvals,
		"threshold": session.Threshold,
		"status":    session.Status,
	}).Info("Recorded guardian approval.")
	return session, nil
}

// ReleasedShares returns every re-encrypted share collected for a ready
// session. Deliberately unauthenticated: each share is a sealed box
// addressed to the one-time ephemeral key the requester never
// transmitted, so possession of the session id reveals nothing usable.
func (s *Service) ReleasedShares(ctx context.Context, sessionID string) ([]SessionShare, error) {
	session, err := s.SessionStatus(ctx, sessionID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if session.Status != StatusReady {
		return nil, trace.AccessDenied("not enough guardians have approved yet")
	}

	prefix := backend.Key(sessionPrefix, sessionID, "share") + backend.Separator
	keys, err := s.bk.Scan(ctx, prefix+"*")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	shares := make([]SessionShare, 0, len(keys))
	for _, key := range keys {
		share, err := s.bk.GetString(ctx, key)
		if err != nil {
			// the share may expire between the scan and the read
			if trace.IsNotFound(err) {
				continue
			}
			return nil, trace.Wrap(err)
		}
		shares = append(shares, SessionShare{
			GuardianPubkey:   strings.TrimPrefix(key, prefix),
			ReEncryptedShare: share,
		})
	}
	slices.SortFunc(shares, func(a, b SessionShare) int {
		return strings.Compare(a.GuardianPubkey, b.GuardianPubkey)
	})
	return shares, nil
}
