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

// Package web implements the HTTP/JSON API surface of keyward: the
// recovery and dead-man's-switch route groups, the uniform error shape,
// and the cron-authenticated sweep endpoint.
package web

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/keyward/keyward"
	"github.com/keyward/keyward/lib/dms"
	"github.com/keyward/keyward/lib/httplib"
	"github.com/keyward/keyward/lib/recovery"
	"github.com/keyward/keyward/lib/sigauth"
)

// Config holds the parameters for NewAPIServer
type Config struct {
	Recovery *recovery.Service
	DMS      *dms.Service
	Verifier *sigauth.Verifier
	// CronSecret authorizes the sweep endpoint. The sweep is disabled
	// when empty.
	CronSecret string
}

// APIServer implements the keyward HTTP API
type APIServer struct {
	httprouter.Router
	cfg Config
	log *logrus.Entry
}

// NewAPIServer returns an API server with all routes registered
func NewAPIServer(cfg Config) (*APIServer, error) {
	if cfg.Recovery == nil {
		return nil, trace.BadParameter("missing recovery service")
	}
	if cfg.DMS == nil {
		return nil, trace.BadParameter("missing dms service")
	}
	if cfg.Verifier == nil {
		return nil, trace.BadParameter("missing request verifier")
	}
	srv := &APIServer{
		cfg: cfg,
		log: logrus.WithField(keyward.ComponentKey, keyward.ComponentWeb),
	}
	srv.Router = *httprouter.New()

	// Guardian setup and teardown
	srv.POST("/api/recovery/distribute", httplib.MakeHandler(srv.distribute))
	srv.DELETE("/api/recovery/revoke", httplib.MakeHandler(srv.revoke))

	// Public views of the guardian relation
	srv.GET("/api/recovery/guardians/:pubkey", httplib.MakeHandler(srv.getGuardians))
	srv.GET("/api/recovery/guardianships/:pubkey", httplib.MakeHandler(srv.getGuardianships))

	// Approval sessions
	srv.POST("/api/recovery/request", httplib.MakeHandler(srv.requestRecovery))
	srv.GET("/api/recovery/session/:id/status", httplib.MakeHandler(srv.sessionStatus))
	srv.POST("/api/recovery/session/:id/approve", httplib.MakeHandler(srv.approveSession))
	srv.GET("/api/recovery/session/:id/shares", httplib.MakeHandler(srv.sessionShares))

	// Dead-man's switches
	srv.POST("/api/dms/create", httplib.MakeHandler(srv.createSwitch))
	srv.POST("/api/dms/checkin", httplib.MakeHandler(srv.checkIn))
	srv.GET("/api/dms/list/:pubkey", httplib.MakeHandler(srv.listSwitches))
	srv.GET("/api/dms/release/:switchId", httplib.MakeHandler(srv.getRelease))
	srv.DELETE("/api/dms/:switchId", httplib.MakeHandler(srv.cancelSwitch))

	// Sweep, driven by an external scheduler
	srv.POST("/api/dms/process", httplib.MakeHandler(srv.process))

	// Operational endpoints
	srv.GET("/healthz", httplib.MakeHandler(srv.health))
	srv.Handler(http.MethodGet, "/metrics", promhttp.Handler())

	return srv, nil
}

// signedRequest is the auth tuple carried by every privileged request
type signedRequest struct {
	Signature string `json:"signature"`
	Timestamp int64  `json:"timestamp"`
}

type distributeReq struct {
	signedRequest
	SenderPubkey string                   `json:"senderPubkey"`
	Threshold    int                      `json:"threshold"`
	Guardians    []recovery.GuardianShare `json:"guardians"`
}

func (s *APIServer) distribute(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req distributeReq
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.cfg.Verifier.Verify(req.SenderPubkey, req.Signature, req.Timestamp, sigauth.ActionDistribute); err != nil {
		return nil, trace.Wrap(err)
	}
	err := s.cfg.Recovery.Distribute(r.Context(), recovery.DistributeParams{
		OwnerPubkey: req.SenderPubkey,
		Threshold:   req.Threshold,
		Guardians:   req.Guardians,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{
		"success":       true,
		"guardianCount": len(req.Guardians),
		"threshold":     req.Threshold,
	}, nil
}

type revokeReq struct {
	signedRequest
	SenderPubkey string `json:"senderPubkey"`
}

func (s *APIServer) revoke(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req revokeReq
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.cfg.Verifier.Verify(req.SenderPubkey, req.Signature, req.Timestamp, sigauth.ActionRevoke); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.cfg.Recovery.Revoke(r.Context(), req.SenderPubkey); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{"success": true}, nil
}

func (s *APIServer) getGuardians(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	cfg, err := s.cfg.Recovery.GuardianConfig(r.Context(), p.ByName("pubkey"))
	if err != nil {
		if trace.IsNotFound(err) {
			return map[string]interface{}{
				"configured": false,
				"guardians":  []string{},
			}, nil
		}
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{
		"configured": true,
		"guardians":  cfg.Guardians,
		"threshold":  cfg.Threshold,
		"createdAt":  cfg.CreatedAt.UTC().Format(time.RFC3339),
	}, nil
}

func (s *APIServer) getGuardianships(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	owners, err := s.cfg.Recovery.Guardianships(r.Context(), p.ByName("pubkey"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{"guardianships": owners}, nil
}

type requestRecoveryReq struct {
	OwnerPubkey        string   `json:"ownerPubkey"`
	EphemeralPubkey    string   `json:"ephemeralPubkey"`
	RequestedGuardians []string `json:"requestedGuardians"`
}

// requestRecovery is unauthenticated by design: the caller has, by
// hypothesis, lost every signing key.
func (s *APIServer) requestRecovery(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req requestRecoveryReq
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	session, err := s.cfg.Recovery.CreateSession(r.Context(), req.OwnerPubkey, req.EphemeralPubkey, req.RequestedGuardians)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{
		"success":   true,
		"sessionId": session.ID,
		"threshold": session.Threshold,
		"expiresIn": "24h",
	}, nil
}

func (s *APIServer) sessionStatus(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	session, err := s.cfg.Recovery.SessionStatus(r.Context(), p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{
		"sessionId":         session.ID,
		"status":            session.Status,
		"approvalsReceived": session.Approvals,
		"thresholdRequired": session.Threshold,
		"ownerPubkey":       session.OwnerPubkey,
		"createdAt":         session.CreatedAt.UTC().Format(time.RFC3339),
	}, nil
}

type approveReq struct {
	signedRequest
	GuardianPubkey   string `json:"guardianPubkey"`
	ReEncryptedShare string `json:"reEncryptedShare"`
}

func (s *APIServer) approveSession(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	sessionID := p.ByName("id")
	var req approveReq
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.cfg.Verifier.Verify(req.GuardianPubkey, req.Signature, req.Timestamp, sigauth.ActionApprove, sessionID); err != nil {
		return nil, trace.Wrap(err)
	}
	session, err := s.cfg.Recovery.Approve(r.Context(), sessionID, req.GuardianPubkey, req.ReEncryptedShare)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{
		"approved":          true,
		"approvalsReceived": session.Approvals,
		"thresholdRequired": session.Threshold,
	}, nil
}

// sessionShares is unauthenticated by design: every share is a sealed
// box addressed to the session's one-time ephemeral key, so transport
// authorization adds nothing.
func (s *APIServer) sessionShares(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	shares, err := s.cfg.Recovery.ReleasedShares(r.Context(), p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{"shares": shares}, nil
}

type createSwitchReq struct {
	signedRequest
	SenderPubkey         string `json:"senderPubkey"`
	RecipientUsername    string `json:"recipientUsername"`
	EncryptedMessage     string `json:"encryptedMessage"`
	CheckInIntervalHours int    `json:"checkInIntervalHours"`
}

func (s *APIServer) createSwitch(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req createSwitchReq
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.cfg.Verifier.Verify(req.SenderPubkey, req.Signature, req.Timestamp,
		sigauth.ActionDMSCreate, req.RecipientUsername); err != nil {
		return nil, trace.Wrap(err)
	}
	sw, err := s.cfg.DMS.Create(r.Context(), dms.CreateParams{
		SenderPubkey:      req.SenderPubkey,
		RecipientUsername: req.RecipientUsername,
		EncryptedMessage:  req.EncryptedMessage,
		IntervalHours:     req.CheckInIntervalHours,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{
		"success":      true,
		"switchId":     sw.ID,
		"nextDeadline": sw.NextDeadline.UTC().Format(time.RFC3339),
	}, nil
}

type checkInReq struct {
	signedRequest
	SenderPubkey string `json:"senderPubkey"`
}

func (s *APIServer) checkIn(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req checkInReq
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.cfg.Verifier.Verify(req.SenderPubkey, req.Signature, req.Timestamp, sigauth.ActionDMSCheckIn); err != nil {
		return nil, trace.Wrap(err)
	}
	count, latest, err := s.cfg.DMS.CheckIn(r.Context(), req.SenderPubkey)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := map[string]interface{}{
		"success":     true,
		"checkedIn":   true,
		"switchCount": count,
	}
	if count > 0 {
		out["nextDeadline"] = latest.UTC().Format(time.RFC3339)
	}
	return out, nil
}

func (s *APIServer) listSwitches(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	switches, err := s.cfg.DMS.List(r.Context(), p.ByName("pubkey"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{"switches": switches}, nil
}

type cancelSwitchReq struct {
	signedRequest
	SenderPubkey string `json:"senderPubkey"`
}

func (s *APIServer) cancelSwitch(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	switchID := p.ByName("switchId")
	var req cancelSwitchReq
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.cfg.Verifier.Verify(req.SenderPubkey, req.Signature, req.Timestamp,
		sigauth.ActionDMSCancel, switchID); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.cfg.DMS.Cancel(r.Context(), req.SenderPubkey, switchID); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{"success": true}, nil
}

// getRelease serves the released-message record the recipient pulls by
// switch id
func (s *APIServer) getRelease(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	record, err := s.cfg.DMS.Release(r.Context(), p.ByName("switchId"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return record, nil
}

func (s *APIServer) process(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	if err := s.checkCronSecret(r); err != nil {
		return nil, trace.Wrap(err)
	}
	result, err := s.cfg.DMS.Process(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return result, nil
}

func (s *APIServer) health(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	return map[string]interface{}{"ok": true, "version": keyward.Version}, nil
}

func (s *APIServer) checkCronSecret(r *http.Request) error {
	if s.cfg.CronSecret == "" {
		return trace.AccessDenied("sweep endpoint is not configured")
	}
	secret := r.Header.Get("X-Cron-Secret")
	if secret == "" {
		return trace.Wrap(sigauth.ErrMissingCredentials)
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(s.cfg.CronSecret)) != 1 {
		return trace.AccessDenied("invalid cron secret")
	}
	return nil
}
