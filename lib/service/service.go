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

// Package service wires the keyward process together: it connects the
// backend, builds the recovery and dms services and their external
// collaborator clients, and runs the API server.
package service

import (
	"context"
	"errors"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/keyward/keyward"
	"github.com/keyward/keyward/lib/backend/redisbk"
	"github.com/keyward/keyward/lib/blobstore"
	"github.com/keyward/keyward/lib/defaults"
	"github.com/keyward/keyward/lib/dms"
	"github.com/keyward/keyward/lib/identity"
	"github.com/keyward/keyward/lib/recovery"
	"github.com/keyward/keyward/lib/sigauth"
	"github.com/keyward/keyward/lib/web"
)

// KeywardProcess is a running keyward instance
type KeywardProcess struct {
	cfg    *Config
	bk     *redisbk.Backend
	server *http.Server
	log    *logrus.Entry
}

// NewKeyward connects the backend and assembles the API server. The
// process does not serve until Run is called.
func NewKeyward(ctx context.Context, cfg *Config) (*KeywardProcess, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	bk, err := redisbk.New(ctx, redisbk.Config{URL: cfg.StoreURL})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	resolver, err := identity.NewClient(cfg.IdentityLookupEndpoint)
	if err != nil {
		bk.Close()
		return nil, trace.Wrap(err)
	}
	blobs, err := blobstore.NewClient(cfg.BlobUploadEndpoint)
	if err != nil {
		bk.Close()
		return nil, trace.Wrap(err)
	}

	recoverySvc, err := recovery.NewService(bk)
	if err != nil {
		bk.Close()
		return nil, trace.Wrap(err)
	}
	dmsSvc, err := dms.NewService(dms.ServiceConfig{
		Backend:  bk,
		Resolver: resolver,
		Blobs:    blobs,
	})
	if err != nil {
		bk.Close()
		return nil, trace.Wrap(err)
	}

	apiServer, err := web.NewAPIServer(web.Config{
		Recovery:   recoverySvc,
		DMS:        dmsSvc,
		Verifier:   sigauth.NewVerifier(bk.Clock(), cfg.SignatureSkew),
		CronSecret: cfg.CronSecret,
	})
	if err != nil {
		bk.Close()
		return nil, trace.Wrap(err)
	}

	return &KeywardProcess{
		cfg: cfg,
		bk:  bk,
		server: &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           apiServer,
			ReadHeaderTimeout: defaults.ReadHeadersTimeout,
		},
		log: logrus.WithField(keyward.ComponentKey, "process"),
	}, nil
}

// Run serves the API until the context is cancelled, then shuts down
// gracefully
func (p *KeywardProcess) Run(ctx context.Context) error {
	errC := make(chan error, 1)
	go func() {
		p.log.WithField("addr", p.cfg.ListenAddr).Info("Keyward is starting.")
		errC <- p.server.ListenAndServe()
	}()

	select {
	case err := <-errC:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return trace.Wrap(err)
	case <-ctx.Done():
		p.log.Info("Shutting down.")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaults.ReadHeadersTimeout)
		defer cancel()
		if err := p.server.Shutdown(shutdownCtx); err != nil {
			return trace.Wrap(err)
		}
		return nil
	}
}

// Close releases the process resources
func (p *KeywardProcess) Close() error {
	return trace.Wrap(p.bk.Close())
}
