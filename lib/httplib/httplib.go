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

// Package httplib implements common utility functions for writing
// classic HTTP handlers
package httplib

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"

	"github.com/keyward/keyward/lib/sigauth"
)

// HandlerFunc specifies HTTP handler function that returns error
type HandlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error)

// MakeHandler returns a new httprouter.Handle func from a handler func
func MakeHandler(fn HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		out, err := fn(w, r, p)
		if err != nil {
			ReplyError(w, err)
			return
		}
		ReplyJSON(w, http.StatusOK, out)
	}
}

// ReadJSON reads HTTP json request and unmarshals it
// into passed interface{} obj
func ReadJSON(r *http.Request, val interface{}) error {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := json.Unmarshal(data, &val); err != nil {
		return trace.BadParameter("request: %v", err.Error())
	}
	return nil
}

// ReplyError classifies err and writes the uniform {"error": msg} body.
// Unclassified errors are logged and replaced with an opaque message so
// internals never leak to the caller.
func ReplyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sigauth.ErrMissingCredentials):
		replyErrorMessage(w, http.StatusUnauthorized, err.Error())
	case trace.IsBadParameter(err):
		replyErrorMessage(w, http.StatusBadRequest, trace.UserMessage(err))
	case trace.IsAccessDenied(err):
		replyErrorMessage(w, http.StatusForbidden, trace.UserMessage(err))
	case trace.IsNotFound(err):
		replyErrorMessage(w, http.StatusNotFound, trace.UserMessage(err))
	case trace.IsAlreadyExists(err):
		replyErrorMessage(w, http.StatusConflict, trace.UserMessage(err))
	default:
		logrus.WithError(err).Error("Unexpected error while handling request.")
		replyErrorMessage(w, http.StatusInternalServerError, "internal server error")
	}
}

// ReplyJSON writes a JSON response with the given status code
func ReplyJSON(w http.ResponseWriter, code int, obj interface{}) {
	out, err := json.Marshal(obj)
	if err != nil {
		out = []byte(`{"error": "internal marshal error"}`)
		code = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(out)
}

func replyErrorMessage(w http.ResponseWriter, code int, message string) {
	ReplyJSON(w, code, map[string]string{"error": message})
}
