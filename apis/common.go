// Copyright 2021-2022 The fluxcast Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package apis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// ContentTypeStreamJSON content type of a response carrying one JSON document per line,
// written as each document is produced
const ContentTypeStreamJSON = "application/stream+json"

// MethodHandlers DICT of method-endpoint handler
type MethodHandlers map[string]http.HandlerFunc

// RegisterPathPrefix Register new method handler for an end-point
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers MethodHandlers,
) *mux.Router {
	router := parentRouter.PathPrefix(pathPrefix).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(method).Path("").HandlerFunc(handler)
	}
	return router
}

// ReadinessCheck reports whether a dependency of the API is usable
type ReadinessCheck func(ctxt context.Context) error

// ========================================================================================

// jsonLineStreamer writes JSON documents one per line, flushing after each
type jsonLineStreamer struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

// defineJSONLineStreamer wrap a response writer for JSON line streaming
func defineJSONLineStreamer(w http.ResponseWriter) (*jsonLineStreamer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	return &jsonLineStreamer{w: w, flusher: flusher}, nil
}

// Write send one JSON document and flush it to the client
func (s *jsonLineStreamer) Write(document interface{}) error {
	serialized, err := json.Marshal(document)
	if err != nil {
		return err
	}
	if !s.started {
		s.w.Header().Set("Content-Type", ContentTypeStreamJSON)
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	if _, err := fmt.Fprintf(s.w, "%s\n", serialized); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Started whether any part of the response was written
func (s *jsonLineStreamer) Started() bool {
	return s.started
}

// Finish complete the response. An empty stream still produces a 200 response.
func (s *jsonLineStreamer) Finish() {
	if !s.started {
		s.w.Header().Set("Content-Type", ContentTypeStreamJSON)
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	s.flusher.Flush()
}

// ========================================================================================

// waitFor wait for the delay to pass, or the context to end
func waitFor(ctxt context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctxt.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

type streamRequestIDKey struct{}

// streamLoggingMiddleware request logging for long lived streaming responses
//
// Unlike goutils.RestAPIHandler.LoggingMiddleware, the response writer reaches the handler
// unwrapped so that it can still be flushed. The request ID is taken from the request header,
// or generated, then echoed in the response header.
func streamLoggingMiddleware(h goutils.RestAPIHandler, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqID := ""
		if h.CallRequestIDHeaderField != nil {
			reqID = r.Header.Get(*h.CallRequestIDHeaderField)
		}
		if reqID == "" {
			reqID = uuid.NewString()
		}
		if h.CallRequestIDHeaderField != nil {
			w.Header().Set(*h.CallRequestIDHeaderField, reqID)
		}
		r = r.WithContext(context.WithValue(r.Context(), streamRequestIDKey{}, reqID))

		logTags := streamLogTags(h, r)
		logTags["method"] = r.Method
		logTags["uri"] = r.URL.String()
		logTags["remote"] = r.RemoteAddr
		startTime := time.Now()
		log.WithFields(logTags).Info("Stream opened")
		next(w, r)
		log.WithFields(logTags).
			WithField("duration", time.Since(startTime).String()).
			Info("Stream closed")
	}
}

// streamLogTags log tags of a streaming request, including its request ID
func streamLogTags(h goutils.RestAPIHandler, r *http.Request) log.Fields {
	logTags := h.GetLogTagsForContext(r.Context())
	if reqID, ok := r.Context().Value(streamRequestIDKey{}).(string); ok {
		logTags["request_id"] = reqID
	}
	return logTags
}
