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

package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/alwitt/fluxcast/common"
	"github.com/alwitt/fluxcast/sse"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// WatchParams parameters for watching the customer broadcast stream of a server
type WatchParams struct {
	// StreamURL is the customer SSE stream URL
	StreamURL string `validate:"required,url"`
	// RequestIDHeader is the header carrying the request ID
	RequestIDHeader string
	// ReconnectWait is the wait between reconnect attempts. Zero disables reconnect.
	ReconnectWait time.Duration `validate:"gte=0"`
	// MaxEventSize is the max size of one event line
	MaxEventSize int `validate:"gte=64"`
}

// RunWatch print every customer broadcast by a server until the context ends
func RunWatch(
	runtimeContext context.Context, params WatchParams, instance string, out io.Writer,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "watch",
		"instance":  instance,
	}

	if err := validator.New().Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid watch params")
		return err
	}

	for {
		err := watchOnce(runtimeContext, params, logTags, out)
		if runtimeContext.Err() != nil {
			return nil
		}
		if params.ReconnectWait <= 0 {
			return err
		}
		log.WithError(err).WithFields(logTags).Warnf(
			"Stream ended, reconnecting in %s", params.ReconnectWait,
		)
		select {
		case <-runtimeContext.Done():
			return nil
		case <-time.After(params.ReconnectWait):
		}
	}
}

// watchOnce hold one stream open until it ends
func watchOnce(
	ctxt context.Context, params WatchParams, logTags log.Fields, out io.Writer,
) error {
	req, err := http.NewRequestWithContext(ctxt, "GET", params.StreamURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", sse.ContentType)
	reqID := uuid.NewString()
	if params.RequestIDHeader != "" {
		req.Header.Set(params.RequestIDHeader, reqID)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("open %s: %w", params.StreamURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("open %s: status %s", params.StreamURL, resp.Status)
	}
	log.WithFields(logTags).WithField("request_id", reqID).Infof(
		"Watching %s", params.StreamURL,
	)

	err = sse.ReadEvents(resp.Body, params.MaxEventSize, func(event sse.Event) error {
		if event.Event == "error" {
			return fmt.Errorf("server ended stream: %s", event.Data)
		}
		var customer common.Customer
		if err := json.Unmarshal(event.Data, &customer); err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to parse event %s", event.Data)
			return nil
		}
		_, err := fmt.Fprintln(out, customer.String())
		return err
	})
	if err != nil {
		return err
	}
	if ctxt.Err() != nil {
		return nil
	}
	return errors.New("stream closed by server")
}
