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
	"net/http"

	"github.com/alwitt/fluxcast/common"
	"github.com/apex/log"
)

// produceSequence produce 1..length, one element per interval
//
// Production stops at the first handler error, or when the context ends.
func produceSequence(
	ctxt context.Context, config common.DemoSequenceConfig, handler func(int) error,
) error {
	interval := common.MillisecondsToDuration(config.ElementInterval)
	for element := 1; element <= config.Length; element++ {
		if err := waitFor(ctxt, interval); err != nil {
			return err
		}
		if err := handler(element); err != nil {
			return err
		}
	}
	return nil
}

// Flux godoc
// @Summary Demo delayed sequence
// @Description Produce a short integer sequence, one element per interval, and return
// the whole sequence once complete.
// @tags Demo
// @Produce json
// @Param Fluxcast-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {array} integer "success"
// @Header 200 {string} Fluxcast-Request-ID "Request ID to match against logs"
// @Router /flux [get]
func (h APIRestCustomerHandler) Flux(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	sequence := make([]int, 0, h.demo.Length)
	if err := produceSequence(r.Context(), h.demo, func(element int) error {
		sequence = append(sequence, element)
		return nil
	}); err != nil {
		log.WithError(err).WithFields(localLogTags).Info("Sequence abandoned")
		return
	}

	if err := h.WriteRESTResponse(w, http.StatusOK, sequence, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// FluxHandler Wrapper around Flux
func (h APIRestCustomerHandler) FluxHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Flux(w, r)
	}
}

// FluxStream godoc
// @Summary Demo streamed sequence
// @Description Produce a short integer sequence, one element per interval, writing each
// element as its own JSON line as soon as it is produced.
// @tags Demo
// @Produce application/stream+json
// @Param Fluxcast-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} integer "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,500 {string} Fluxcast-Request-ID "Request ID to match against logs"
// @Router /fluxstream [get]
func (h APIRestCustomerHandler) FluxStream(w http.ResponseWriter, r *http.Request) {
	localLogTags := streamLogTags(h.RestAPIHandler, r)

	streamer, err := defineJSONLineStreamer(w)
	if err != nil {
		msg := "Streaming not supported"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		if err := h.WriteRESTResponse(
			w,
			http.StatusInternalServerError,
			h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error()),
			nil,
		); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
		return
	}

	if err := produceSequence(r.Context(), h.demo, func(element int) error {
		return streamer.Write(element)
	}); err != nil {
		log.WithError(err).WithFields(localLogTags).Info("Sequence stream ended early")
		return
	}
	streamer.Finish()
}

// FluxStreamHandler Wrapper around FluxStream
func (h APIRestCustomerHandler) FluxStreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.FluxStream(w, r)
	}
}
