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
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/alwitt/fluxcast/common"
	"github.com/alwitt/fluxcast/dataplane"
	"github.com/alwitt/fluxcast/sse"
	"github.com/alwitt/fluxcast/storage"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

// APIRestCustomerHandler REST handler for the customer and demo sequence APIs
type APIRestCustomerHandler struct {
	goutils.RestAPIHandler
	store storage.CustomerStore
	// relay is where SSE subscribers attach
	relay dataplane.EventRelay[common.Customer]
	// publisher is where newly saved customers are sent. Either the relay itself,
	// or a NATS bridge which feeds the relay.
	publisher       dataplane.Publisher[common.Customer]
	readyChecks     []ReadinessCheck
	validate        *validator.Validate
	baseContext     context.Context
	findAllInterval time.Duration
	keepAlive       time.Duration
	demo            common.DemoSequenceConfig
}

// GetAPIRestCustomerHandler define APIRestCustomerHandler
//
// If publisher is nil, saved customers are published directly into the relay.
func GetAPIRestCustomerHandler(
	baseContext context.Context,
	httpConfig *common.HTTPConfig,
	endpointConfig common.APIEndpointConfig,
	demoConfig common.DemoSequenceConfig,
	store storage.CustomerStore,
	relay dataplane.EventRelay[common.Customer],
	publisher dataplane.Publisher[common.Customer],
	readyChecks ...ReadinessCheck,
) (APIRestCustomerHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "customer",
	}
	if store == nil || relay == nil {
		return APIRestCustomerHandler{}, fmt.Errorf("customer API requires a store and a relay")
	}
	if publisher == nil {
		publisher = relay
	}
	validate := validator.New()
	if err := validate.Struct(&endpointConfig); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid endpoint config")
		return APIRestCustomerHandler{}, err
	}
	if err := validate.Struct(&demoConfig); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid demo sequence config")
		return APIRestCustomerHandler{}, err
	}
	return APIRestCustomerHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		store:           store,
		relay:           relay,
		publisher:       publisher,
		readyChecks:     readyChecks,
		validate:        validate,
		baseContext:     baseContext,
		findAllInterval: common.MillisecondsToDuration(endpointConfig.FindAllInterval),
		keepAlive:       time.Second * time.Duration(endpointConfig.SSEKeepAliveInterval),
		demo:            demoConfig,
	}, nil
}

// APIRestRespOneCustomer response carrying at most one customer
type APIRestRespOneCustomer struct {
	goutils.RestAPIBaseResponse
	// Customer is absent if no customer matched
	Customer *common.Customer `json:"customer,omitempty"`
}

// =======================================================================
// Customer write

// CreateCustomer godoc
// @Summary Create a customer
// @Description Persist a new customer, then broadcast it to all SSE subscribers
// @tags Customer
// @Accept json
// @Produce json
// @Param Fluxcast-Request-ID header string false "User provided request ID to match against logs"
// @Param customer body common.CustomerParam true "Customer names"
// @Success 200 {object} APIRestRespOneCustomer "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Fluxcast-Request-ID "Request ID to match against logs"
// @Router /customer [post]
func (h APIRestCustomerHandler) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	var param common.CustomerParam
	if err := json.NewDecoder(r.Body).Decode(&param); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&param); err != nil {
		msg := "Invalid customer parameters"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	customer, err := h.store.Save(r.Context(), param)
	if err != nil {
		msg := "Unable to save customer"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	// Broadcast only what was persisted
	h.publisher.Publish(r.Context(), customer)

	respCode = http.StatusOK
	respBody = APIRestRespOneCustomer{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Customer: &customer,
	}
}

// CreateCustomerHandler Wrapper around CreateCustomer
func (h APIRestCustomerHandler) CreateCustomerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.CreateCustomer(w, r)
	}
}

// =======================================================================
// Customer queries

// GetCustomer godoc
// @Summary Fetch one customer
// @Description Fetch one customer by ID. If there is no such customer, the response
// carries no customer.
// @tags Customer
// @Produce json
// @Param Fluxcast-Request-ID header string false "User provided request ID to match against logs"
// @Param customerID path integer true "Customer ID"
// @Success 200 {object} APIRestRespOneCustomer "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Fluxcast-Request-ID "Request ID to match against logs"
// @Router /customer/{customerID} [get]
func (h APIRestCustomerHandler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	rawID, ok := vars["customerID"]
	if !ok {
		msg := "No customer ID provided"
		log.WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}
	customerID, err := strconv.ParseUint(rawID, 10, 64)
	if err != nil {
		msg := "Invalid customer ID"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	customer, err := h.store.FindByID(r.Context(), customerID)
	if err != nil {
		if errors.Is(err, storage.ErrCustomerNotFound) {
			log.WithFields(localLogTags).Debugf("No customer %d", customerID)
			respCode = http.StatusOK
			respBody = APIRestRespOneCustomer{RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context())}
			return
		}
		msg := fmt.Sprintf("Unable to read customer %d", customerID)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespOneCustomer{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Customer: &customer,
	}
}

// GetCustomerHandler Wrapper around GetCustomer
func (h APIRestCustomerHandler) GetCustomerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetCustomer(w, r)
	}
}

// -----------------------------------------------------------------------

// ListCustomers godoc
// @Summary List all customers
// @Description Stream all customers, one JSON document per line. Customers are paced
// out at the configured interval.
// @tags Customer
// @Produce application/stream+json
// @Param Fluxcast-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} common.Customer "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,500 {string} Fluxcast-Request-ID "Request ID to match against logs"
// @Router /customer [get]
func (h APIRestCustomerHandler) ListCustomers(w http.ResponseWriter, r *http.Request) {
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

	err = h.store.FindAll(r.Context(), func(ctxt context.Context, customer common.Customer) error {
		if err := waitFor(ctxt, h.findAllInterval); err != nil {
			return err
		}
		return streamer.Write(customer)
	})
	if err != nil {
		if r.Context().Err() != nil {
			log.WithFields(localLogTags).Info("Customer listing ended on request end")
			return
		}
		msg := "Unable to list customers"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		if !streamer.Started() {
			if err := h.WriteRESTResponse(
				w,
				http.StatusInternalServerError,
				h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error()),
				nil,
			); err != nil {
				log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
			}
		}
		// A partially sent stream ends here. The client sees a truncated listing.
		return
	}
	streamer.Finish()
}

// ListCustomersHandler Wrapper around ListCustomers
func (h APIRestCustomerHandler) ListCustomersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ListCustomers(w, r)
	}
}

// =======================================================================
// Customer broadcast

// SubscribeCustomers godoc
// @Summary Subscribe to new customers
// @Description Establish a server-sent event stream carrying every customer created
// after the stream opens. This is a long lived stream. It closes on client disconnect
// or server shutdown.
// @tags Customer
// @Produce text/event-stream
// @Param Fluxcast-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} common.Customer "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,500 {string} Fluxcast-Request-ID "Request ID to match against logs"
// @Router /customer/sse [get]
func (h APIRestCustomerHandler) SubscribeCustomers(w http.ResponseWriter, r *http.Request) {
	localLogTags := streamLogTags(h.RestAPIHandler, r)
	onSetupError := func(err error, msg string) {
		log.WithError(err).WithFields(localLogTags).Error(msg)
		if err := h.WriteRESTResponse(
			w,
			http.StatusInternalServerError,
			h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error()),
			nil,
		); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}

	writeFlusher, ok := w.(http.Flusher)
	if !ok {
		onSetupError(fmt.Errorf("response writer can not flush"), "Streaming not supported")
		return
	}

	// The stream ends on request end, or server stop
	streamCtxt, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-h.baseContext.Done():
			cancel()
		case <-streamCtxt.Done():
		}
	}()

	sub, err := h.relay.Subscribe(streamCtxt)
	if err != nil {
		onSetupError(err, "Unable to subscribe to customer broadcast")
		return
	}
	// Release on every exit path
	defer sub.Close()
	logTags := log.Fields{}
	for k, v := range localLogTags {
		logTags[k] = v
	}
	logTags["subscription"] = sub.ID()

	// Send support headers for SSE first
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Type", sse.ContentType)
	w.WriteHeader(http.StatusOK)
	writeFlusher.Flush()
	log.WithFields(logTags).Info("Opened customer broadcast stream")

	for {
		customer, err := h.nextCustomer(streamCtxt, sub)
		if err != nil {
			switch {
			case errors.Is(err, errKeepAliveDue):
				if err := sse.WriteComment(w, "keep-alive"); err != nil {
					log.WithError(err).WithFields(logTags).Info("Keep-alive write failed, closing stream")
					return
				}
				writeFlusher.Flush()
				continue
			case streamCtxt.Err() != nil:
				log.WithFields(logTags).Info("Closing customer broadcast stream on request end")
			case errors.Is(err, dataplane.ErrSubscriberOverflow):
				log.WithError(err).WithFields(logTags).Warn("Closing customer broadcast stream")
				if err := sse.WriteEvent(
					w, sse.Event{Event: "error", Data: []byte(err.Error())},
				); err != nil {
					log.WithError(err).WithFields(logTags).Debug("Error event write failed")
					return
				}
				writeFlusher.Flush()
			default:
				log.WithError(err).WithFields(logTags).Info("Closing customer broadcast stream")
			}
			return
		}
		serialized, err := json.Marshal(&customer)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Failed to serialize %s", customer)
			continue
		}
		if err := sse.WriteEvent(w, sse.Event{
			ID: strconv.FormatUint(customer.ID, 10), Data: serialized,
		}); err != nil {
			log.WithError(err).WithFields(logTags).Info("Event write failed, closing stream")
			return
		}
		writeFlusher.Flush()
		log.WithFields(logTags).Debugf("Sent %s", customer)
	}
}

// errKeepAliveDue no customer arrived within the keep-alive interval
var errKeepAliveDue = errors.New("keep-alive due")

// nextCustomer wait for the next customer, up to the keep-alive interval
func (h APIRestCustomerHandler) nextCustomer(
	ctxt context.Context, sub dataplane.Subscription[common.Customer],
) (common.Customer, error) {
	if h.keepAlive <= 0 {
		return sub.Next(ctxt)
	}
	waitCtxt, cancel := context.WithTimeout(ctxt, h.keepAlive)
	defer cancel()
	customer, err := sub.Next(waitCtxt)
	if err != nil && ctxt.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return customer, errKeepAliveDue
	}
	return customer, err
}

// SubscribeCustomersHandler Wrapper around SubscribeCustomers
func (h APIRestCustomerHandler) SubscribeCustomersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.SubscribeCustomers(w, r)
	}
}

// =======================================================================
// Health Checks

// Alive godoc
// @Summary For REST API liveness check
// @Description Will return success to indicate REST API module is live
// @tags Management
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /alive [get]
func (h APIRestCustomerHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestCustomerHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// Ready godoc
// @Summary For REST API readiness check
// @Description Will return success if the customer store and broadcast path are usable
// @tags Management
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestCustomerHandler) Ready(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	checks := append([]ReadinessCheck{h.store.Ready}, h.readyChecks...)
	for _, check := range checks {
		if err := check(r.Context()); err != nil {
			msg := "not ready"
			log.WithError(err).WithFields(localLogTags).Warn("Readiness check failed")
			respCode = http.StatusInternalServerError
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
			return
		}
	}
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// ReadyHandler Wrapper around Ready
func (h APIRestCustomerHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}

// =======================================================================

// BuildRouter define the router serving all customer and demo APIs under the path prefix
func (h APIRestCustomerHandler) BuildRouter(pathPrefix string) *mux.Router {
	router := mux.NewRouter()
	mainRouter := RegisterPathPrefix(router, pathPrefix, nil)

	// Demo sequences
	_ = RegisterPathPrefix(mainRouter, "/flux", MethodHandlers{
		"get": h.LoggingMiddleware(h.FluxHandler()),
	})
	_ = RegisterPathPrefix(mainRouter, "/fluxstream", MethodHandlers{
		"get": streamLoggingMiddleware(h.RestAPIHandler, h.FluxStreamHandler()),
	})

	// Customers
	customerRouter := RegisterPathPrefix(mainRouter, "/customer", MethodHandlers{
		"get":  streamLoggingMiddleware(h.RestAPIHandler, h.ListCustomersHandler()),
		"post": h.LoggingMiddleware(h.CreateCustomerHandler()),
	})
	_ = RegisterPathPrefix(customerRouter, "/sse", MethodHandlers{
		"get": streamLoggingMiddleware(h.RestAPIHandler, h.SubscribeCustomersHandler()),
	})
	_ = RegisterPathPrefix(customerRouter, "/{customerID:[0-9]+}", MethodHandlers{
		"get": h.LoggingMiddleware(h.GetCustomerHandler()),
	})

	// Health check
	_ = RegisterPathPrefix(mainRouter, "/alive", MethodHandlers{
		"get": h.LoggingMiddleware(h.AliveHandler()),
	})
	_ = RegisterPathPrefix(mainRouter, "/ready", MethodHandlers{
		"get": h.LoggingMiddleware(h.ReadyHandler()),
	})

	return router
}
