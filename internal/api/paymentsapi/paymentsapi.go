package paymentsapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rodneydean/kaimosi-pay/internal/integrations/mpesa"
	"github.com/rodneydean/kaimosi-pay/internal/integrations/mpesa/sandbox"
	"github.com/rodneydean/kaimosi-pay/internal/models"
	"github.com/rodneydean/kaimosi-pay/internal/services/checkout"
	"github.com/rodneydean/kaimosi-pay/internal/storage/pgpayments"
)

const maxCallbackBody = 1 << 20

type API struct {
	svc *checkout.Service
	log *slog.Logger

	// sbx is non-nil only in sandbox mode; it exposes the routes that
	// let a developer resolve a push without a phone in hand.
	sbx *sandbox.Gateway
}

func New(svc *checkout.Service, sbx *sandbox.Gateway, log *slog.Logger) *API {
	if log == nil {
		log = slog.Default()
	}
	return &API{svc: svc, sbx: sbx, log: log}
}

func (a *API) Routes(r chi.Router) {
	r.Route("/v1/orders", func(r chi.Router) {
		r.Post("/", a.createOrder)
		r.Get("/{id}", a.getOrder)
		r.Get("/{id}/timeline", a.listTimeline)
		r.Get("/{id}/payment", a.getPayment)
		r.Post("/{id}/checkout", a.initiateCheckout)
		r.Post("/{id}/cancel", a.cancelOrder)
		r.Post("/{id}/advance", a.advanceOrder)
	})
	r.Post("/v1/payments/callback", a.paymentCallback)

	if a.sbx != nil {
		r.Post("/v1/sandbox/{checkoutRequestID}/complete", a.sandboxComplete)
		r.Post("/v1/sandbox/{checkoutRequestID}/fail", a.sandboxFail)
	}
}

type createOrderRequest struct {
	UserID          string  `json:"userId"`
	SubtotalCents   int64   `json:"subtotalCents"`
	TaxCents        int64   `json:"taxCents"`
	ShippingCents   int64   `json:"shippingCents"`
	ShippingAddress *string `json:"shippingAddress,omitempty"`
}

func (a *API) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	in := models.OrderCreateInput{
		UserID:          req.UserID,
		SubtotalCents:   req.SubtotalCents,
		TaxCents:        req.TaxCents,
		ShippingCents:   req.ShippingCents,
		ShippingAddress: req.ShippingAddress,
	}
	if err := in.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	order, err := a.svc.CreateOrder(r.Context(), in)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderDTO(order))
}

func (a *API) getOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	order, err := a.svc.GetOrder(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(order))
}

func (a *API) listTimeline(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	entries, err := a.svc.ListTimeline(r.Context(), id, limit, offset)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	out := make([]timelineEntryDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, toTimelineDTO(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

func (a *API) getPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	pay, err := a.svc.GetPaymentByOrder(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	txs, err := a.svc.ListTransactions(r.Context(), pay.ID)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(pay, txs))
}

type checkoutRequest struct {
	Phone string `json:"phone"`
}

func (a *API) initiateCheckout(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res, err := a.svc.InitiateCheckout(r.Context(), id, req.Phone)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	status := http.StatusAccepted
	if !res.Accepted {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]any{
		"accepted":          res.Accepted,
		"message":           res.Message,
		"checkoutRequestId": res.CheckoutRequestID,
		"payment":           toPaymentDTO(res.Payment, nil),
	})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (a *API) cancelOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	var req cancelRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	order, err := a.svc.CancelOrder(r.Context(), id, req.Reason)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(order))
}

type advanceRequest struct {
	Status         string  `json:"status"`
	Message        string  `json:"message"`
	TrackingNumber *string `json:"trackingNumber,omitempty"`
}

func (a *API) advanceOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	var req advanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Status == "" {
		writeError(w, http.StatusBadRequest, "status is required")
		return
	}
	order, err := a.svc.AdvanceStatus(r.Context(), id, req.Status, req.Message, req.TrackingNumber)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(order))
}

// paymentCallback receives the asynchronous provider notification. The
// provider expects a result-code ack; anything but an ack makes it
// hammer the endpoint with redeliveries, so known no-op outcomes
// (duplicates, unknown ids) still ack.
func (a *API) paymentCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	sig := r.Header.Get("X-Callback-Signature")

	err = a.svc.HandleCallback(r.Context(), body, sig)
	switch {
	case err == nil:
		writeProviderAck(w)
	case errors.Is(err, checkout.ErrInvalidSignature):
		writeError(w, http.StatusUnauthorized, "invalid signature")
	case errors.Is(err, checkout.ErrUnknownCallback):
		// already logged by the service
		writeProviderAck(w)
	case errors.Is(err, pgpayments.ErrAmountMismatch):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		a.log.Error("process callback", "err", err)
		writeError(w, http.StatusInternalServerError, "callback processing failed")
	}
}

type sandboxCompleteRequest struct {
	Receipt string `json:"receipt"`
}

func (a *API) sandboxComplete(w http.ResponseWriter, r *http.Request) {
	checkoutID := chi.URLParam(r, "checkoutRequestID")
	var req sandboxCompleteRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Receipt == "" {
		req.Receipt = "SBX" + time.Now().UTC().Format("0102150405")
	}

	body, sig, err := a.sbx.Complete(checkoutID, req.Receipt)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	a.deliverSandboxCallback(w, r, body, sig)
}

type sandboxFailRequest struct {
	Code int    `json:"code"`
	Desc string `json:"desc"`
}

func (a *API) sandboxFail(w http.ResponseWriter, r *http.Request) {
	checkoutID := chi.URLParam(r, "checkoutRequestID")
	var req sandboxFailRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Code == 0 {
		req.Code = 1032
	}
	if req.Desc == "" {
		req.Desc = "Request cancelled by user"
	}

	body, sig, err := a.sbx.Fail(checkoutID, req.Code, req.Desc)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	a.deliverSandboxCallback(w, r, body, sig)
}

// deliverSandboxCallback pushes the generated callback through the
// exact same path a real provider delivery takes.
func (a *API) deliverSandboxCallback(w http.ResponseWriter, r *http.Request, body []byte, sig string) {
	if err := a.svc.HandleCallback(r.Context(), body, sig); err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"delivered": true})
}

func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pgpayments.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, mpesa.ErrInvalidPhone):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, checkout.ErrOrderAlreadyPaid),
		errors.Is(err, checkout.ErrPaymentInProgress),
		errors.Is(err, checkout.ErrRetriesExhausted),
		errors.Is(err, pgpayments.ErrPaymentPending),
		errors.Is(err, pgpayments.ErrActivePaymentExists),
		errors.Is(err, models.ErrIllegalTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, checkout.ErrUnknownCallback),
		errors.Is(err, pgpayments.ErrAmountMismatch):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		a.log.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func orderID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeProviderAck(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ResultCode": 0,
		"ResultDesc": "Accepted",
	})
}
