package procurement

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/meridian-hms/meridian-hms/internal/identity"
	"github.com/meridian-hms/meridian-hms/internal/inventory"
	"github.com/meridian-hms/meridian-hms/internal/platform/httpx"
	"github.com/meridian-hms/meridian-hms/internal/procurement/reconcile"
)

// Handler exposes the procurement lifecycle over JSON.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs the handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes wires the procurement routes. Reads need any procurement role;
// the workflow tables enforce the precise role per transition.
func (h *Handler) MountRoutes(r chi.Router) {
	anyRole := identity.RequireAny(
		identity.RoleView, identity.RoleRequester, identity.RoleApprover,
		identity.RoleBuyer, identity.RoleInspector, identity.RolePoster,
	)
	r.Group(func(r chi.Router) {
		r.Use(anyRole)

		r.Get("/dashboard", h.Dashboard)

		r.Route("/purchase-requests", func(r chi.Router) {
			r.Get("/", h.ListRequests)
			r.Post("/", h.CreateRequest)
			r.Get("/{id}", h.ShowRequest)
			r.Put("/{id}", h.UpdateRequest)
			r.Put("/{id}/submit", h.SubmitRequest)
			r.Put("/{id}/approve", h.ApproveRequest)
			r.Put("/{id}/reject", h.RejectRequest)
			r.Put("/{id}/cancel", h.CancelRequest)
		})

		r.Route("/purchase-orders", func(r chi.Router) {
			r.Get("/", h.ListOrders)
			r.Post("/", h.CreateOrder)
			r.Post("/from-pr", h.CreateOrderFromRequest)
			r.Get("/{id}", h.ShowOrder)
			r.Put("/{id}/approve", h.ApproveOrder)
			r.Put("/{id}/send", h.SendOrder)
			r.Put("/{id}/cancel", h.CancelOrder)
		})

		r.Route("/goods-receipts", func(r chi.Router) {
			r.Get("/", h.ListReceipts)
			r.Post("/", h.CreateDirectReceipt)
			r.Post("/from-po", h.CreateReceipt)
			r.Get("/{id}", h.ShowReceipt)
			r.Put("/{id}/inspect", h.InspectReceipt)
			r.Put("/{id}/approve", h.ApproveReceipt)
			r.Put("/{id}/reject", h.RejectReceipt)
			r.Put("/{id}/post", h.PostReceipt)
		})
	})
}

// --- dashboard ---

func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	facilityID, _ := strconv.ParseInt(r.URL.Query().Get("facility_id"), 10, 64)
	if facilityID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "facility_id is required")
		return
	}
	summary, err := h.service.Dashboard(r.Context(), facilityID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

// --- purchase requests ---

func (h *Handler) ListRequests(w http.ResponseWriter, r *http.Request) {
	list, page, err := h.service.ListRequests(r.Context(), filtersFromQuery(r))
	if err != nil {
		h.respondError(w, err)
		return
	}
	if list == nil {
		list = []PurchaseRequest{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"requests": list, "pagination": page})
}

func (h *Handler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	actor, input, ok := decode[CreateRequestInput](w, r)
	if !ok {
		return
	}
	pr, err := h.service.CreateRequest(r.Context(), actor, input)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, pr)
}

func (h *Handler) ShowRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	pr, err := h.service.GetRequest(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, pr)
}

func (h *Handler) UpdateRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	actor, input, ok := decode[CreateRequestInput](w, r)
	if !ok {
		return
	}
	pr, err := h.service.UpdateRequest(r.Context(), actor, id, input)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, pr)
}

func (h *Handler) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	h.requestAction(w, r, func(actor identity.Actor, id int64) (PurchaseRequest, error) {
		return h.service.SubmitRequest(r.Context(), actor, id)
	})
}

func (h *Handler) ApproveRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	actor, input, ok := decodeOptional[ApproveRequestInput](w, r)
	if !ok {
		return
	}
	pr, err := h.service.ApproveRequest(r.Context(), actor, id, input)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, pr)
}

func (h *Handler) RejectRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	actor, input, ok := decode[RejectInput](w, r)
	if !ok {
		return
	}
	pr, err := h.service.RejectRequest(r.Context(), actor, id, input)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, pr)
}

func (h *Handler) CancelRequest(w http.ResponseWriter, r *http.Request) {
	h.requestAction(w, r, func(actor identity.Actor, id int64) (PurchaseRequest, error) {
		return h.service.CancelRequest(r.Context(), actor, id)
	})
}

func (h *Handler) requestAction(w http.ResponseWriter, r *http.Request, fn func(identity.Actor, int64) (PurchaseRequest, error)) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	pr, err := fn(actor, id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, pr)
}

// --- purchase orders ---

type orderResponse struct {
	PurchaseOrder
	Totals            reconcile.OrderTotals `json:"totals"`
	CompletionPercent float64               `json:"completion_percent"`
}

func orderView(po PurchaseOrder) orderResponse {
	return orderResponse{
		PurchaseOrder:     po,
		Totals:            po.Totals(),
		CompletionPercent: po.CompletionPercent(),
	}
}

func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	list, page, err := h.service.ListOrders(r.Context(), filtersFromQuery(r))
	if err != nil {
		h.respondError(w, err)
		return
	}
	if list == nil {
		list = []PurchaseOrder{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"orders": list, "pagination": page})
}

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	actor, input, ok := decode[CreateOrderInput](w, r)
	if !ok {
		return
	}
	po, err := h.service.CreateOrder(r.Context(), actor, input)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, orderView(po))
}

func (h *Handler) CreateOrderFromRequest(w http.ResponseWriter, r *http.Request) {
	actor, input, ok := decode[CreateOrderFromRequestInput](w, r)
	if !ok {
		return
	}
	po, err := h.service.CreateOrderFromRequest(r.Context(), actor, input)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, orderView(po))
}

func (h *Handler) ShowOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	po, err := h.service.GetOrder(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, orderView(po))
}

func (h *Handler) ApproveOrder(w http.ResponseWriter, r *http.Request) {
	h.orderAction(w, r, func(actor identity.Actor, id int64) (PurchaseOrder, error) {
		return h.service.ApproveOrder(r.Context(), actor, id, "")
	})
}

func (h *Handler) SendOrder(w http.ResponseWriter, r *http.Request) {
	h.orderAction(w, r, func(actor identity.Actor, id int64) (PurchaseOrder, error) {
		return h.service.SendOrder(r.Context(), actor, id)
	})
}

func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	actor, input, ok := decode[RejectInput](w, r)
	if !ok {
		return
	}
	po, err := h.service.CancelOrder(r.Context(), actor, id, input)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, orderView(po))
}

func (h *Handler) orderAction(w http.ResponseWriter, r *http.Request, fn func(identity.Actor, int64) (PurchaseOrder, error)) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	po, err := fn(actor, id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, orderView(po))
}

// --- goods receipts ---

type receiptResponse struct {
	GoodsReceipt
	Subtotal      float64 `json:"subtotal"`
	AcceptedValue float64 `json:"accepted_value"`
}

func receiptView(grn GoodsReceipt) receiptResponse {
	return receiptResponse{
		GoodsReceipt:  grn,
		Subtotal:      grn.Subtotal(),
		AcceptedValue: grn.AcceptedValue(),
	}
}

func (h *Handler) ListReceipts(w http.ResponseWriter, r *http.Request) {
	list, page, err := h.service.ListReceipts(r.Context(), filtersFromQuery(r))
	if err != nil {
		h.respondError(w, err)
		return
	}
	if list == nil {
		list = []GoodsReceipt{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"receipts": list, "pagination": page})
}

func (h *Handler) CreateReceipt(w http.ResponseWriter, r *http.Request) {
	actor, input, ok := decode[CreateReceiptInput](w, r)
	if !ok {
		return
	}
	grn, err := h.service.CreateReceipt(r.Context(), actor, input)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, receiptView(grn))
}

func (h *Handler) CreateDirectReceipt(w http.ResponseWriter, r *http.Request) {
	actor, input, ok := decode[CreateDirectReceiptInput](w, r)
	if !ok {
		return
	}
	grn, err := h.service.CreateDirectReceipt(r.Context(), actor, input)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, receiptView(grn))
}

func (h *Handler) ShowReceipt(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	grn, err := h.service.GetReceipt(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, receiptView(grn))
}

func (h *Handler) InspectReceipt(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	actor, input, ok := decode[InspectReceiptInput](w, r)
	if !ok {
		return
	}
	grn, err := h.service.InspectReceipt(r.Context(), actor, id, input)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, receiptView(grn))
}

func (h *Handler) ApproveReceipt(w http.ResponseWriter, r *http.Request) {
	h.receiptAction(w, r, func(actor identity.Actor, id int64) (GoodsReceipt, error) {
		return h.service.ApproveReceipt(r.Context(), actor, id, "")
	})
}

func (h *Handler) RejectReceipt(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	actor, input, ok := decode[RejectInput](w, r)
	if !ok {
		return
	}
	grn, err := h.service.RejectReceipt(r.Context(), actor, id, input)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, receiptView(grn))
}

func (h *Handler) PostReceipt(w http.ResponseWriter, r *http.Request) {
	h.receiptAction(w, r, func(actor identity.Actor, id int64) (GoodsReceipt, error) {
		return h.service.PostReceipt(r.Context(), actor, id)
	})
}

func (h *Handler) receiptAction(w http.ResponseWriter, r *http.Request, fn func(identity.Actor, int64) (GoodsReceipt, error)) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	grn, err := fn(actor, id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, receiptView(grn))
}

// --- shared plumbing ---

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrForbidden):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrInvalidSource), errors.Is(err, ErrConflict):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrValidation), errors.Is(err, ErrOverApproval), errors.Is(err, ErrOverReceipt),
		errors.Is(err, ErrQuantityMismatch), errors.Is(err, ErrNoApprovedItems):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, inventory.ErrRejected):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Posting Rejected", err.Error())
	case errors.Is(err, inventory.ErrRetryable):
		httpx.Problem(w, http.StatusServiceUnavailable, "Posting Deferred",
			"stock posting is temporarily unavailable; a retry has been scheduled")
	default:
		h.logger.Error("procurement request failed", "error", err)
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid document ID")
		return 0, false
	}
	return id, true
}

func requireActor(w http.ResponseWriter, r *http.Request) (identity.Actor, bool) {
	actor, ok := identity.ActorFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing actor")
		return identity.Actor{}, false
	}
	return actor, true
}

func decode[T any](w http.ResponseWriter, r *http.Request) (identity.Actor, T, bool) {
	var input T
	actor, ok := requireActor(w, r)
	if !ok {
		return identity.Actor{}, input, false
	}
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed JSON body")
		return identity.Actor{}, input, false
	}
	return actor, input, true
}

// decodeOptional tolerates an empty body, for actions whose payload is
// entirely optional.
func decodeOptional[T any](w http.ResponseWriter, r *http.Request) (identity.Actor, T, bool) {
	var input T
	actor, ok := requireActor(w, r)
	if !ok {
		return identity.Actor{}, input, false
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := httpx.DecodeJSON(r, &input); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed JSON body")
			return identity.Actor{}, input, false
		}
	}
	return actor, input, true
}

func filtersFromQuery(r *http.Request) ListFilters {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	facilityID, _ := strconv.ParseInt(q.Get("facility_id"), 10, 64)
	supplierID, _ := strconv.ParseInt(q.Get("supplier_id"), 10, 64)
	orderID, _ := strconv.ParseInt(q.Get("order_id"), 10, 64)
	return ListFilters{
		Page:       page,
		Limit:      limit,
		FacilityID: facilityID,
		SupplierID: supplierID,
		OrderID:    orderID,
		Status:     q.Get("status"),
		Search:     q.Get("search"),
		SortBy:     q.Get("sort"),
		SortDir:    q.Get("dir"),
	}
}

