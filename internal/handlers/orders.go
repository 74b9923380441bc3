package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/carawoo/mereal/internal/domain"
	"github.com/carawoo/mereal/internal/platform/auth"
	"github.com/carawoo/mereal/internal/platform/httpx"
	"github.com/carawoo/mereal/internal/platform/observability"
	"github.com/carawoo/mereal/internal/platform/pagination"
	"github.com/carawoo/mereal/internal/services"
)

const (
	maxOrderCreateBodySize = 16 * 1024
	maxOrderCancelBodySize = 4 * 1024
)

// Middleware is a standard net/http middleware.
type Middleware = func(http.Handler) http.Handler

type createOrderRequest struct {
	FileUploadID string              `json:"fileUploadId"`
	FileRef      *fileRefPayload     `json:"fileRef"`
	Options      printOptionsPayload `json:"options"`
	CustomerName string              `json:"customerName"`
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

// OrderHandlers exposes the owner-facing order endpoints.
type OrderHandlers struct {
	authn       *auth.Authenticator
	orders      services.OrderService
	idempotency Middleware
}

// NewOrderHandlers constructs a new OrderHandlers instance. idempotency guards the mutating routes.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, idempotency Middleware) *OrderHandlers {
	return &OrderHandlers{
		authn:       authn,
		orders:      orders,
		idempotency: idempotency,
	}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(), observability.CaptureIdentity, identityRateLimit)
	}
	mutating := r.With(nonNil(h.idempotency)...)
	mutating.Post("/", h.createOrder)
	r.With(pagination.Middleware(pagination.Options{})).Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	mutating.Post("/{orderID}:cancel", h.cancelOrder)
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeUnavailable(ctx, w, "order service")
		return
	}
	identity, ok := requireIdentity(r)
	if !ok {
		writeUnauthenticated(ctx, w)
		return
	}

	var req createOrderRequest
	if !decodeJSONBody(w, r, maxOrderCreateBodySize, &req) {
		return
	}

	cmd := services.CreateDraftOrderCommand{
		UserID:   identity.UID,
		Email:    identity.Email,
		Name:     firstNonEmpty(req.CustomerName, identity.DisplayName()),
		UploadID: strings.TrimSpace(req.FileUploadID),
		Options:  req.Options.toDomain(),
		Locale:   requestLocale(r),
	}
	if req.FileRef != nil {
		file := req.FileRef.toDomain()
		cmd.File = &file
	}

	created, err := h.orders.CreateFromDraft(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	w.Header().Set("Location", "/api/v1/orders/"+created.Order.ID)
	httpx.WriteJSON(w, http.StatusCreated, checkoutOrderPayload{
		Order:    buildOrderPayload(created.Order, false),
		Quote:    buildQuotePayload(created.Quote),
		Checkout: buildCheckoutPayload(created.Checkout),
	})
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeUnavailable(ctx, w, "order service")
		return
	}
	identity, ok := requireIdentity(r)
	if !ok {
		writeUnauthenticated(ctx, w)
		return
	}

	params := pagination.FromContextOrDefault(ctx)
	page, err := h.orders.ListOrders(ctx, services.OrderListFilter{
		UserID:   identity.UID,
		Page:     params.Page,
		PageSize: params.PageSize,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildOrderListPayload(page, false))
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeUnavailable(ctx, w, "order service")
		return
	}
	identity, ok := requireIdentity(r)
	if !ok {
		writeUnauthenticated(ctx, w)
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		writeValidation(ctx, w, "order id is required")
		return
	}

	order, err := h.orders.GetOrder(ctx, orderID, services.OrderReadOptions{
		IncludePayments: true,
		IncludeHistory:  true,
		OwnerID:         identity.UID,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildOrderPayload(order, false))
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeUnavailable(ctx, w, "order service")
		return
	}
	identity, ok := requireIdentity(r)
	if !ok {
		writeUnauthenticated(ctx, w)
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		writeValidation(ctx, w, "order id is required")
		return
	}

	var req cancelOrderRequest
	if !decodeOptionalJSONBody(w, r, maxOrderCancelBodySize, &req) {
		return
	}

	cancelled, err := h.orders.Cancel(ctx, services.CancelOrderCommand{
		OrderID: orderID,
		UserID:  identity.UID,
		Reason:  strings.TrimSpace(req.Reason),
		Locale:  requestLocale(r),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildOrderPayload(cancelled, false))
}

type fileRefPayload struct {
	UploadID string `json:"uploadId,omitempty"`
	URL      string `json:"url"`
	Name     string `json:"name"`
	Type     string `json:"type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

func (p fileRefPayload) toDomain() domain.FileRef {
	return domain.FileRef{
		URL:  strings.TrimSpace(p.URL),
		Name: strings.TrimSpace(p.Name),
		Type: strings.TrimSpace(p.Type),
		Size: p.Size,
	}
}

type printOptionsPayload struct {
	Size     string `json:"size"`
	Paper    string `json:"paper"`
	Cutting  bool   `json:"cutting"`
	Quantity int    `json:"quantity"`
	Notes    string `json:"notes,omitempty"`
}

func (p printOptionsPayload) toDomain() domain.PrintOptions {
	return domain.PrintOptions{
		Size:     domain.PaperSize(strings.ToUpper(strings.TrimSpace(p.Size))),
		Paper:    domain.PaperGrade(strings.ToLower(strings.TrimSpace(p.Paper))),
		Cutting:  p.Cutting,
		Quantity: p.Quantity,
		Notes:    p.Notes,
	}
}

type orderPayload struct {
	ID                    string                `json:"id"`
	UserID                string                `json:"userId"`
	OwnerEmail            string                `json:"ownerEmail,omitempty"`
	File                  fileRefPayload        `json:"file"`
	Options               printOptionsPayload   `json:"options"`
	TotalAmount           int64                 `json:"totalAmount"`
	Status                string                `json:"status"`
	AdminNotes            *string               `json:"adminNotes,omitempty"`
	TrackingNumber        *string               `json:"trackingNumber,omitempty"`
	EstimatedDeliveryDate string                `json:"estimatedDeliveryDate,omitempty"`
	Version               int64                 `json:"version"`
	CreatedAt             string                `json:"createdAt"`
	UpdatedAt             string                `json:"updatedAt,omitempty"`
	Payments              []orderPaymentPayload `json:"payments,omitempty"`
	History               []orderHistoryPayload `json:"history,omitempty"`
}

type orderPaymentPayload struct {
	ID         string `json:"id"`
	Provider   string `json:"provider"`
	PaymentKey string `json:"paymentKey"`
	Amount     int64  `json:"amount"`
	Status     string `json:"status"`
	Method     string `json:"method,omitempty"`
	ApprovedAt string `json:"approvedAt,omitempty"`
	CreatedAt  string `json:"createdAt"`
}

type orderHistoryPayload struct {
	Status    string `json:"status"`
	Comment   string `json:"comment"`
	ActorID   string `json:"actorId,omitempty"`
	CreatedAt string `json:"createdAt"`
}

type orderListPayload struct {
	Items      []orderPayload  `json:"items"`
	Pagination pagination.Meta `json:"pagination"`
}

type quotePayload struct {
	Currency  string  `json:"currency"`
	BasePrice int64   `json:"basePrice"`
	PaperRate float64 `json:"paperRate"`
	Cutting   int64   `json:"cutting"`
	UnitPrice int64   `json:"unitPrice"`
	Quantity  int     `json:"quantity"`
	Total     int64   `json:"total"`
}

type checkoutPayload struct {
	OrderID       string `json:"orderId"`
	Amount        int64  `json:"amount"`
	OrderName     string `json:"orderName"`
	CustomerName  string `json:"customerName,omitempty"`
	CustomerEmail string `json:"customerEmail,omitempty"`
	SuccessURL    string `json:"successUrl"`
	FailURL       string `json:"failUrl"`
}

type checkoutOrderPayload struct {
	Order    orderPayload    `json:"order"`
	Quote    quotePayload    `json:"quote"`
	Checkout checkoutPayload `json:"checkout"`
}

// buildOrderPayload renders an order. Admin notes are only shown to admins.
func buildOrderPayload(order services.Order, admin bool) orderPayload {
	payload := orderPayload{
		ID:         order.ID,
		UserID:     order.UserID,
		OwnerEmail: order.OwnerEmail,
		File: fileRefPayload{
			UploadID: order.File.UploadID,
			URL:      order.File.URL,
			Name:     order.File.Name,
			Type:     order.File.Type,
			Size:     order.File.Size,
		},
		Options: printOptionsPayload{
			Size:     string(order.Options.Size),
			Paper:    string(order.Options.Paper),
			Cutting:  order.Options.Cutting,
			Quantity: order.Options.Quantity,
			Notes:    order.Options.Notes,
		},
		TotalAmount:           order.TotalAmount,
		Status:                string(order.Status),
		TrackingNumber:        cloneStringPointer(order.TrackingNumber),
		EstimatedDeliveryDate: formatTime(pointerTime(order.EstimatedDeliveryDate)),
		Version:               order.Version,
		CreatedAt:             formatTime(order.CreatedAt),
		UpdatedAt:             formatTime(order.UpdatedAt),
	}
	if admin {
		payload.AdminNotes = cloneStringPointer(order.AdminNotes)
	}
	for _, payment := range order.Payments {
		payload.Payments = append(payload.Payments, buildPaymentPayload(payment))
	}
	for _, entry := range order.History {
		payload.History = append(payload.History, orderHistoryPayload{
			Status:    string(entry.Status),
			Comment:   entry.Comment,
			ActorID:   entry.ActorID,
			CreatedAt: formatTime(entry.CreatedAt),
		})
	}
	return payload
}

func buildPaymentPayload(payment services.Payment) orderPaymentPayload {
	return orderPaymentPayload{
		ID:         payment.ID,
		Provider:   payment.Provider,
		PaymentKey: payment.PaymentKey,
		Amount:     payment.Amount,
		Status:     string(payment.Status),
		Method:     payment.Method,
		ApprovedAt: formatTime(pointerTime(payment.ApprovedAt)),
		CreatedAt:  formatTime(payment.CreatedAt),
	}
}

func buildOrderListPayload(page domain.OffsetPage[services.Order], admin bool) orderListPayload {
	items := make([]orderPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildOrderPayload(order, admin))
	}
	return orderListPayload{Items: items, Pagination: pagination.MetaFor(page)}
}

func buildQuotePayload(quote services.PriceQuote) quotePayload {
	return quotePayload{
		Currency:  quote.Currency,
		BasePrice: quote.BasePrice,
		PaperRate: quote.PaperRate,
		Cutting:   quote.Cutting,
		UnitPrice: quote.UnitPrice,
		Quantity:  quote.Quantity,
		Total:     quote.Total,
	}
}

func buildCheckoutPayload(checkout services.CheckoutRedirect) checkoutPayload {
	return checkoutPayload{
		OrderID:       checkout.OrderID,
		Amount:        checkout.Amount,
		OrderName:     checkout.OrderName,
		CustomerName:  checkout.CustomerName,
		CustomerEmail: checkout.CustomerEmail,
		SuccessURL:    checkout.SuccessURL,
		FailURL:       checkout.FailURL,
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func nonNil(mw ...Middleware) []Middleware {
	out := make([]Middleware, 0, len(mw))
	for _, m := range mw {
		if m != nil {
			out = append(out, m)
		}
	}
	return out
}
