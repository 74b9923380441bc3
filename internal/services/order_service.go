package services

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"

	domain "github.com/carawoo/mereal/internal/domain"
	"github.com/carawoo/mereal/internal/repositories"
)

const (
	orderIDPrefix = "ord_"

	defaultOrderPageSize = 20
	maxOrderPageSize     = 100
	maxAdminNotesLen     = 2000
	maxCommentLen        = 500
)

// CheckoutSettings builds the gateway redirect URLs handed to clients.
type CheckoutSettings struct {
	BaseURL     string
	SuccessPath string
	FailPath    string
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders     repositories.OrderRepository
	History    repositories.OrderStatusHistoryRepository
	Payments   repositories.PaymentRepository
	Uploads    repositories.FileUploadRepository
	UnitOfWork repositories.UnitOfWork
	Pricing    PricingEngine
	Checkout   CheckoutSettings
	// FileURL renders the public URL of an upload. Defaults to the GCS public endpoint.
	FileURL func(upload FileUpload) string
	// Location is the business timezone used for "today" in statistics. Defaults to UTC.
	Location    *time.Location
	Clock       func() time.Time
	IDGenerator func() string
	Events      OrderEventPublisher
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders    repositories.OrderRepository
	history   repositories.OrderStatusHistoryRepository
	payments  repositories.PaymentRepository
	uploads   repositories.FileUploadRepository
	unit      repositories.UnitOfWork
	pricing   PricingEngine
	checkout  CheckoutSettings
	fileURL   func(FileUpload) string
	location  *time.Location
	clock     func() time.Time
	newID     func() string
	events    OrderEventPublisher
	logger    func(context.Context, string, map[string]any)
	machine   *orderStateMachine
	messages  *orderMessages
	sanitizer *bluemonday.Policy
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.History == nil {
		return nil, errors.New("order service: history repository is required")
	}
	if deps.Pricing == nil {
		return nil, errors.New("order service: pricing engine is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	location := deps.Location
	if location == nil {
		location = time.UTC
	}
	fileURL := deps.FileURL
	if fileURL == nil {
		fileURL = func(upload FileUpload) string {
			return "https://storage.googleapis.com/" + upload.Bucket + "/" + upload.ObjectPath
		}
	}

	svc := &orderService{
		orders:    deps.Orders,
		history:   deps.History,
		payments:  deps.Payments,
		uploads:   deps.Uploads,
		unit:      unit,
		pricing:   deps.Pricing,
		checkout:  deps.Checkout,
		fileURL:   fileURL,
		location:  location,
		clock:     func() time.Time { return clock().UTC() },
		newID:     idGen,
		events:    deps.Events,
		logger:    logger,
		messages:  newOrderMessages(),
		sanitizer: bluemonday.StrictPolicy(),
	}
	svc.machine = &orderStateMachine{
		orders:  deps.Orders,
		history: deps.History,
		unit:    unit,
		clock:   svc.clock,
		newID:   idGen,
	}
	return svc, nil
}

func (s *orderService) CreateFromDraft(ctx context.Context, cmd CreateDraftOrderCommand) (CheckoutOrder, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return CheckoutOrder{}, fmt.Errorf("%w: user id is required", ErrValidation)
	}

	options := cmd.Options
	options.Notes = s.sanitize(options.Notes)
	quote, err := s.pricing.Quote(options)
	if err != nil {
		return CheckoutOrder{}, err
	}

	now := s.clock()
	file, uploadID, err := s.resolveFile(ctx, userID, cmd, now)
	if err != nil {
		return CheckoutOrder{}, err
	}

	order := Order{
		ID:          orderIDPrefix + s.newID(),
		UserID:      userID,
		OwnerEmail:  strings.TrimSpace(cmd.Email),
		File:        file,
		Options:     options,
		TotalAmount: quote.Total,
		Status:      domain.OrderStatusPending,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	entry := OrderStatusHistory{
		ID:        historyIDPrefix + s.newID(),
		OrderID:   order.ID,
		Status:    domain.OrderStatusPending,
		Comment:   s.messages.statusComment(cmd.Locale, domain.OrderStatusPending),
		ActorID:   userID,
		CreatedAt: now,
	}

	err = s.unit.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.orders.Insert(txCtx, order); err != nil {
			return mapRepositoryError("order.insert", err)
		}
		if err := s.history.Append(txCtx, entry); err != nil {
			return mapRepositoryError("order.history.append", err)
		}
		if uploadID != "" {
			if err := s.uploads.AttachToOrder(txCtx, uploadID, order.ID); err != nil {
				return mapRepositoryError("upload.attach", err)
			}
		}
		return nil
	})
	if err != nil {
		if !isServiceError(err) {
			err = mapRepositoryError("order.create", err)
		}
		return CheckoutOrder{}, err
	}
	order.History = []OrderStatusHistory{entry}

	publishOrderEvent(ctx, s.events, s.logger, OrderEvent{
		Type:       OrderEventCreated,
		OrderID:    order.ID,
		UserID:     userID,
		Status:     string(order.Status),
		ActorID:    userID,
		Amount:     order.TotalAmount,
		OccurredAt: now,
	})

	return CheckoutOrder{
		Order:    order,
		Quote:    quote,
		Checkout: s.checkoutRedirect(order, strings.TrimSpace(cmd.Name), cmd.Locale),
	}, nil
}

func (s *orderService) resolveFile(ctx context.Context, userID string, cmd CreateDraftOrderCommand, now time.Time) (FileRef, string, error) {
	uploadID := strings.TrimSpace(cmd.UploadID)
	if uploadID == "" {
		if cmd.File == nil {
			return FileRef{}, "", fmt.Errorf("%w: fileUploadId or fileRef is required", ErrValidation)
		}
		file := *cmd.File
		file.URL = strings.TrimSpace(file.URL)
		file.Name = strings.TrimSpace(file.Name)
		if file.URL == "" || file.Name == "" {
			return FileRef{}, "", fmt.Errorf("%w: file url and name are required", ErrValidation)
		}
		if parsed, err := url.Parse(file.URL); err != nil || (parsed.Scheme != "https" && parsed.Scheme != "http") {
			return FileRef{}, "", fmt.Errorf("%w: file url must be http(s)", ErrValidation)
		}
		if file.Size < 0 {
			return FileRef{}, "", fmt.Errorf("%w: file size must not be negative", ErrValidation)
		}
		file.UploadID = ""
		return file, "", nil
	}

	if s.uploads == nil {
		return FileRef{}, "", fmt.Errorf("%w: uploads are not configured", ErrValidation)
	}
	upload, err := s.uploads.FindByID(ctx, uploadID)
	if err != nil {
		return FileRef{}, "", mapRepositoryError("upload.get", err)
	}
	if upload.UserID != userID {
		return FileRef{}, "", fmt.Errorf("%w: upload %s belongs to another user", ErrForbidden, uploadID)
	}
	if upload.OrderID != nil {
		return FileRef{}, "", fmt.Errorf("%w: upload %s is already attached to an order", ErrConflict, uploadID)
	}
	if !upload.ExpiresAt.After(now) {
		return FileRef{}, "", fmt.Errorf("%w: upload %s has expired", ErrValidation, uploadID)
	}
	return FileRef{
		UploadID: upload.ID,
		URL:      s.fileURL(upload),
		Name:     upload.FileName,
		Type:     upload.ContentType,
		Size:     upload.Size,
	}, upload.ID, nil
}

func (s *orderService) checkoutRedirect(order Order, customerName, locale string) CheckoutRedirect {
	base := strings.TrimRight(s.checkout.BaseURL, "/")
	return CheckoutRedirect{
		OrderID:       order.ID,
		Amount:        order.TotalAmount,
		OrderName:     s.messages.text(locale, msgOrderName, order.File.Name, string(order.Options.Size), order.Options.Quantity),
		CustomerName:  customerName,
		CustomerEmail: order.OwnerEmail,
		SuccessURL:    base + s.checkout.SuccessPath,
		FailURL:       base + s.checkout.FailPath,
	}
}

func (s *orderService) GetOrder(ctx context.Context, orderID string, opts OrderReadOptions) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrValidation)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapRepositoryError("order.get", err)
	}
	if owner := strings.TrimSpace(opts.OwnerID); owner != "" && order.UserID != owner {
		return Order{}, fmt.Errorf("%w: order %s belongs to another user", ErrForbidden, orderID)
	}
	if opts.IncludePayments && s.payments != nil {
		payments, err := s.payments.ListByOrder(ctx, orderID)
		if err != nil {
			return Order{}, mapRepositoryError("order.payments.list", err)
		}
		order.Payments = payments
	}
	if opts.IncludeHistory {
		history, err := s.history.ListByOrder(ctx, orderID)
		if err != nil {
			return Order{}, mapRepositoryError("order.history.list", err)
		}
		order.History = history
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.OffsetPage[Order], error) {
	if filter.Status != nil && !filter.Status.Valid() {
		return domain.OffsetPage[Order]{}, fmt.Errorf("%w: unknown status %q", ErrValidation, *filter.Status)
	}
	if filter.DateFrom != nil && filter.DateTo != nil && filter.DateFrom.After(*filter.DateTo) {
		return domain.OffsetPage[Order]{}, fmt.Errorf("%w: dateFrom must not be after dateTo", ErrValidation)
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	switch {
	case size <= 0:
		size = defaultOrderPageSize
	case size > maxOrderPageSize:
		size = maxOrderPageSize
	}

	result, err := s.orders.List(ctx, repositories.OrderListFilter{
		UserID:     strings.TrimSpace(filter.UserID),
		Status:     filter.Status,
		DateRange:  domain.RangeQuery[time.Time]{From: filter.DateFrom, To: filter.DateTo},
		SearchTerm: strings.TrimSpace(filter.SearchTerm),
		Page:       page,
		PageSize:   size,
	})
	if err != nil {
		return domain.OffsetPage[Order]{}, mapRepositoryError("order.list", err)
	}
	return result, nil
}

func (s *orderService) TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrValidation)
	}
	if !cmd.TargetStatus.Valid() {
		return Order{}, fmt.Errorf("%w: unknown status %q", ErrValidation, cmd.TargetStatus)
	}
	comment, err := s.comment(cmd.Comment)
	if err != nil {
		return Order{}, err
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapRepositoryError("order.get", err)
	}
	if cmd.ExpectedVersion != nil && *cmd.ExpectedVersion != order.Version {
		return Order{}, fmt.Errorf("%w: expected version %d but was %d", ErrConflict, *cmd.ExpectedVersion, order.Version)
	}
	if comment == "" {
		comment = s.messages.statusComment(cmd.Locale, cmd.TargetStatus)
	}

	updated, _, err := s.machine.apply(ctx, orderTransition{
		order:                 order,
		target:                cmd.TargetStatus,
		comment:               comment,
		actorID:               strings.TrimSpace(cmd.ActorID),
		trackingNumber:        trimmedPtr(cmd.TrackingNumber),
		estimatedDeliveryDate: cmd.EstimatedDeliveryDate,
	})
	if err != nil {
		return Order{}, err
	}

	eventType := OrderEventStatusChanged
	if updated.Status == domain.OrderStatusCancelled {
		eventType = OrderEventCancelled
	}
	publishOrderEvent(ctx, s.events, s.logger, OrderEvent{
		Type:           eventType,
		OrderID:        updated.ID,
		UserID:         updated.UserID,
		PreviousStatus: string(order.Status),
		Status:         string(updated.Status),
		ActorID:        strings.TrimSpace(cmd.ActorID),
		Amount:         updated.TotalAmount,
		OccurredAt:     updated.UpdatedAt,
	})
	return updated, nil
}

func (s *orderService) Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	userID := strings.TrimSpace(cmd.UserID)
	if orderID == "" || userID == "" {
		return Order{}, fmt.Errorf("%w: order id and user id are required", ErrValidation)
	}
	reason, err := s.comment(cmd.Reason)
	if err != nil {
		return Order{}, err
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapRepositoryError("order.get", err)
	}
	if order.UserID != userID {
		return Order{}, fmt.Errorf("%w: order %s belongs to another user", ErrForbidden, orderID)
	}
	if order.Status != domain.OrderStatusPending {
		return Order{}, fmt.Errorf("%w: only pending orders can be cancelled by their owner", ErrInvalidTransition)
	}

	comment := s.messages.statusComment(cmd.Locale, domain.OrderStatusCancelled)
	if reason != "" {
		comment = s.messages.text(cmd.Locale, msgCancelledWithCause, reason)
	}
	updated, _, err := s.machine.apply(ctx, orderTransition{
		order:   order,
		target:  domain.OrderStatusCancelled,
		comment: comment,
		actorID: userID,
	})
	if err != nil {
		return Order{}, err
	}

	publishOrderEvent(ctx, s.events, s.logger, OrderEvent{
		Type:           OrderEventCancelled,
		OrderID:        updated.ID,
		UserID:         updated.UserID,
		PreviousStatus: string(order.Status),
		Status:         string(updated.Status),
		ActorID:        userID,
		Amount:         updated.TotalAmount,
		OccurredAt:     updated.UpdatedAt,
	})
	return updated, nil
}

// UpdateNotes replaces the admin notes and records the edit in the history under the current status.
func (s *orderService) UpdateNotes(ctx context.Context, cmd UpdateOrderNotesCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrValidation)
	}
	var notes *string
	if cmd.Notes != nil {
		cleaned := s.sanitize(*cmd.Notes)
		if utf8.RuneCountInString(cleaned) > maxAdminNotesLen {
			return Order{}, fmt.Errorf("%w: admin notes must be at most %d characters", ErrValidation, maxAdminNotesLen)
		}
		if cleaned != "" {
			notes = &cleaned
		}
	}

	now := s.clock()
	var updated Order
	err := s.unit.RunInTx(ctx, func(txCtx context.Context) error {
		saved, err := s.orders.UpdateNotes(txCtx, orderID, notes, now)
		if err != nil {
			return mapRepositoryError("order.updateNotes", err)
		}
		if err := s.history.Append(txCtx, OrderStatusHistory{
			ID:        historyIDPrefix + s.newID(),
			OrderID:   saved.ID,
			Status:    saved.Status,
			Comment:   s.messages.text(cmd.Locale, msgAdminNotesUpdated),
			ActorID:   strings.TrimSpace(cmd.ActorID),
			CreatedAt: now,
		}); err != nil {
			return mapRepositoryError("order.history.append", err)
		}
		updated = saved
		return nil
	})
	if err != nil {
		if !isServiceError(err) {
			err = mapRepositoryError("order.updateNotes", err)
		}
		return Order{}, err
	}
	return updated, nil
}

func (s *orderService) Stats(ctx context.Context) (OrderStats, error) {
	stats, err := s.orders.Stats(ctx, s.clock().In(s.location))
	if err != nil {
		return OrderStats{}, mapRepositoryError("order.stats", err)
	}
	return stats, nil
}

func (s *orderService) comment(raw string) (string, error) {
	cleaned := s.sanitize(raw)
	if utf8.RuneCountInString(cleaned) > maxCommentLen {
		return "", fmt.Errorf("%w: comment must be at most %d characters", ErrValidation, maxCommentLen)
	}
	return cleaned, nil
}

// sanitize strips markup from free text while keeping the literal characters.
func (s *orderService) sanitize(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(s.sanitizer.Sanitize(trimmed)))
}

func trimmedPtr(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
