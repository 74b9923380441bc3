package services

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	domain "github.com/carawoo/mereal/internal/domain"
	"github.com/carawoo/mereal/internal/repositories"
)

type stubRepoError struct {
	msg      string
	notFound bool
	conflict bool
}

func (e stubRepoError) Error() string       { return e.msg }
func (e stubRepoError) IsNotFound() bool    { return e.notFound }
func (e stubRepoError) IsConflict() bool    { return e.conflict }
func (e stubRepoError) IsUnavailable() bool { return !e.notFound && !e.conflict }

// memoryStore backs every repository with maps and rolls all of them back when a transaction fails.
type memoryStore struct {
	mu       sync.Mutex
	orders   map[string]Order
	payments []Payment
	history  []OrderStatusHistory
	uploads  map[string]FileUpload
	admins   map[string]AdminUser

	// failures injected per operation name, e.g. "payments.insert".
	failures map[string]error
	calls    map[string]int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		orders:   map[string]Order{},
		uploads:  map[string]FileUpload{},
		admins:   map[string]AdminUser{},
		failures: map[string]error{},
		calls:    map[string]int{},
	}
}

func (m *memoryStore) hit(op string) error {
	m.calls[op]++
	return m.failures[op]
}

func (m *memoryStore) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	m.mu.Lock()
	orders := maps.Clone(m.orders)
	payments := slices.Clone(m.payments)
	history := slices.Clone(m.history)
	uploads := maps.Clone(m.uploads)
	m.mu.Unlock()

	if err := fn(ctx); err != nil {
		m.mu.Lock()
		m.orders, m.payments, m.history, m.uploads = orders, payments, history, uploads
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *memoryStore) putOrder(order Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[order.ID] = order
}

func (m *memoryStore) order(id string) Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orders[id]
}

func (m *memoryStore) historyFor(orderID string) []OrderStatusHistory {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []OrderStatusHistory
	for _, entry := range m.history {
		if entry.OrderID == orderID {
			out = append(out, entry)
		}
	}
	return out
}

func (m *memoryStore) paymentsFor(orderID string) []Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Payment
	for _, payment := range m.payments {
		if payment.OrderID == orderID {
			out = append(out, payment)
		}
	}
	return out
}

type memOrders struct{ *memoryStore }

func (r memOrders) Insert(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.hit("orders.insert"); err != nil {
		return err
	}
	if _, exists := r.orders[order.ID]; exists {
		return stubRepoError{msg: "duplicate order", conflict: true}
	}
	r.orders[order.ID] = order
	return nil
}

func (r memOrders) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.hit("orders.get"); err != nil {
		return domain.Order{}, err
	}
	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, stubRepoError{msg: "order not found", notFound: true}
	}
	return order, nil
}

func (r memOrders) List(_ context.Context, filter repositories.OrderListFilter) (domain.OffsetPage[domain.Order], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.hit("orders.list"); err != nil {
		return domain.OffsetPage[domain.Order]{}, err
	}
	var matched []domain.Order
	for _, order := range r.orders {
		if filter.UserID != "" && order.UserID != filter.UserID {
			continue
		}
		if filter.Status != nil && order.Status != *filter.Status {
			continue
		}
		if term := strings.ToLower(filter.SearchTerm); term != "" &&
			!strings.Contains(strings.ToLower(order.File.Name), term) &&
			!strings.Contains(strings.ToLower(order.OwnerEmail), term) {
			continue
		}
		matched = append(matched, order)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	page := domain.OffsetPage[domain.Order]{Total: len(matched), Page: filter.Page, PageSize: filter.PageSize}
	start := (filter.Page - 1) * filter.PageSize
	if start < len(matched) {
		end := min(start+filter.PageSize, len(matched))
		page.Items = matched[start:end]
	}
	return page, nil
}

func (r memOrders) UpdateStatus(_ context.Context, update repositories.OrderStatusUpdate) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.hit("orders.updateStatus"); err != nil {
		return domain.Order{}, err
	}
	order, ok := r.orders[update.OrderID]
	if !ok {
		return domain.Order{}, stubRepoError{msg: "order not found", notFound: true}
	}
	if order.Version != update.ExpectedVersion {
		return domain.Order{}, stubRepoError{msg: "version mismatch", conflict: true}
	}
	order.Status = update.Status
	if update.TrackingNumber != nil {
		order.TrackingNumber = update.TrackingNumber
	}
	if update.EstimatedDeliveryDate != nil {
		order.EstimatedDeliveryDate = update.EstimatedDeliveryDate
	}
	order.Version++
	order.UpdatedAt = update.UpdatedAt
	r.orders[order.ID] = order
	return order, nil
}

func (r memOrders) UpdateNotes(_ context.Context, orderID string, notes *string, updatedAt time.Time) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.hit("orders.updateNotes"); err != nil {
		return domain.Order{}, err
	}
	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, stubRepoError{msg: "order not found", notFound: true}
	}
	order.AdminNotes = notes
	order.UpdatedAt = updatedAt
	r.orders[orderID] = order
	return order, nil
}

func (r memOrders) Stats(_ context.Context, now time.Time) (domain.OrderStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.hit("orders.stats"); err != nil {
		return domain.OrderStats{}, err
	}
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	weekStart := dayStart.AddDate(0, 0, -6)
	stats := domain.OrderStats{ByStatus: map[domain.OrderStatus]int64{}}
	for _, order := range r.orders {
		stats.Total++
		stats.ByStatus[order.Status]++
		if !order.CreatedAt.Before(dayStart) {
			stats.TodayOrders++
		}
		if order.Status == domain.OrderStatusCompleted && !order.CreatedAt.Before(weekStart) {
			stats.WeekRevenue += order.TotalAmount
		}
	}
	return stats, nil
}

type memPayments struct{ *memoryStore }

func (r memPayments) Insert(_ context.Context, payment domain.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.hit("payments.insert"); err != nil {
		return err
	}
	for _, existing := range r.payments {
		if existing.PaymentKey == payment.PaymentKey {
			return stubRepoError{msg: "duplicate payment key", conflict: true}
		}
	}
	r.payments = append(r.payments, payment)
	return nil
}

func (r memPayments) FindByPaymentKey(_ context.Context, paymentKey string) (domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, payment := range r.payments {
		if payment.PaymentKey == paymentKey {
			return payment, nil
		}
	}
	return domain.Payment{}, stubRepoError{msg: "payment not found", notFound: true}
}

func (r memPayments) ListByOrder(_ context.Context, orderID string) ([]domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.hit("payments.list"); err != nil {
		return nil, err
	}
	var out []domain.Payment
	for _, payment := range r.payments {
		if payment.OrderID == orderID {
			out = append(out, payment)
		}
	}
	return out, nil
}

type memHistory struct{ *memoryStore }

func (r memHistory) Append(_ context.Context, entry domain.OrderStatusHistory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.hit("history.append"); err != nil {
		return err
	}
	r.history = append(r.history, entry)
	return nil
}

func (r memHistory) ListByOrder(_ context.Context, orderID string) ([]domain.OrderStatusHistory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.OrderStatusHistory
	for _, entry := range r.history {
		if entry.OrderID == orderID {
			out = append(out, entry)
		}
	}
	return out, nil
}

type memUploads struct{ *memoryStore }

func (r memUploads) Insert(_ context.Context, upload domain.FileUpload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.hit("uploads.insert"); err != nil {
		return err
	}
	r.uploads[upload.ID] = upload
	return nil
}

func (r memUploads) FindByID(_ context.Context, uploadID string) (domain.FileUpload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	upload, ok := r.uploads[uploadID]
	if !ok {
		return domain.FileUpload{}, stubRepoError{msg: "upload not found", notFound: true}
	}
	return upload, nil
}

func (r memUploads) AttachToOrder(_ context.Context, uploadID, orderID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.hit("uploads.attach"); err != nil {
		return err
	}
	upload, ok := r.uploads[uploadID]
	if !ok {
		return stubRepoError{msg: "upload not found", notFound: true}
	}
	if upload.OrderID != nil && *upload.OrderID != orderID {
		return stubRepoError{msg: "upload attached elsewhere", conflict: true}
	}
	upload.OrderID = &orderID
	r.uploads[uploadID] = upload
	return nil
}

func (r memUploads) ListExpired(_ context.Context, now time.Time, limit int) ([]domain.FileUpload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.hit("uploads.expired"); err != nil {
		return nil, err
	}
	var out []domain.FileUpload
	for _, upload := range r.uploads {
		if upload.OrderID == nil && !upload.ExpiresAt.After(now) {
			out = append(out, upload)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r memUploads) Delete(_ context.Context, uploadID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.hit("uploads.delete:" + uploadID); err != nil {
		return err
	}
	if _, ok := r.uploads[uploadID]; !ok {
		return stubRepoError{msg: "upload not found", notFound: true}
	}
	delete(r.uploads, uploadID)
	return nil
}

type memAdmins struct{ *memoryStore }

func (r memAdmins) FindByUserID(_ context.Context, userID string) (domain.AdminUser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.hit("admins.get"); err != nil {
		return domain.AdminUser{}, err
	}
	admin, ok := r.admins[userID]
	if !ok {
		return domain.AdminUser{}, stubRepoError{msg: "admin not found", notFound: true}
	}
	return admin, nil
}

func (r memAdmins) Upsert(_ context.Context, admin domain.AdminUser) (domain.AdminUser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.hit("admins.upsert"); err != nil {
		return domain.AdminUser{}, err
	}
	if existing, ok := r.admins[admin.UserID]; ok {
		admin.CreatedAt = existing.CreatedAt
	}
	r.admins[admin.UserID] = admin
	return admin, nil
}

func (r memAdmins) Delete(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.admins[userID]; !ok {
		return stubRepoError{msg: "admin not found", notFound: true}
	}
	delete(r.admins, userID)
	return nil
}

func (r memAdmins) List(_ context.Context) ([]domain.AdminUser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.AdminUser, 0, len(r.admins))
	for _, admin := range r.admins {
		out = append(out, admin)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func sequentialIDs(prefix string) func() string {
	var (
		mu sync.Mutex
		n  int
	)
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s%03d", prefix, n)
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []OrderEvent
	err    error
}

func (p *recordingPublisher) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, event := range p.events {
		out[i] = event.Type
	}
	return out
}
