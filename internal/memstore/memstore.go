// Package memstore хранилище в памяти процесса для STORAGE_DRIVER=memory и тестов.
//
// Ограничения те же, что у postgres: одна подписка на пользователя, уникальный
// external_id платежа, условная смена статуса. Транзакции выполняются строго по
// одной; при ошибке состояние откатывается к снимку, сделанному на входе.
// Записи вне транзакции ждут её окончания, чтобы откат их не затёр.
// Чтение не блокируется и видит незафиксированные изменения.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ChatAssist-bot/internal/db"
	"ChatAssist-bot/internal/tariff"
)

type state struct {
	nextUserID uint
	nextSubID  uint
	nextPayID  uint
	users      map[uint]db.User
	byTelegram map[int64]uint
	subs       map[uint]db.Subscription // по user id
	payments   map[string]db.Payment    // по external id
	requests   []db.RequestLog          // id = индекс + 1
}

func newState() *state {
	return &state{
		users:      make(map[uint]db.User),
		byTelegram: make(map[int64]uint),
		subs:       make(map[uint]db.Subscription),
		payments:   make(map[string]db.Payment),
	}
}

func (s *state) clone() *state {
	c := &state{
		nextUserID: s.nextUserID,
		nextSubID:  s.nextSubID,
		nextPayID:  s.nextPayID,
		users:      make(map[uint]db.User, len(s.users)),
		byTelegram: make(map[int64]uint, len(s.byTelegram)),
		subs:       make(map[uint]db.Subscription, len(s.subs)),
		payments:   make(map[string]db.Payment, len(s.payments)),
		requests:   make([]db.RequestLog, len(s.requests)),
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.byTelegram {
		c.byTelegram[k] = v
	}
	for k, v := range s.subs {
		c.subs[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	copy(c.requests, s.requests)
	return c
}

// Store потокобезопасное хранилище в памяти.
type Store struct {
	c    *core
	inTx bool
}

type core struct {
	mu sync.Mutex
	// txMu держат транзакция целиком и каждая запись вне транзакции,
	// поэтому между снимком и откатом никто посторонний не пишет.
	txMu sync.Mutex
	st   *state
}

var _ db.Backend = (*Store)(nil)

func New() *Store {
	return &Store{c: &core{st: newState()}}
}

// Transaction выполняет fn над тем же хранилищем и откатывает его к снимку при ошибке.
// Вложенный вызов работает как точка сохранения: откатывается только его часть.
func (s *Store) Transaction(_ context.Context, fn func(tx db.Repository) error) error {
	if s.inTx {
		return s.withSnapshot(func() error { return fn(s) })
	}
	s.c.txMu.Lock()
	defer s.c.txMu.Unlock()
	return s.withSnapshot(func() error { return fn(&Store{c: s.c, inTx: true}) })
}

func (s *Store) withSnapshot(fn func() error) error {
	s.c.mu.Lock()
	snapshot := s.c.st.clone()
	s.c.mu.Unlock()

	if err := fn(); err != nil {
		s.c.mu.Lock()
		s.c.st = snapshot
		s.c.mu.Unlock()
		return err
	}
	return nil
}

func (s *Store) read() func() {
	s.c.mu.Lock()
	return s.c.mu.Unlock
}

// write ждёт окончания открытой транзакции, если вызван не из неё.
func (s *Store) write() func() {
	if !s.inTx {
		s.c.txMu.Lock()
	}
	s.c.mu.Lock()
	return func() {
		s.c.mu.Unlock()
		if !s.inTx {
			s.c.txMu.Unlock()
		}
	}
}

func notFound(op string) error {
	return fmt.Errorf("%s: %w", op, db.ErrNotFound)
}

// --- пользователи ---

func (s *Store) EnsureUser(_ context.Context, p db.Profile) (uint, error) {
	defer s.write()()
	if id, ok := s.c.st.byTelegram[p.TelegramID]; ok {
		return id, nil
	}
	s.c.st.nextUserID++
	u := db.User{
		ID:           s.c.st.nextUserID,
		TelegramID:   p.TelegramID,
		Username:     p.Username,
		FirstName:    p.FirstName,
		LastName:     p.LastName,
		RegisteredAt: p.SeenAt,
	}
	s.c.st.users[u.ID] = u
	s.c.st.byTelegram[u.TelegramID] = u.ID
	return u.ID, nil
}

func (s *Store) FindUserByTelegramID(_ context.Context, telegramID int64) (*db.User, error) {
	defer s.read()()
	id, ok := s.c.st.byTelegram[telegramID]
	if !ok {
		return nil, notFound("memstore.FindUserByTelegramID")
	}
	u := s.c.st.users[id]
	return &u, nil
}

func (s *Store) GetUser(_ context.Context, id uint) (*db.User, error) {
	defer s.read()()
	u, ok := s.c.st.users[id]
	if !ok {
		return nil, notFound("memstore.GetUser")
	}
	return &u, nil
}

// --- подписки ---

func (s *Store) GetSubscription(_ context.Context, userID uint) (*db.Subscription, error) {
	defer s.read()()
	sub, ok := s.c.st.subs[userID]
	if !ok {
		return nil, notFound("memstore.GetSubscription")
	}
	return &sub, nil
}

func (s *Store) SaveSubscription(_ context.Context, sub *db.Subscription) error {
	const op = "memstore.SaveSubscription"
	defer s.write()()
	existing, exists := s.c.st.subs[sub.UserID]
	if sub.ID == 0 {
		if exists {
			return fmt.Errorf("%s: user %d: %w", op, sub.UserID, db.ErrDuplicate)
		}
		s.c.st.nextSubID++
		sub.ID = s.c.st.nextSubID
	} else if !exists || existing.ID != sub.ID {
		return notFound(op)
	}
	s.c.st.subs[sub.UserID] = *sub
	return nil
}

// --- платежи ---

func (s *Store) CreatePayment(_ context.Context, p *db.Payment) error {
	defer s.write()()
	if _, ok := s.c.st.payments[p.ExternalID]; ok {
		return fmt.Errorf("memstore.CreatePayment: %q: %w", p.ExternalID, db.ErrDuplicate)
	}
	s.c.st.nextPayID++
	p.ID = s.c.st.nextPayID
	s.c.st.payments[p.ExternalID] = *p
	return nil
}

func (s *Store) FindPaymentByExternalID(_ context.Context, externalID string) (*db.Payment, error) {
	defer s.read()()
	p, ok := s.c.st.payments[externalID]
	if !ok {
		return nil, notFound("memstore.FindPaymentByExternalID")
	}
	return &p, nil
}

func (s *Store) TransitionPayment(_ context.Context, externalID string, from, to db.PaymentStatus, at time.Time) (bool, error) {
	defer s.write()()
	p, ok := s.c.st.payments[externalID]
	if !ok || p.Status != from {
		return false, nil
	}
	p.Status = to
	p.UpdatedAt = at
	s.c.st.payments[externalID] = p
	return true, nil
}

// --- журнал запросов ---

func (s *Store) AppendRequest(_ context.Context, r *db.RequestLog) error {
	defer s.write()()
	r.ID = uint(len(s.c.st.requests) + 1)
	s.c.st.requests = append(s.c.st.requests, *r)
	return nil
}

func (s *Store) CompleteRequest(_ context.Context, id uint, status db.RequestStatus, response string, elapsed time.Duration) error {
	const op = "memstore.CompleteRequest"
	defer s.write()()
	if id == 0 || int(id) > len(s.c.st.requests) {
		return notFound(op)
	}
	r := &s.c.st.requests[id-1]
	if r.Status != db.RequestProcessing {
		return fmt.Errorf("%s: request %d is not processing: %w", op, id, db.ErrNotFound)
	}
	ms := elapsed.Milliseconds()
	r.Status = status
	r.ResponseText = response
	r.ProcessTimeMs = &ms
	return nil
}

func (s *Store) CountRequests(_ context.Context, userID uint, from, to time.Time) (int64, error) {
	defer s.read()()
	var n int64
	for _, r := range s.c.st.requests {
		if r.UserID == userID && inRange(r.RequestTime, from, to) {
			n++
		}
	}
	return n, nil
}

// Request возвращает копию записи журнала, для тестов и отладки.
func (s *Store) Request(id uint) (db.RequestLog, bool) {
	defer s.read()()
	if id == 0 || int(id) > len(s.c.st.requests) {
		return db.RequestLog{}, false
	}
	return s.c.st.requests[id-1], true
}

func inRange(t, from, to time.Time) bool {
	return !t.Before(from) && t.Before(to)
}

// --- отчёты ---

func (s *Store) CountUsers(_ context.Context) (int64, error) {
	defer s.read()()
	return int64(len(s.c.st.users)), nil
}

func (s *Store) ListUsers(_ context.Context, offset, limit int) ([]db.User, error) {
	defer s.read()()
	users := make([]db.User, 0, len(s.c.st.users))
	for _, u := range s.c.st.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return page(users, offset, limit), nil
}

func (s *Store) CountActiveSubscriptions(_ context.Context, now time.Time) (int64, error) {
	defer s.read()()
	var n int64
	for _, sub := range s.c.st.subs {
		if sub.EndTime.After(now) {
			n++
		}
	}
	return n, nil
}

func (s *Store) CountActiveByPlan(_ context.Context, now time.Time) (map[tariff.Key]int64, error) {
	defer s.read()()
	out := make(map[tariff.Key]int64)
	for _, sub := range s.c.st.subs {
		if sub.EndTime.After(now) {
			out[sub.Plan]++
		}
	}
	return out, nil
}

func (s *Store) ListExpiringSubscriptions(_ context.Context, now, until time.Time) ([]db.Subscription, error) {
	defer s.read()()
	var out []db.Subscription
	for _, sub := range s.c.st.subs {
		if !sub.EndTime.After(now) || sub.EndTime.After(until) {
			continue
		}
		if sub.NotifiedEndTime != nil && sub.NotifiedEndTime.Equal(sub.EndTime) {
			continue
		}
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndTime.Before(out[j].EndTime) })
	return out, nil
}

func (s *Store) MarkExpiryNotified(_ context.Context, subscriptionID uint, endTime time.Time) error {
	defer s.write()()
	for uid, sub := range s.c.st.subs {
		if sub.ID == subscriptionID && sub.EndTime.Equal(endTime) {
			t := endTime
			sub.NotifiedEndTime = &t
			s.c.st.subs[uid] = sub
		}
	}
	return nil
}

func (s *Store) CountRequestsBetween(_ context.Context, from, to time.Time) (int64, error) {
	defer s.read()()
	var n int64
	for _, r := range s.c.st.requests {
		if inRange(r.RequestTime, from, to) {
			n++
		}
	}
	return n, nil
}

func (s *Store) CountErrorsSince(_ context.Context, since time.Time) (int64, error) {
	defer s.read()()
	var n int64
	for _, r := range s.c.st.requests {
		if r.Status == db.RequestError && !r.RequestTime.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *Store) ListRecentErrors(_ context.Context, limit int) ([]db.RequestLog, error) {
	return s.listRequests(limit, func(r db.RequestLog) bool { return r.Status == db.RequestError }), nil
}

func (s *Store) ListUserRequests(_ context.Context, userID uint, limit int) ([]db.RequestLog, error) {
	return s.listRequests(limit, func(r db.RequestLog) bool { return r.UserID == userID }), nil
}

func (s *Store) listRequests(limit int, keep func(db.RequestLog) bool) []db.RequestLog {
	defer s.read()()
	var out []db.RequestLog
	for i := len(s.c.st.requests) - 1; i >= 0; i-- {
		if keep(s.c.st.requests[i]) {
			out = append(out, s.c.st.requests[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RequestTime.After(out[j].RequestTime) })
	return page(out, 0, limit)
}

func (s *Store) CountPaymentsByStatus(_ context.Context, status db.PaymentStatus) (int64, error) {
	defer s.read()()
	var n int64
	for _, p := range s.c.st.payments {
		if p.Status == status {
			n++
		}
	}
	return n, nil
}

func (s *Store) SumPayments(_ context.Context, status db.PaymentStatus, from, to time.Time) (int64, error) {
	defer s.read()()
	var sum int64
	for _, p := range s.c.st.payments {
		if p.Status == status && inRange(p.CreatedAt, from, to) {
			sum += p.AmountMinor
		}
	}
	return sum, nil
}

func (s *Store) ListPayments(_ context.Context, from, to time.Time, limit int) ([]db.Payment, error) {
	return s.listPayments(limit, func(p db.Payment) bool { return inRange(p.CreatedAt, from, to) }), nil
}

func (s *Store) ListUserPayments(_ context.Context, userID uint, limit int) ([]db.Payment, error) {
	return s.listPayments(limit, func(p db.Payment) bool { return p.UserID == userID }), nil
}

func (s *Store) listPayments(limit int, keep func(db.Payment) bool) []db.Payment {
	defer s.read()()
	var out []db.Payment
	for _, p := range s.c.st.payments {
		if keep(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return page(out, 0, limit)
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
