package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"checkout-service/internal/clock"
	"checkout-service/internal/models"
	"checkout-service/internal/seatchart"

	"github.com/lib/pq"
)

// fakeLocks is an in-memory lock store whose TTLs follow the test clock.
type fakeLocks struct {
	mu         sync.Mutex
	clock      clock.Clock
	seats      map[string]lockEntry
	named      map[string]lockEntry
	releaseErr error
}

type lockEntry struct {
	owner     string
	expiresAt time.Time
}

func newFakeLocks(c clock.Clock) *fakeLocks {
	return &fakeLocks{clock: c, seats: map[string]lockEntry{}, named: map[string]lockEntry{}}
}

func lockKey(scopeID int64, seatID string) string {
	return fmt.Sprintf("%d:%s", scopeID, seatID)
}

func (l *fakeLocks) live(m map[string]lockEntry, key string) (lockEntry, bool) {
	e, ok := m[key]
	if !ok || !l.clock.Now().Before(e.expiresAt) {
		return lockEntry{}, false
	}
	return e, true
}

func (l *fakeLocks) AcquireAll(_ context.Context, scopeID int64, owner string, seatIDs []string, ttl time.Duration) (bool, []string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var conflicts []string
	for _, id := range seatIDs {
		if e, ok := l.live(l.seats, lockKey(scopeID, id)); ok && e.owner != owner {
			conflicts = append(conflicts, id)
		}
	}
	if len(conflicts) > 0 {
		return false, conflicts, nil
	}
	for _, id := range seatIDs {
		l.seats[lockKey(scopeID, id)] = lockEntry{owner: owner, expiresAt: l.clock.Now().Add(ttl)}
	}
	return true, nil, nil
}

func (l *fakeLocks) ReleaseAll(_ context.Context, scopeID int64, owner string, seatIDs []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.releaseErr != nil {
		return l.releaseErr
	}
	for _, id := range seatIDs {
		if e, ok := l.seats[lockKey(scopeID, id)]; ok && e.owner == owner {
			delete(l.seats, lockKey(scopeID, id))
		}
	}
	return nil
}

func (l *fakeLocks) LockOwners(_ context.Context, scopeID int64, seatIDs []string) (map[string]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	owners := map[string]string{}
	for _, id := range seatIDs {
		if e, ok := l.live(l.seats, lockKey(scopeID, id)); ok {
			owners[id] = e.owner
		}
	}
	return owners, nil
}

func (l *fakeLocks) AcquireLock(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.live(l.named, key); ok {
		return false, nil
	}
	l.named[key] = lockEntry{owner: token, expiresAt: l.clock.Now().Add(ttl)}
	return true, nil
}

func (l *fakeLocks) ReleaseLock(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.named[key]; ok && e.owner == token {
		delete(l.named, key)
	}
	return nil
}

func (l *fakeLocks) ownersOf(scopeID int64, seatIDs ...string) map[string]string {
	owners, _ := l.LockOwners(context.Background(), scopeID, seatIDs)
	return owners
}

// fakeChart follows the provider's free -> held -> booked rules. A held seat
// turns free once its token expires.
type fakeChart struct {
	mu          sync.Mutex
	clock       clock.Clock
	holdTTL     time.Duration
	objects     map[string]string
	tokenExpiry map[string]time.Time
	tokens      int
	holdErr     error
	bookErr     error
	releaseErr  error
	bookCalls   int
	onHold      func()
}

func newFakeChart(c clock.Clock) *fakeChart {
	return &fakeChart{
		clock:       c,
		holdTTL:     10 * time.Minute,
		objects:     map[string]string{},
		tokenExpiry: map[string]time.Time{},
	}
}

func (f *fakeChart) state(eventKey, seat string) string {
	st, ok := f.objects[eventKey+"/"+seat]
	if !ok {
		return "free"
	}
	if token, held := strings.CutPrefix(st, "held:"); held && !f.clock.Now().Before(f.tokenExpiry[token]) {
		return "free"
	}
	return st
}

func (f *fakeChart) PlaceHold(_ context.Context, eventKey string, seatIDs []string) (*seatchart.Hold, error) {
	if f.onHold != nil {
		f.onHold()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.holdErr != nil {
		return nil, f.holdErr
	}

	var taken []string
	for _, id := range seatIDs {
		if f.state(eventKey, id) != "free" {
			taken = append(taken, id)
		}
	}
	if len(taken) > 0 {
		return nil, &seatchart.SeatsNotAvailableError{Seats: taken}
	}

	f.tokens++
	token := fmt.Sprintf("tok-%d", f.tokens)
	expiresAt := f.clock.Now().Add(f.holdTTL)
	f.tokenExpiry[token] = expiresAt
	for _, id := range seatIDs {
		f.objects[eventKey+"/"+id] = "held:" + token
	}
	return &seatchart.Hold{Token: token, ExpiresAt: expiresAt}, nil
}

func (f *fakeChart) Book(_ context.Context, eventKey string, seatIDs []string, holdToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.bookCalls++
	if f.bookErr != nil {
		return f.bookErr
	}
	for _, id := range seatIDs {
		st := f.state(eventKey, id)
		if st != "booked" && st != "held:"+holdToken {
			return fmt.Errorf("%w: seat %s is %s", seatchart.ErrRejected, id, st)
		}
	}
	for _, id := range seatIDs {
		f.objects[eventKey+"/"+id] = "booked"
	}
	return nil
}

func (f *fakeChart) Release(_ context.Context, eventKey string, seatIDs []string, holdToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.releaseErr != nil {
		return f.releaseErr
	}
	// seats not held under holdToken count as released, like the real client
	for _, id := range seatIDs {
		if f.state(eventKey, id) == "held:"+holdToken {
			f.objects[eventKey+"/"+id] = "free"
		}
	}
	return nil
}

func (f *fakeChart) status(eventKey, seat string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state(eventKey, seat)
}

func (f *fakeChart) bookCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bookCalls
}

// fakeStore mirrors the SQL guards of the real store.
type fakeStore struct {
	mu             sync.Mutex
	checkouts      map[string]models.Checkout
	seats          map[int64]map[string]models.SeatState
	outbox         []models.CheckoutEvent
	payments       []models.Payment
	failStatusOnce error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		checkouts: map[string]models.Checkout{},
		seats:     map[int64]map[string]models.SeatState{},
	}
}

func (s *fakeStore) seatRows(eventItemID int64) map[string]models.SeatState {
	rows, ok := s.seats[eventItemID]
	if !ok {
		rows = map[string]models.SeatState{}
		s.seats[eventItemID] = rows
	}
	return rows
}

func (s *fakeStore) CreateCheckout(_ context.Context, c *models.Checkout, event *models.CheckoutEvent) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.seatRows(c.EventItemID)
	var paid []string
	for _, id := range c.SeatIDs {
		if rows[id].Status == models.SeatStatusPaid {
			paid = append(paid, id)
		}
	}
	if len(paid) > 0 {
		return paid, nil
	}

	owner := c.ID
	for _, id := range c.SeatIDs {
		rows[id] = models.SeatState{EventItemID: c.EventItemID, SeatID: id, Status: models.SeatStatusHold, CheckoutID: &owner}
	}
	c.CreatedAt, c.UpdatedAt = event.Timestamp, event.Timestamp
	stored := *c
	stored.SeatIDs = append(pq.StringArray(nil), c.SeatIDs...)
	s.checkouts[c.ID] = stored
	s.outbox = append(s.outbox, *event)
	return nil, nil
}

func (s *fakeStore) GetCheckoutByID(_ context.Context, id string) (*models.Checkout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.checkouts[id]
	if !ok {
		return nil, nil
	}
	c.SeatIDs = append(pq.StringArray(nil), c.SeatIDs...)
	return &c, nil
}

func (s *fakeStore) updateStatus(id string, from []string, to string) (bool, error) {
	if s.failStatusOnce != nil {
		err := s.failStatusOnce
		s.failStatusOnce = nil
		return false, err
	}

	c, ok := s.checkouts[id]
	if !ok {
		return false, nil
	}
	for _, st := range from {
		if c.Status == st {
			c.Status = to
			s.checkouts[id] = c
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) UpdateCheckoutStatus(_ context.Context, id string, from []string, event *models.CheckoutEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.updateStatus(id, from, event.Status)
	if ok {
		s.outbox = append(s.outbox, *event)
	}
	return ok, err
}

func (s *fakeStore) CloseCheckout(_ context.Context, c *models.Checkout, event *models.CheckoutEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.updateStatus(c.ID, models.ActiveCheckoutStatuses, event.Status)
	if !ok || err != nil {
		return ok, err
	}

	rows := s.seatRows(c.EventItemID)
	for _, id := range c.SeatIDs {
		row := rows[id]
		if row.Status == models.SeatStatusHold && row.CheckoutID != nil && *row.CheckoutID == c.ID {
			rows[id] = models.SeatState{EventItemID: c.EventItemID, SeatID: id, Status: models.SeatStatusFree}
		}
	}
	s.outbox = append(s.outbox, *event)
	return true, nil
}

func (s *fakeStore) ListExpiredCheckouts(_ context.Context, now time.Time, limit int) ([]models.Checkout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Checkout
	for _, c := range s.checkouts {
		if !c.IsTerminal() && !now.Before(c.HoldExpiresAt) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HoldExpiresAt.Before(out[j].HoldExpiresAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) MarkSeatsPaid(_ context.Context, c *models.Checkout) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.seatRows(c.EventItemID)
	var n int64
	for _, id := range c.SeatIDs {
		row := rows[id]
		if row.CheckoutID != nil && *row.CheckoutID == c.ID {
			row.Status = models.SeatStatusPaid
			rows[id] = row
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) CountPaidSeats(_ context.Context, checkoutID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, rows := range s.seats {
		for _, row := range rows {
			if row.Status == models.SeatStatusPaid && row.CheckoutID != nil && *row.CheckoutID == checkoutID {
				n++
			}
		}
	}
	return n, nil
}

func (s *fakeStore) SyncSeats(_ context.Context, eventItemID int64, seatIDs []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.seatRows(eventItemID)
	var n int64
	for _, id := range seatIDs {
		if _, ok := rows[id]; !ok {
			rows[id] = models.SeatState{EventItemID: eventItemID, SeatID: id, Status: models.SeatStatusFree}
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) ListSeatStates(_ context.Context, eventItemID int64) ([]models.SeatState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.SeatState
	for _, row := range s.seats[eventItemID] {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SeatID < out[j].SeatID })
	return out, nil
}

func (s *fakeStore) RecordPayment(_ context.Context, p *models.Payment) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.payments {
		if existing.CheckoutID == p.CheckoutID && existing.GatewayTxnID == p.GatewayTxnID {
			return false, nil
		}
	}
	s.payments = append(s.payments, *p)
	return true, nil
}

func (s *fakeStore) seatStatus(eventItemID int64, seat string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if row, ok := s.seats[eventItemID][seat]; ok {
		return row.Status
	}
	return models.SeatStatusFree
}

func (s *fakeStore) setSeat(eventItemID int64, seat, status string, owner *string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seatRows(eventItemID)[seat] = models.SeatState{EventItemID: eventItemID, SeatID: seat, Status: status, CheckoutID: owner}
}

func (s *fakeStore) status(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkouts[id].Status
}

func (s *fakeStore) paymentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payments)
}
