// Package memory keeps every repository in process maps. It backs unit tests
// and the memory database driver used for local development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/segyhp/settlement-engine/internal/domain"
	"github.com/segyhp/settlement-engine/internal/repository"
	"github.com/segyhp/settlement-engine/pkg/utils"
)

type txKey struct{}

type data struct {
	plans       map[uuid.UUID]domain.PaymentPlan
	attempts    map[uuid.UUID]domain.PaymentAttempt
	retries     map[uuid.UUID]domain.RetryRecord
	idempotency map[string]domain.IdempotencyRecord
	callbacks   map[uuid.UUID]domain.CallbackRecord
	outbox      map[uuid.UUID]domain.OutboxEvent
	outboxOrder []uuid.UUID
}

func newData() data {
	return data{
		plans:       make(map[uuid.UUID]domain.PaymentPlan),
		attempts:    make(map[uuid.UUID]domain.PaymentAttempt),
		retries:     make(map[uuid.UUID]domain.RetryRecord),
		idempotency: make(map[string]domain.IdempotencyRecord),
		callbacks:   make(map[uuid.UUID]domain.CallbackRecord),
		outbox:      make(map[uuid.UUID]domain.OutboxEvent),
	}
}

func (d data) clone() data {
	c := newData()
	for k, v := range d.plans {
		c.plans[k] = v
	}
	for k, v := range d.attempts {
		c.attempts[k] = v
	}
	for k, v := range d.retries {
		c.retries[k] = v
	}
	for k, v := range d.idempotency {
		c.idempotency[k] = v
	}
	for k, v := range d.callbacks {
		c.callbacks[k] = v
	}
	for k, v := range d.outbox {
		c.outbox[k] = v
	}
	c.outboxOrder = append([]uuid.UUID(nil), d.outboxOrder...)
	return c
}

// Store is a process local database. Transactions are serialized and a failed
// transaction restores the state it started from.
type Store struct {
	txMu sync.Mutex
	mu   sync.Mutex
	d    data
}

func NewStore() *Store {
	return &Store{d: newData()}
}

// Repositories exposes the store through the repository interfaces
func (s *Store) Repositories() *repository.Repositories {
	return &repository.Repositories{
		Tx:          s,
		Plans:       &planRepository{s: s},
		Payments:    &paymentRepository{s: s},
		Retries:     &retryRepository{s: s},
		Idempotency: &idempotencyRepository{s: s},
		Callbacks:   &callbackRepository{s: s},
		Outbox:      &outboxRepository{s: s},
	}
}

func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if s.inTx(ctx) {
		return fn(ctx)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snapshot := s.d.clone()
	s.mu.Unlock()

	defer func() {
		if p := recover(); p != nil {
			s.restore(snapshot)
			panic(p)
		} else if err != nil {
			s.restore(snapshot)
		}
	}()

	return fn(context.WithValue(ctx, txKey{}, s))
}

func (s *Store) restore(snapshot data) {
	s.mu.Lock()
	s.d = snapshot
	s.mu.Unlock()
}

func (s *Store) inTx(ctx context.Context) bool {
	owner, ok := ctx.Value(txKey{}).(*Store)
	return ok && owner == s
}

// lock serializes a single repository call with running transactions.
func (s *Store) lock(ctx context.Context) (func(), error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if s.inTx(ctx) {
		s.mu.Lock()
		return s.mu.Unlock, nil
	}
	s.txMu.Lock()
	s.mu.Lock()
	return func() {
		s.mu.Unlock()
		s.txMu.Unlock()
	}, nil
}

type planRepository struct{ s *Store }

func (r *planRepository) Create(ctx context.Context, plan *domain.PaymentPlan) error {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	p := *plan
	p.ScheduleStart = utils.TruncateToDay(p.ScheduleStart)
	p.NextDueDate = utils.TruncateToDay(p.NextDueDate)
	r.s.d.plans[p.ID] = p
	return nil
}

func (r *planRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.PaymentPlan, error) {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, ok := r.s.d.plans[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

func (r *planRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.PaymentPlan, error) {
	return r.GetByID(ctx, id)
}

func (r *planRepository) Update(ctx context.Context, plan *domain.PaymentPlan) error {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	p, ok := r.s.d.plans[plan.ID]
	if !ok {
		return repository.ErrNotFound
	}
	p.Remaining = plan.Remaining
	p.NextDueDate = utils.TruncateToDay(plan.NextDueDate)
	p.Status = plan.Status
	p.OverdueDays = plan.OverdueDays
	p.UpdatedAt = plan.UpdatedAt
	r.s.d.plans[p.ID] = p
	return nil
}

func (r *planRepository) ListDue(ctx context.Context, asOf time.Time, after repository.Cursor, limit int) ([]*domain.PaymentPlan, error) {
	asOf = utils.TruncateToDay(asOf)
	return r.list(ctx, after, limit, func(p domain.PaymentPlan) bool {
		return !p.NextDueDate.After(asOf)
	})
}

func (r *planRepository) ListDueBetween(ctx context.Context, from, to time.Time, after repository.Cursor, limit int) ([]*domain.PaymentPlan, error) {
	from, to = utils.TruncateToDay(from), utils.TruncateToDay(to)
	return r.list(ctx, after, limit, func(p domain.PaymentPlan) bool {
		return !p.NextDueDate.Before(from) && !p.NextDueDate.After(to)
	})
}

func (r *planRepository) list(ctx context.Context, after repository.Cursor, limit int, match func(domain.PaymentPlan) bool) ([]*domain.PaymentPlan, error) {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var result []*domain.PaymentPlan
	for _, p := range r.s.d.plans {
		open := p.Status == domain.PlanStatusActive || p.Status == domain.PlanStatusOverdue
		if open && p.Remaining > 0 && match(p) && after.Before(p.NextDueDate, p.ID) {
			p := p
			result = append(result, &p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].NextDueDate.Equal(result[j].NextDueDate) {
			return result[i].NextDueDate.Before(result[j].NextDueDate)
		}
		return result[i].ID.String() < result[j].ID.String()
	})
	return truncate(result, limit), nil
}

type paymentRepository struct{ s *Store }

func (r *paymentRepository) Create(ctx context.Context, attempt *domain.PaymentAttempt) error {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	a := *attempt
	a.ScheduledDate = utils.TruncateToDay(a.ScheduledDate)
	a.DueDate = utils.TruncateToDay(a.DueDate)
	for _, existing := range r.s.d.attempts {
		if existing.IdempotencyKey == a.IdempotencyKey {
			return repository.ErrDuplicateIdempotencyKey
		}
	}
	if a.IsLive() {
		for _, existing := range r.s.d.attempts {
			if existing.IsLive() && sameSlot(existing, a) {
				return repository.ErrActiveAttemptExists
			}
		}
	}
	r.s.d.attempts[a.ID] = a
	return nil
}

func sameSlot(a, b domain.PaymentAttempt) bool {
	return a.PlanID == b.PlanID && a.DueDate.Equal(b.DueDate) && a.IsDeposit == b.IsDeposit
}

func (r *paymentRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.PaymentAttempt, error) {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	a, ok := r.s.d.attempts[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &a, nil
}

func (r *paymentRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.PaymentAttempt, error) {
	return r.GetByID(ctx, id)
}

func (r *paymentRepository) GetByIdempotencyKey(ctx context.Context, key string) (*domain.PaymentAttempt, error) {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	for _, a := range r.s.d.attempts {
		if a.IdempotencyKey == key {
			return &a, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *paymentRepository) ListByPlan(ctx context.Context, planID uuid.UUID) ([]*domain.PaymentAttempt, error) {
	result, err := r.filter(ctx, func(a domain.PaymentAttempt) bool { return a.PlanID == planID })
	if err != nil {
		return nil, err
	}
	sortAttempts(result, func(a *domain.PaymentAttempt) time.Time { return a.CreatedAt })
	return result, nil
}

func (r *paymentRepository) FindOpen(ctx context.Context, planID uuid.UUID, dueDate time.Time, isDeposit bool) (*domain.PaymentAttempt, error) {
	dueDate = utils.TruncateToDay(dueDate)
	result, err := r.filter(ctx, func(a domain.PaymentAttempt) bool {
		if a.PlanID != planID || !a.DueDate.Equal(dueDate) || a.IsDeposit != isDeposit {
			return false
		}
		return a.IsLive() || (a.Status == domain.PaymentStatusFailed && a.NextRetryAt != nil)
	})
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, repository.ErrNotFound
	}
	sortAttempts(result, func(a *domain.PaymentAttempt) time.Time { return a.CreatedAt })
	return result[len(result)-1], nil
}

func (r *paymentRepository) Transition(ctx context.Context, id uuid.UUID, from, to string, at time.Time) (bool, error) {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return false, err
	}
	defer unlock()

	a, ok := r.s.d.attempts[id]
	if !ok || a.Status != from {
		return false, nil
	}
	a.Status = to
	a.UpdatedAt = at
	if to == domain.PaymentStatusProcessing {
		submitted := at
		a.SubmittedAt = &submitted
	}
	r.s.d.attempts[id] = a
	return true, nil
}

func (r *paymentRepository) Update(ctx context.Context, attempt *domain.PaymentAttempt) error {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	a, ok := r.s.d.attempts[attempt.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if attempt.IsLive() && !a.IsLive() {
		for id, existing := range r.s.d.attempts {
			if id != a.ID && existing.IsLive() && sameSlot(existing, a) {
				return repository.ErrActiveAttemptExists
			}
		}
	}
	a.Status = attempt.Status
	a.ExternalRef = attempt.ExternalRef
	a.RetryCount = attempt.RetryCount
	a.NextRetryAt = attempt.NextRetryAt
	a.FailureReason = attempt.FailureReason
	a.SubmittedAt = attempt.SubmittedAt
	a.ProcessedAt = attempt.ProcessedAt
	a.UpdatedAt = attempt.UpdatedAt
	r.s.d.attempts[a.ID] = a
	return nil
}

func (r *paymentRepository) ListDueForRetry(ctx context.Context, now time.Time, limit int) ([]*domain.PaymentAttempt, error) {
	result, err := r.filter(ctx, func(a domain.PaymentAttempt) bool {
		return a.Status == domain.PaymentStatusFailed && a.NextRetryAt != nil &&
			!a.NextRetryAt.After(now) && a.RetryCount <= a.MaxRetries
	})
	if err != nil {
		return nil, err
	}
	sortAttempts(result, func(a *domain.PaymentAttempt) time.Time { return *a.NextRetryAt })
	return truncate(result, limit), nil
}

func (r *paymentRepository) ListStale(ctx context.Context, status string, before time.Time, after repository.Cursor, limit int) ([]*domain.PaymentAttempt, error) {
	since := func(a *domain.PaymentAttempt) time.Time {
		if a.SubmittedAt != nil {
			return *a.SubmittedAt
		}
		return a.CreatedAt
	}
	result, err := r.filter(ctx, func(a domain.PaymentAttempt) bool {
		return a.Status == status && since(&a).Before(before) && after.Before(since(&a), a.ID)
	})
	if err != nil {
		return nil, err
	}
	sortAttempts(result, since)
	return truncate(result, limit), nil
}

func (r *paymentRepository) ListOverdueCandidates(ctx context.Context, today time.Time, after repository.Cursor, limit int) ([]*domain.OverdueCandidate, error) {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	today = utils.TruncateToDay(today)
	paid := make(map[uuid.UUID]map[time.Time]bool)
	for _, a := range r.s.d.attempts {
		if !a.IsDeposit && a.Status == domain.PaymentStatusCompleted {
			if paid[a.PlanID] == nil {
				paid[a.PlanID] = make(map[time.Time]bool)
			}
			paid[a.PlanID][a.DueDate] = true
		}
	}

	oldest := make(map[uuid.UUID]time.Time)
	for _, a := range r.s.d.attempts {
		if a.IsDeposit || !a.DueDate.Before(today) {
			continue
		}
		if a.Status != domain.PaymentStatusPending && a.Status != domain.PaymentStatusFailed {
			continue
		}
		plan, ok := r.s.d.plans[a.PlanID]
		if !ok || (plan.Status != domain.PlanStatusActive && plan.Status != domain.PlanStatusOverdue) {
			continue
		}
		if paid[a.PlanID][a.DueDate] {
			continue
		}
		if due, seen := oldest[a.PlanID]; !seen || a.DueDate.Before(due) {
			oldest[a.PlanID] = a.DueDate
		}
	}

	result := make([]*domain.OverdueCandidate, 0, len(oldest))
	for planID, due := range oldest {
		if after.Before(due, planID) {
			result = append(result, &domain.OverdueCandidate{PlanID: planID, DueDate: due})
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].DueDate.Equal(result[j].DueDate) {
			return result[i].DueDate.Before(result[j].DueDate)
		}
		return result[i].PlanID.String() < result[j].PlanID.String()
	})
	return truncate(result, limit), nil
}

func (r *paymentRepository) SumCompleted(ctx context.Context, planID uuid.UUID) (decimal.Decimal, error) {
	result, err := r.filter(ctx, func(a domain.PaymentAttempt) bool {
		return a.PlanID == planID && a.Status == domain.PaymentStatusCompleted
	})
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, a := range result {
		total = total.Add(a.Amount)
	}
	return total, nil
}

func (r *paymentRepository) filter(ctx context.Context, match func(domain.PaymentAttempt) bool) ([]*domain.PaymentAttempt, error) {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var result []*domain.PaymentAttempt
	for _, a := range r.s.d.attempts {
		if match(a) {
			a := a
			result = append(result, &a)
		}
	}
	return result, nil
}

func sortAttempts(attempts []*domain.PaymentAttempt, key func(*domain.PaymentAttempt) time.Time) {
	sort.Slice(attempts, func(i, j int) bool {
		ki, kj := key(attempts[i]), key(attempts[j])
		if !ki.Equal(kj) {
			return ki.Before(kj)
		}
		return attempts[i].ID.String() < attempts[j].ID.String()
	})
}

type retryRepository struct{ s *Store }

func (r *retryRepository) Create(ctx context.Context, record *domain.RetryRecord) error {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	r.s.d.retries[record.ID] = *record
	return nil
}

func (r *retryRepository) GetLatestOpen(ctx context.Context, attemptID uuid.UUID) (*domain.RetryRecord, error) {
	records, err := r.ListByAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].IsOpen() {
			return records[i], nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *retryRepository) Update(ctx context.Context, record *domain.RetryRecord) error {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	rec, ok := r.s.d.retries[record.ID]
	if !ok {
		return repository.ErrNotFound
	}
	rec.Status = record.Status
	rec.StartedAt = record.StartedAt
	rec.FinishedAt = record.FinishedAt
	rec.FailureReason = record.FailureReason
	r.s.d.retries[rec.ID] = rec
	return nil
}

func (r *retryRepository) ListByAttempt(ctx context.Context, attemptID uuid.UUID) ([]*domain.RetryRecord, error) {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var result []*domain.RetryRecord
	for _, rec := range r.s.d.retries {
		if rec.AttemptID == attemptID {
			rec := rec
			result = append(result, &rec)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].AttemptNumber < result[j].AttemptNumber })
	return result, nil
}

type idempotencyRepository struct{ s *Store }

func (r *idempotencyRepository) Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, ok := r.s.d.idempotency[key]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &rec, nil
}

func (r *idempotencyRepository) Insert(ctx context.Context, record *domain.IdempotencyRecord, now time.Time) (bool, error) {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return false, err
	}
	defer unlock()

	if existing, ok := r.s.d.idempotency[record.Key]; ok && !existing.IsExpired(now) {
		return false, nil
	}
	r.s.d.idempotency[record.Key] = *record
	return true, nil
}

func (r *idempotencyRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return 0, err
	}
	defer unlock()

	var n int64
	for key, rec := range r.s.d.idempotency {
		if rec.IsExpired(now) {
			delete(r.s.d.idempotency, key)
			n++
		}
	}
	return n, nil
}

type callbackRepository struct{ s *Store }

func (r *callbackRepository) Create(ctx context.Context, record *domain.CallbackRecord) error {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	r.s.d.callbacks[record.ID] = *record
	return nil
}

func (r *callbackRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.CallbackRecord, error) {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, ok := r.s.d.callbacks[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &rec, nil
}

func (r *callbackRepository) SetOutcome(ctx context.Context, id uuid.UUID, outcome string, errMsg *string, at time.Time) error {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	rec, ok := r.s.d.callbacks[id]
	if !ok {
		return repository.ErrNotFound
	}
	rec.Outcome = outcome
	rec.Error = errMsg
	rec.ProcessedAt = &at
	r.s.d.callbacks[id] = rec
	return nil
}

type outboxRepository struct{ s *Store }

func (r *outboxRepository) Enqueue(ctx context.Context, event *domain.OutboxEvent) error {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if _, ok := r.s.d.outbox[event.ID]; !ok {
		r.s.d.outboxOrder = append(r.s.d.outboxOrder, event.ID)
	}
	r.s.d.outbox[event.ID] = *event
	return nil
}

func (r *outboxRepository) FetchPending(ctx context.Context, now time.Time, limit int) ([]*domain.OutboxEvent, error) {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var result []*domain.OutboxEvent
	for _, id := range r.s.d.outboxOrder {
		ev := r.s.d.outbox[id]
		if ev.Status == domain.OutboxStatusPending && !ev.NextAttemptAt.After(now) {
			result = append(result, &ev)
		}
	}
	return truncate(result, limit), nil
}

func (r *outboxRepository) MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	ev, ok := r.s.d.outbox[id]
	if !ok {
		return repository.ErrNotFound
	}
	ev.Status = domain.OutboxStatusPublished
	ev.Attempts++
	ev.PublishedAt = &at
	ev.LastError = nil
	r.s.d.outbox[id] = ev
	return nil
}

func (r *outboxRepository) MarkFailed(ctx context.Context, id uuid.UUID, nextAttemptAt time.Time, errMsg string) error {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	ev, ok := r.s.d.outbox[id]
	if !ok {
		return repository.ErrNotFound
	}
	ev.Attempts++
	ev.NextAttemptAt = nextAttemptAt
	ev.LastError = &errMsg
	r.s.d.outbox[id] = ev
	return nil
}

// Events returns every outbox row in insertion order
func (s *Store) Events() []domain.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]domain.OutboxEvent, 0, len(s.d.outboxOrder))
	for _, id := range s.d.outboxOrder {
		result = append(result, s.d.outbox[id])
	}
	return result
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
