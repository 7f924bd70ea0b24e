// Package fiscaltest provides in-memory doubles for fiscal numbering so
// billing and fiscal tests can run without Postgres.
package fiscaltest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dentalclinic/billing/internal/domain/fiscal"
	"github.com/dentalclinic/billing/internal/platform/apperror"
)

// Snapshotter is implemented by in-memory repositories that can undo
// changes made during a failed transaction.
type Snapshotter interface {
	Snapshot() (restore func())
}

// TxRunner runs one transaction at a time and rolls registered
// repositories back when fn fails, mimicking a serializable database.
type TxRunner struct {
	mu    sync.Mutex
	parts []Snapshotter
	Calls int
}

func NewTxRunner(parts ...Snapshotter) *TxRunner {
	return &TxRunner{parts: parts}
}

func (r *TxRunner) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls++

	restores := make([]func(), 0, len(r.parts))
	for _, p := range r.parts {
		restores = append(restores, p.Snapshot())
	}
	if err := fn(ctx); err != nil {
		for i := len(restores) - 1; i >= 0; i-- {
			restores[i]()
		}
		return err
	}
	return nil
}

// Repo is an in-memory fiscal.Repository.
type Repo struct {
	mu   sync.Mutex
	seqs map[uuid.UUID]*fiscal.Sequence
	// Locks counts LockType calls per invoice type.
	Locks map[fiscal.InvoiceType]int
}

func NewRepo() *Repo {
	return &Repo{seqs: make(map[uuid.UUID]*fiscal.Sequence), Locks: make(map[fiscal.InvoiceType]int)}
}

// Add stores s as-is (assigning an ID when missing) and returns it.
func (r *Repo) Add(s *fiscal.Sequence) *fiscal.Sequence {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	cp := *s
	r.seqs[s.ID] = &cp
	return s
}

// Peek returns a copy of the stored sequence, or nil.
func (r *Repo) Peek(id uuid.UUID) *fiscal.Sequence {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.seqs[id]
	if !ok {
		return nil
	}
	cp := *s
	return &cp
}

func (r *Repo) Snapshot() func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	saved := make(map[uuid.UUID]fiscal.Sequence, len(r.seqs))
	for id, s := range r.seqs {
		saved[id] = *s
	}
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.seqs = make(map[uuid.UUID]*fiscal.Sequence, len(saved))
		for id, s := range saved {
			cp := s
			r.seqs[id] = &cp
		}
	}
}

func (r *Repo) LockType(_ context.Context, t fiscal.InvoiceType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Locks[t]++
	return nil
}

func (r *Repo) LockAutoNumbering(context.Context) error { return nil }

func (r *Repo) Create(_ context.Context, s *fiscal.Sequence) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.seqs {
		if existing.CAI == s.CAI {
			return apperror.Rule("CAI %s is already registered", s.CAI)
		}
		if s.IsActive && existing.IsActive && existing.InvoiceType == s.InvoiceType {
			return apperror.Conflict("another %s sequence was activated concurrently", s.InvoiceType)
		}
	}
	s.ID = uuid.New()
	s.CreatedAt = time.Now()
	s.UpdatedAt = s.CreatedAt
	cp := *s
	r.seqs[s.ID] = &cp
	return nil
}

func (r *Repo) get(id uuid.UUID) (*fiscal.Sequence, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.seqs[id]
	if !ok {
		return nil, apperror.NotFound("fiscal sequence", id)
	}
	cp := *s
	return &cp, nil
}

func (r *Repo) GetByID(_ context.Context, id uuid.UUID) (*fiscal.Sequence, error) {
	return r.get(id)
}

func (r *Repo) GetForUpdate(_ context.Context, id uuid.UUID) (*fiscal.Sequence, error) {
	return r.get(id)
}

func (r *Repo) ExistsCAI(_ context.Context, cai string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.seqs {
		if s.CAI == cai {
			return true, nil
		}
	}
	return false, nil
}

func (r *Repo) List(context.Context) ([]*fiscal.Sequence, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*fiscal.Sequence, 0, len(r.seqs))
	for _, s := range r.seqs {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsActive != out[j].IsActive {
			return out[i].IsActive
		}
		return out[i].ExpirationDate.After(out[j].ExpirationDate)
	})
	return out, nil
}

func (r *Repo) Active(_ context.Context, t fiscal.InvoiceType) (*fiscal.Sequence, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.seqs {
		if s.InvoiceType == t && s.IsActive {
			cp := *s
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *Repo) NextStandby(_ context.Context, t fiscal.InvoiceType, now time.Time) (*fiscal.Sequence, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *fiscal.Sequence
	for _, s := range r.seqs {
		if s.InvoiceType != t || s.IsActive || s.HasBeenUsed || s.IsExpiredAt(now) || s.IsExhausted() {
			continue
		}
		if best == nil || s.ExpirationDate.Before(best.ExpirationDate) {
			best = s
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (r *Repo) SetActive(_ context.Context, id uuid.UUID, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.seqs[id]
	if !ok {
		return apperror.NotFound("fiscal sequence", id)
	}
	if active {
		for _, other := range r.seqs {
			if other.ID != id && other.IsActive && other.InvoiceType == s.InvoiceType {
				return apperror.Conflict("another sequence of the same type is already active")
			}
		}
	}
	s.IsActive = active
	s.UpdatedAt = time.Now()
	return nil
}

func (r *Repo) DeactivateOthers(_ context.Context, t fiscal.InvoiceType, keep uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.seqs {
		if s.InvoiceType == t && s.ID != keep {
			s.IsActive = false
		}
	}
	return nil
}

func (r *Repo) Advance(_ context.Context, id uuid.UUID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.seqs[id]
	if !ok {
		return 0, apperror.NotFound("fiscal sequence", id)
	}
	if s.CurrentNumber >= s.RangeEnd {
		return 0, apperror.Rule("fiscal sequence %s has no numbers left", id)
	}
	s.CurrentNumber++
	s.HasBeenUsed = true
	return s.CurrentNumber, nil
}

// AutoSource is a fixed AutoNumberSource.
type AutoSource struct{ Last string }

func (a *AutoSource) LastAutoNumber(context.Context) (string, error) { return a.Last, nil }
