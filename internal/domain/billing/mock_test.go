package billing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dentalclinic/billing/internal/domain/odontogram"
	"github.com/dentalclinic/billing/internal/platform/apperror"
)

// -- Charts --

type mockChartRepo struct {
	mu       sync.Mutex
	charts   map[uuid.UUID]*odontogram.Chart
	records  []*odontogram.TreatmentRecord
	invoices *mockInvoiceRepo
	// flips counts how often each record went from unpaid to paid.
	flips map[uuid.UUID]int
}

func newMockChartRepo(invoices *mockInvoiceRepo) *mockChartRepo {
	return &mockChartRepo{
		charts:   make(map[uuid.UUID]*odontogram.Chart),
		invoices: invoices,
		flips:    make(map[uuid.UUID]int),
	}
}

func (m *mockChartRepo) addChart(patientName string) *odontogram.Chart {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := &odontogram.Chart{ID: uuid.New(), PatientID: uuid.New(), PatientName: patientName}
	m.charts[c.ID] = c
	return c
}

// addRecord adds a treatment record. tooth 0 means a global treatment.
func (m *mockChartRepo) addRecord(chartID, treatmentID uuid.UUID, name string, tooth int, price string) *odontogram.TreatmentRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := &odontogram.TreatmentRecord{
		ID:            uuid.New(),
		OdontogramID:  chartID,
		TreatmentID:   treatmentID,
		TreatmentName: name,
		TreatmentCode: "T-" + name,
		Price:         decimal.RequireFromString(price),
		CreatedAt:     time.Now(),
	}
	if tooth != 0 {
		toothRecord := uuid.New()
		n := tooth
		r.ToothRecordID = &toothRecord
		r.ToothNumber = &n
	}
	m.records = append(m.records, r)
	return r
}

func (m *mockChartRepo) isPaid(id uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.ID == id {
			return r.IsPaid
		}
	}
	return false
}

func (m *mockChartRepo) Snapshot() func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	paid := make(map[uuid.UUID]bool, len(m.records))
	for _, r := range m.records {
		paid[r.ID] = r.IsPaid
	}
	flips := make(map[uuid.UUID]int, len(m.flips))
	for k, v := range m.flips {
		flips[k] = v
	}
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for _, r := range m.records {
			r.IsPaid = paid[r.ID]
		}
		m.flips = flips
	}
}

func (m *mockChartRepo) GetChart(_ context.Context, id uuid.UUID) (*odontogram.Chart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.charts[id]
	if !ok {
		return nil, apperror.NotFound("odontogram", id)
	}
	cp := *c
	return &cp, nil
}

func (m *mockChartRepo) LockChart(ctx context.Context, id uuid.UUID) (*odontogram.Chart, error) {
	return m.GetChart(ctx, id)
}

func (m *mockChartRepo) ListBillable(_ context.Context, chartID uuid.UUID, ids []uuid.UUID) ([]*odontogram.TreatmentRecord, error) {
	wanted := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	invoiced := m.invoices.liveRecordIDs()

	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*odontogram.TreatmentRecord
	for _, r := range m.records {
		if r.OdontogramID != chartID || r.IsPaid || invoiced[r.ID] {
			continue
		}
		if ids != nil && !wanted[r.ID] {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockChartRepo) MarkPaid(_ context.Context, ids []uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range ids {
		for _, r := range m.records {
			if r.ID == id && !r.IsPaid {
				r.IsPaid = true
				m.flips[id]++
				n++
			}
		}
	}
	return n, nil
}

// -- Invoices --

type mockInvoiceRepo struct {
	mu       sync.Mutex
	invoices map[uuid.UUID]*Invoice
	payments *mockPaymentRepo
	locks    int
}

func newMockInvoiceRepo(payments *mockPaymentRepo) *mockInvoiceRepo {
	return &mockInvoiceRepo{invoices: make(map[uuid.UUID]*Invoice), payments: payments}
}

func copyInvoice(inv *Invoice) *Invoice {
	cp := *inv
	cp.LineItems = make([]*LineItem, len(inv.LineItems))
	for i, li := range inv.LineItems {
		l := *li
		l.TreatmentRecordIDs = append([]uuid.UUID(nil), li.TreatmentRecordIDs...)
		cp.LineItems[i] = &l
	}
	cp.Payments = nil
	return &cp
}

func (m *mockInvoiceRepo) liveRecordIDs() map[uuid.UUID]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make(map[uuid.UUID]bool)
	for _, inv := range m.invoices {
		if inv.Status == StatusCancelled {
			continue
		}
		for _, li := range inv.LineItems {
			for _, id := range li.TreatmentRecordIDs {
				ids[id] = true
			}
		}
	}
	return ids
}

func (m *mockInvoiceRepo) peek(id uuid.UUID) *Invoice {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[id]
	if !ok {
		return nil
	}
	return copyInvoice(inv)
}

// put stores an invoice directly, bypassing the service.
func (m *mockInvoiceRepo) put(inv *Invoice) *Invoice {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	m.invoices[inv.ID] = copyInvoice(inv)
	return inv
}

func (m *mockInvoiceRepo) Snapshot() func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	saved := make(map[uuid.UUID]*Invoice, len(m.invoices))
	for id, inv := range m.invoices {
		saved[id] = copyInvoice(inv)
	}
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.invoices = saved
	}
}

func (m *mockInvoiceRepo) Create(_ context.Context, inv *Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.invoices {
		if existing.InvoiceNumber == inv.InvoiceNumber {
			return apperror.Conflict("invoice number %s is already in use", inv.InvoiceNumber)
		}
	}
	inv.ID = uuid.New()
	inv.CreatedAt = time.Now()
	inv.UpdatedAt = inv.CreatedAt
	for _, li := range inv.LineItems {
		li.ID = uuid.New()
		li.InvoiceID = inv.ID
	}
	m.invoices[inv.ID] = copyInvoice(inv)
	return nil
}

func (m *mockInvoiceRepo) GetByID(_ context.Context, id uuid.UUID) (*Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[id]
	if !ok {
		return nil, apperror.NotFound("invoice", id)
	}
	return copyInvoice(inv), nil
}

func (m *mockInvoiceRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	m.mu.Lock()
	m.locks++
	m.mu.Unlock()
	return m.GetByID(ctx, id)
}

func (m *mockInvoiceRepo) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Invoice, int, error) {
	m.mu.Lock()
	var all []*Invoice
	for _, inv := range m.invoices {
		if inv.PatientID == patientID {
			all = append(all, copyInvoice(inv))
		}
	}
	m.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].InvoiceDate.After(all[j].InvoiceDate) })
	for _, inv := range all {
		paid, _ := m.payments.SumByInvoice(ctx, inv.ID)
		inv.AmountPaid = paid
		inv.Settle()
	}
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *mockInvoiceRepo) UpdateStatus(_ context.Context, id uuid.UUID, status InvoiceStatus, notes *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[id]
	if !ok {
		return apperror.NotFound("invoice", id)
	}
	inv.Status = status
	inv.Notes = notes
	return nil
}

func (m *mockInvoiceRepo) LastAutoNumber(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	last := ""
	for _, inv := range m.invoices {
		if len(inv.InvoiceNumber) == 13 && inv.InvoiceNumber[:5] == "AUTO-" && inv.InvoiceNumber > last {
			last = inv.InvoiceNumber
		}
	}
	return last, nil
}

// -- Payments --

type mockPaymentRepo struct {
	mu       sync.Mutex
	payments []*Payment
}

func (m *mockPaymentRepo) Snapshot() func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	saved := append([]*Payment(nil), m.payments...)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.payments = saved
	}
}

func (m *mockPaymentRepo) Create(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = uuid.New()
	p.CreatedAt = time.Now()
	cp := *p
	m.payments = append(m.payments, &cp)
	return nil
}

func (m *mockPaymentRepo) ListByInvoice(_ context.Context, invoiceID uuid.UUID) ([]*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*Payment{}
	for _, p := range m.payments {
		if p.InvoiceID == invoiceID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockPaymentRepo) SumByInvoice(_ context.Context, invoiceID uuid.UUID) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum := decimal.Zero
	for _, p := range m.payments {
		if p.InvoiceID == invoiceID {
			sum = sum.Add(p.Amount)
		}
	}
	return sum, nil
}
