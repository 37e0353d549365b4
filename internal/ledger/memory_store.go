package ledger

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory ledger for demo/development mode and tests.
// Units of work are serialized by a store-wide lock; writes go to an
// overlay that is merged on success and dropped on error.
type MemoryStore struct {
	mu            sync.RWMutex
	trades        map[string]*Trade
	escrows       map[string]*EscrowAccount
	escrowByTrade map[string]string
	events        map[string][]*EscrowEvent
	processed     map[string]*ProcessedEvent
	disputes      map[string]*Dispute
	seq           int64
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trades:        make(map[string]*Trade),
		escrows:       make(map[string]*EscrowAccount),
		escrowByTrade: make(map[string]string),
		events:        make(map[string][]*EscrowEvent),
		processed:     make(map[string]*ProcessedEvent),
		disputes:      make(map[string]*Dispute),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := observeTx()

	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{
		s:         m,
		trades:    make(map[string]*Trade),
		escrows:   make(map[string]*EscrowAccount),
		events:    make(map[string][]*EscrowEvent),
		processed: make(map[string]*ProcessedEvent),
		disputes:  make(map[string]*Dispute),
		seq:       m.seq,
	}
	if err := fn(ctx, tx); err != nil {
		done(err)
		return err
	}
	tx.commit()
	done(nil)
	return nil
}

func (m *MemoryStore) GetTrade(_ context.Context, id string) (*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.trades[id]
	if !ok {
		return nil, ErrTradeNotFound
	}
	return copyTrade(t), nil
}

func (m *MemoryStore) ListTradesByCompany(_ context.Context, companyID string, limit int) ([]*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Trade
	for _, t := range m.trades {
		if t.IsParty(companyID) {
			result = append(result, copyTrade(t))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return truncate(result, limit), nil
}

func (m *MemoryStore) ListTradesByStatus(_ context.Context, statuses []TradeStatus, limit int) ([]*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	want := make(map[TradeStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var result []*Trade
	for _, t := range m.trades {
		if want[t.Status] {
			result = append(result, copyTrade(t))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return truncate(result, limit), nil
}

func (m *MemoryStore) GetEscrow(_ context.Context, id string) (*EscrowAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return m.withRefunded(a, nil), nil
}

func (m *MemoryStore) GetEscrowByTrade(ctx context.Context, tradeID string) (*EscrowAccount, error) {
	m.mu.RLock()
	id, ok := m.escrowByTrade[tradeID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return m.GetEscrow(ctx, id)
}

func (m *MemoryStore) ListEscrows(_ context.Context, afterID string, limit int) ([]*EscrowAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*EscrowAccount
	for id, a := range m.escrows {
		if id > afterID {
			result = append(result, m.withRefunded(a, nil))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return truncate(result, limit), nil
}

func (m *MemoryStore) ListEscrowEvents(_ context.Context, escrowID string) ([]*EscrowEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return copyEvents(m.events[escrowID], nil), nil
}

func (m *MemoryStore) GetDispute(_ context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) ListDisputesByTrade(_ context.Context, tradeID string) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if d.TradeID == tradeID {
			cp := *d
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].OpenedAt.Before(result[j].OpenedAt) })
	return result, nil
}

func (m *MemoryStore) GetExternalEvent(_ context.Context, eventID string) (*ProcessedEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ev, ok := m.processed[eventID]
	if !ok {
		return nil, ErrEventNotFound
	}
	cp := *ev
	return &cp, nil
}

func (m *MemoryStore) ListExternalEvents(_ context.Context, status ProcessedStatus, limit int) ([]*ProcessedEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*ProcessedEvent
	for _, ev := range m.processed {
		if status == "" || ev.Status == status {
			cp := *ev
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ReceivedAt.After(result[j].ReceivedAt) })
	return truncate(result, limit), nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

// withRefunded returns a copy of a with RefundedAmount summed from the
// committed events plus any pending ones. Caller must hold m.mu.
func (m *MemoryStore) withRefunded(a *EscrowAccount, pending []*EscrowEvent) *EscrowAccount {
	cp := *a
	refunded := decimal.Zero
	for _, ev := range m.events[a.ID] {
		if ev.Type == EventRefund {
			refunded = refunded.Add(ev.Amount)
		}
	}
	for _, ev := range pending {
		if ev.Type == EventRefund {
			refunded = refunded.Add(ev.Amount)
		}
	}
	cp.RefundedAmount = refunded
	return &cp
}

// memTx is a write overlay on top of the committed maps.
type memTx struct {
	s         *MemoryStore
	trades    map[string]*Trade
	escrows   map[string]*EscrowAccount
	events    map[string][]*EscrowEvent
	processed map[string]*ProcessedEvent
	disputes  map[string]*Dispute
	seq       int64
}

func (tx *memTx) commit() {
	s := tx.s
	for id, t := range tx.trades {
		s.trades[id] = t
	}
	for id, a := range tx.escrows {
		s.escrows[id] = a
		s.escrowByTrade[a.TradeID] = id
	}
	for id, evs := range tx.events {
		s.events[id] = append(s.events[id], evs...)
	}
	for id, ev := range tx.processed {
		s.processed[id] = ev
	}
	for id, d := range tx.disputes {
		s.disputes[id] = d
	}
	s.seq = tx.seq
}

func (tx *memTx) trade(id string) (*Trade, bool) {
	if t, ok := tx.trades[id]; ok {
		return t, true
	}
	t, ok := tx.s.trades[id]
	return t, ok
}

func (tx *memTx) CreateTrade(_ context.Context, t *Trade) error {
	if _, ok := tx.trade(t.ID); ok {
		return ErrTradeExists
	}
	tx.trades[t.ID] = copyTrade(t)
	return nil
}

func (tx *memTx) GetTradeForUpdate(_ context.Context, id string) (*Trade, error) {
	t, ok := tx.trade(id)
	if !ok {
		return nil, ErrTradeNotFound
	}
	return copyTrade(t), nil
}

func (tx *memTx) UpdateTrade(_ context.Context, t *Trade) error {
	cur, ok := tx.trade(t.ID)
	if !ok {
		return ErrTradeNotFound
	}
	if cur.Version != t.Version {
		return ErrVersionConflict
	}
	t.Version++
	tx.trades[t.ID] = copyTrade(t)
	return nil
}

func (tx *memTx) escrow(id string) (*EscrowAccount, bool) {
	if a, ok := tx.escrows[id]; ok {
		return a, true
	}
	a, ok := tx.s.escrows[id]
	return a, ok
}

func (tx *memTx) escrowIDForTrade(tradeID string) (string, bool) {
	for id, a := range tx.escrows {
		if a.TradeID == tradeID {
			return id, true
		}
	}
	id, ok := tx.s.escrowByTrade[tradeID]
	return id, ok
}

func (tx *memTx) CreateEscrow(_ context.Context, a *EscrowAccount) error {
	if _, ok := tx.escrowIDForTrade(a.TradeID); ok {
		return ErrEscrowExists
	}
	if _, ok := tx.escrow(a.ID); ok {
		return ErrEscrowExists
	}
	cp := *a
	tx.escrows[a.ID] = &cp
	return nil
}

func (tx *memTx) GetEscrowForUpdate(_ context.Context, id string) (*EscrowAccount, error) {
	a, ok := tx.escrow(id)
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return tx.s.withRefunded(a, tx.events[id]), nil
}

func (tx *memTx) GetEscrowByTradeForUpdate(ctx context.Context, tradeID string) (*EscrowAccount, error) {
	id, ok := tx.escrowIDForTrade(tradeID)
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return tx.GetEscrowForUpdate(ctx, id)
}

func (tx *memTx) UpdateEscrow(_ context.Context, a *EscrowAccount) error {
	if _, ok := tx.escrow(a.ID); !ok {
		return ErrEscrowNotFound
	}
	cp := *a
	tx.escrows[a.ID] = &cp
	return nil
}

func (tx *memTx) AppendEscrowEvent(_ context.Context, ev *EscrowEvent) error {
	if _, ok := tx.escrow(ev.EscrowID); !ok {
		return ErrEscrowNotFound
	}
	tx.seq++
	ev.Seq = tx.seq
	cp := *ev
	tx.events[ev.EscrowID] = append(tx.events[ev.EscrowID], &cp)
	return nil
}

func (tx *memTx) ListEscrowEvents(_ context.Context, escrowID string) ([]*EscrowEvent, error) {
	return copyEvents(tx.s.events[escrowID], tx.events[escrowID]), nil
}

func (tx *memTx) ClaimExternalEvent(_ context.Context, ev *ProcessedEvent) error {
	if _, ok := tx.processed[ev.EventID]; ok {
		return ErrDuplicateEvent
	}
	if _, ok := tx.s.processed[ev.EventID]; ok {
		return ErrDuplicateEvent
	}
	cp := *ev
	tx.processed[ev.EventID] = &cp
	return nil
}

func (tx *memTx) FinishExternalEvent(_ context.Context, eventID string, status ProcessedStatus, detail string) error {
	cur, ok := tx.processed[eventID]
	if !ok {
		cur, ok = tx.s.processed[eventID]
	}
	if !ok {
		return ErrEventNotFound
	}
	cp := *cur
	cp.Status = status
	cp.Detail = detail
	cp.UpdatedAt = time.Now()
	tx.processed[eventID] = &cp
	return nil
}

func (tx *memTx) dispute(id string) (*Dispute, bool) {
	if d, ok := tx.disputes[id]; ok {
		return d, true
	}
	d, ok := tx.s.disputes[id]
	return d, ok
}

func (tx *memTx) CreateDispute(ctx context.Context, d *Dispute) error {
	if _, err := tx.FindOpenDispute(ctx, d.TradeID); err == nil {
		return ErrDisputeAlreadyOpen
	}
	cp := *d
	tx.disputes[d.ID] = &cp
	return nil
}

func (tx *memTx) GetDisputeForUpdate(_ context.Context, id string) (*Dispute, error) {
	d, ok := tx.dispute(id)
	if !ok {
		return nil, ErrDisputeNotFound
	}
	cp := *d
	return &cp, nil
}

func (tx *memTx) FindOpenDispute(_ context.Context, tradeID string) (*Dispute, error) {
	for _, d := range tx.disputes {
		if d.TradeID == tradeID && d.Status.IsOpen() {
			cp := *d
			return &cp, nil
		}
	}
	for id, d := range tx.s.disputes {
		if _, shadowed := tx.disputes[id]; shadowed {
			continue
		}
		if d.TradeID == tradeID && d.Status.IsOpen() {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrDisputeNotFound
}

func (tx *memTx) UpdateDispute(_ context.Context, d *Dispute) error {
	if _, ok := tx.dispute(d.ID); !ok {
		return ErrDisputeNotFound
	}
	cp := *d
	tx.disputes[d.ID] = &cp
	return nil
}

func copyTrade(t *Trade) *Trade {
	cp := *t
	cp.Metadata = maps.Clone(t.Metadata)
	return &cp
}

func copyEvents(committed, pending []*EscrowEvent) []*EscrowEvent {
	out := make([]*EscrowEvent, 0, len(committed)+len(pending))
	for _, ev := range committed {
		cp := *ev
		out = append(out, &cp)
	}
	for _, ev := range pending {
		cp := *ev
		out = append(out, &cp)
	}
	return out
}

func truncate[T any](s []T, limit int) []T {
	if limit > 0 && len(s) > limit {
		return s[:limit]
	}
	return s
}
