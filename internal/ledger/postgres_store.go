package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists the ledger in PostgreSQL. Units of work run at
// READ COMMITTED and take row locks with SELECT ... FOR UPDATE.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) (err error) {
	done := observeTx()
	defer func() { done(err) }()

	sqlTx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err = fn(ctx, &pgTx{tx: sqlTx}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", mapPQError(err))
	}
	return nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// --- trades -------------------------------------------------------------

const tradeColumns = `id, buyer_id, seller_id, rfq_id, status, currency, agreed_amount,
		       version, metadata, created_at, updated_at`

func scanTrade(sc scanner) (*Trade, error) {
	t := &Trade{}
	var (
		rfqID    sql.NullString
		status   string
		metadata []byte
	)
	err := sc.Scan(&t.ID, &t.BuyerID, &t.SellerID, &rfqID, &status, &t.Currency, &t.AgreedAmount,
		&t.Version, &metadata, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.RFQID = rfqID.String
	t.Status = TradeStatus(status)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
			return nil, fmt.Errorf("decode trade metadata: %w", err)
		}
	}
	return t, nil
}

func scanTrades(rows *sql.Rows) ([]*Trade, error) {
	var result []*Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func getTrade(ctx context.Context, q queryer, id string, lock bool) (*Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	t, err := scanTrade(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTradeNotFound
	}
	return t, err
}

func (p *PostgresStore) GetTrade(ctx context.Context, id string) (*Trade, error) {
	return getTrade(ctx, p.db, id, false)
}

func (p *PostgresStore) ListTradesByCompany(ctx context.Context, companyID string, limit int) ([]*Trade, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, companyID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTrades(rows)
}

func (p *PostgresStore) ListTradesByStatus(ctx context.Context, statuses []TradeStatus, limit int) ([]*Trade, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE status = ANY($1)
		ORDER BY id
		LIMIT $2`, pq.Array(names), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTrades(rows)
}

// --- escrow accounts ----------------------------------------------------

const escrowColumns = `e.id, e.trade_id, e.status, e.currency, e.required_amount, e.total_amount,
		       e.held_amount, e.released_amount,
		       COALESCE((SELECT SUM(ev.amount) FROM escrow_events ev
		                 WHERE ev.escrow_id = e.id AND ev.event_type = 'refund'), 0),
		       e.cancelled, e.created_at, e.updated_at, e.closed_at`

func scanEscrow(sc scanner) (*EscrowAccount, error) {
	a := &EscrowAccount{}
	var (
		status   string
		closedAt sql.NullTime
	)
	err := sc.Scan(&a.ID, &a.TradeID, &status, &a.Currency, &a.RequiredAmount, &a.TotalAmount,
		&a.HeldAmount, &a.ReleasedAmount, &a.RefundedAmount,
		&a.Cancelled, &a.CreatedAt, &a.UpdatedAt, &closedAt)
	if err != nil {
		return nil, err
	}
	a.Status = EscrowStatus(status)
	if closedAt.Valid {
		a.ClosedAt = &closedAt.Time
	}
	return a, nil
}

func getEscrow(ctx context.Context, q queryer, column, value string) (*EscrowAccount, error) {
	a, err := scanEscrow(q.QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrow_accounts e WHERE e.`+column+` = $1`, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return a, err
}

func (p *PostgresStore) GetEscrow(ctx context.Context, id string) (*EscrowAccount, error) {
	return getEscrow(ctx, p.db, "id", id)
}

func (p *PostgresStore) GetEscrowByTrade(ctx context.Context, tradeID string) (*EscrowAccount, error) {
	return getEscrow(ctx, p.db, "trade_id", tradeID)
}

func (p *PostgresStore) ListEscrows(ctx context.Context, afterID string, limit int) ([]*EscrowAccount, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrow_accounts e
		WHERE e.id > $1
		ORDER BY e.id
		LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*EscrowAccount
	for rows.Next() {
		a, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// --- escrow events ------------------------------------------------------

const eventColumns = `seq, id, escrow_id, event_type, amount, currency, external_ref, reason, actor, caused_by, created_at`

func listEscrowEvents(ctx context.Context, q queryer, escrowID string) ([]*EscrowEvent, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM escrow_events
		WHERE escrow_id = $1
		ORDER BY seq`, escrowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*EscrowEvent
	for rows.Next() {
		ev := &EscrowEvent{}
		var (
			typ, cause         string
			ref, reason, actor sql.NullString
		)
		if err := rows.Scan(&ev.Seq, &ev.ID, &ev.EscrowID, &typ, &ev.Amount, &ev.Currency,
			&ref, &reason, &actor, &cause, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Type = EventType(typ)
		ev.CausedBy = Cause(cause)
		ev.ExternalRef = ref.String
		ev.Reason = reason.String
		ev.Actor = actor.String
		result = append(result, ev)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ListEscrowEvents(ctx context.Context, escrowID string) ([]*EscrowEvent, error) {
	return listEscrowEvents(ctx, p.db, escrowID)
}

// --- disputes -----------------------------------------------------------

const disputeColumns = `id, trade_id, raised_by, against, reason, status, outcome, resolution_note,
		       resume_status, released_amount, refunded_amount, resolved_by,
		       opened_at, escalated_at, resolved_at`

func scanDispute(sc scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		status, resume            string
		outcome, note, resolvedBy sql.NullString
		escalatedAt, resolvedAt   sql.NullTime
	)
	err := sc.Scan(&d.ID, &d.TradeID, &d.RaisedBy, &d.Against, &d.Reason, &status, &outcome, &note,
		&resume, &d.ReleasedAmount, &d.RefundedAmount, &resolvedBy,
		&d.OpenedAt, &escalatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	d.Status = DisputeStatus(status)
	d.Outcome = Outcome(outcome.String)
	d.ResolutionNote = note.String
	d.ResumeStatus = TradeStatus(resume)
	d.ResolvedBy = resolvedBy.String
	if escalatedAt.Valid {
		d.EscalatedAt = &escalatedAt.Time
	}
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	return d, nil
}

func (p *PostgresStore) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	d, err := scanDispute(p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) ListDisputesByTrade(ctx context.Context, tradeID string) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE trade_id = $1
		ORDER BY opened_at`, tradeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// --- processed external events ------------------------------------------

const processedColumns = `event_id, event_type, status, detail, received_at, updated_at`

func scanProcessed(sc scanner) (*ProcessedEvent, error) {
	ev := &ProcessedEvent{}
	var (
		status string
		detail sql.NullString
	)
	if err := sc.Scan(&ev.EventID, &ev.EventType, &status, &detail, &ev.ReceivedAt, &ev.UpdatedAt); err != nil {
		return nil, err
	}
	ev.Status = ProcessedStatus(status)
	ev.Detail = detail.String
	return ev, nil
}

func (p *PostgresStore) GetExternalEvent(ctx context.Context, eventID string) (*ProcessedEvent, error) {
	ev, err := scanProcessed(p.db.QueryRowContext(ctx,
		`SELECT `+processedColumns+` FROM processed_external_events WHERE event_id = $1`, eventID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	return ev, err
}

func (p *PostgresStore) ListExternalEvents(ctx context.Context, status ProcessedStatus, limit int) ([]*ProcessedEvent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+processedColumns+`
		FROM processed_external_events
		WHERE ($1 = '' OR status = $1)
		ORDER BY received_at DESC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*ProcessedEvent
	for rows.Next() {
		ev, err := scanProcessed(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, ev)
	}
	return result, rows.Err()
}

// --- unit of work -------------------------------------------------------

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) CreateTrade(ctx context.Context, tr *Trade) error {
	metadata, err := json.Marshal(tr.Metadata)
	if err != nil {
		return fmt.Errorf("encode trade metadata: %w", err)
	}
	if tr.Metadata == nil {
		metadata = []byte("{}")
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO trades (id, buyer_id, seller_id, rfq_id, status, currency, agreed_amount,
		                    version, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC(20,6), $8, $9, $10, $11)`,
		tr.ID, tr.BuyerID, tr.SellerID, nullString(tr.RFQID), string(tr.Status), tr.Currency, tr.AgreedAmount,
		tr.Version, metadata, tr.CreatedAt, tr.UpdatedAt,
	)
	return mapPQError(err)
}

func (t *pgTx) GetTradeForUpdate(ctx context.Context, id string) (*Trade, error) {
	return getTrade(ctx, t.tx, id, true)
}

func (t *pgTx) UpdateTrade(ctx context.Context, tr *Trade) error {
	metadata, err := json.Marshal(tr.Metadata)
	if err != nil {
		return fmt.Errorf("encode trade metadata: %w", err)
	}
	if tr.Metadata == nil {
		metadata = []byte("{}")
	}
	result, err := t.tx.ExecContext(ctx, `
		UPDATE trades SET
			status = $1, metadata = $2, updated_at = $3, version = version + 1
		WHERE id = $4 AND version = $5`,
		string(tr.Status), metadata, tr.UpdatedAt, tr.ID, tr.Version,
	)
	if err != nil {
		return mapPQError(err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := getTrade(ctx, t.tx, tr.ID, false); err != nil {
			return err
		}
		return ErrVersionConflict
	}
	tr.Version++
	return nil
}

func (t *pgTx) CreateEscrow(ctx context.Context, a *EscrowAccount) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO escrow_accounts (id, trade_id, status, currency, required_amount, total_amount,
		                             held_amount, released_amount, cancelled, created_at, updated_at, closed_at)
		VALUES ($1, $2, $3, $4, $5::NUMERIC(20,6), $6::NUMERIC(20,6), $7::NUMERIC(20,6), $8::NUMERIC(20,6),
		        $9, $10, $11, $12)`,
		a.ID, a.TradeID, string(a.Status), a.Currency, a.RequiredAmount, a.TotalAmount,
		a.HeldAmount, a.ReleasedAmount, a.Cancelled, a.CreatedAt, a.UpdatedAt, nullTime(a.ClosedAt),
	)
	return mapPQError(err)
}

func (t *pgTx) lockEscrow(ctx context.Context, column, value string) (*EscrowAccount, error) {
	var id string
	err := t.tx.QueryRowContext(ctx,
		`SELECT id FROM escrow_accounts WHERE `+column+` = $1 FOR UPDATE`, value).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, mapPQError(err)
	}
	return getEscrow(ctx, t.tx, "id", id)
}

func (t *pgTx) GetEscrowForUpdate(ctx context.Context, id string) (*EscrowAccount, error) {
	return t.lockEscrow(ctx, "id", id)
}

func (t *pgTx) GetEscrowByTradeForUpdate(ctx context.Context, tradeID string) (*EscrowAccount, error) {
	return t.lockEscrow(ctx, "trade_id", tradeID)
}

func (t *pgTx) UpdateEscrow(ctx context.Context, a *EscrowAccount) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE escrow_accounts SET
			status = $1, total_amount = $2::NUMERIC(20,6), held_amount = $3::NUMERIC(20,6),
			released_amount = $4::NUMERIC(20,6), cancelled = $5, updated_at = $6, closed_at = $7
		WHERE id = $8`,
		string(a.Status), a.TotalAmount, a.HeldAmount, a.ReleasedAmount, a.Cancelled,
		a.UpdatedAt, nullTime(a.ClosedAt), a.ID,
	)
	if err != nil {
		return mapPQError(err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

func (t *pgTx) AppendEscrowEvent(ctx context.Context, ev *EscrowEvent) error {
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO escrow_events (id, escrow_id, event_type, amount, currency, external_ref,
		                           reason, actor, caused_by, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(20,6), $5, $6, $7, $8, $9, $10)
		RETURNING seq`,
		ev.ID, ev.EscrowID, string(ev.Type), ev.Amount, ev.Currency, nullString(ev.ExternalRef),
		nullString(ev.Reason), nullString(ev.Actor), string(ev.CausedBy), ev.CreatedAt,
	).Scan(&ev.Seq)
	return mapPQError(err)
}

func (t *pgTx) ListEscrowEvents(ctx context.Context, escrowID string) ([]*EscrowEvent, error) {
	return listEscrowEvents(ctx, t.tx, escrowID)
}

func (t *pgTx) ClaimExternalEvent(ctx context.Context, ev *ProcessedEvent) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO processed_external_events (event_id, event_type, status, detail, received_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.EventID, ev.EventType, string(ev.Status), nullString(ev.Detail), ev.ReceivedAt, ev.UpdatedAt,
	)
	return mapPQError(err)
}

func (t *pgTx) FinishExternalEvent(ctx context.Context, eventID string, status ProcessedStatus, detail string) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE processed_external_events SET status = $1, detail = $2, updated_at = $3
		WHERE event_id = $4`,
		string(status), nullString(detail), time.Now(), eventID,
	)
	if err != nil {
		return mapPQError(err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEventNotFound
	}
	return nil
}

func (t *pgTx) CreateDispute(ctx context.Context, d *Dispute) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO disputes (id, trade_id, raised_by, against, reason, status, outcome, resolution_note,
		                      resume_status, released_amount, refunded_amount, resolved_by,
		                      opened_at, escalated_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::NUMERIC(20,6), $11::NUMERIC(20,6), $12, $13, $14, $15)`,
		d.ID, d.TradeID, d.RaisedBy, d.Against, d.Reason, string(d.Status), nullString(string(d.Outcome)),
		nullString(d.ResolutionNote), string(d.ResumeStatus), d.ReleasedAmount, d.RefundedAmount,
		nullString(d.ResolvedBy), d.OpenedAt, nullTime(d.EscalatedAt), nullTime(d.ResolvedAt),
	)
	return mapPQError(err)
}

func (t *pgTx) GetDisputeForUpdate(ctx context.Context, id string) (*Dispute, error) {
	d, err := scanDispute(t.tx.QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (t *pgTx) FindOpenDispute(ctx context.Context, tradeID string) (*Dispute, error) {
	d, err := scanDispute(t.tx.QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE trade_id = $1 AND status <> 'resolved'`, tradeID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (t *pgTx) UpdateDispute(ctx context.Context, d *Dispute) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE disputes SET
			status = $1, outcome = $2, resolution_note = $3, released_amount = $4::NUMERIC(20,6),
			refunded_amount = $5::NUMERIC(20,6), resolved_by = $6, escalated_at = $7, resolved_at = $8
		WHERE id = $9`,
		string(d.Status), nullString(string(d.Outcome)), nullString(d.ResolutionNote),
		d.ReleasedAmount, d.RefundedAmount, nullString(d.ResolvedBy),
		nullTime(d.EscalatedAt), nullTime(d.ResolvedAt), d.ID,
	)
	if err != nil {
		return mapPQError(err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

// --- helpers ------------------------------------------------------------

// mapPQError translates constraint and serialization failures into ledger
// sentinels. Other errors pass through unchanged.
func mapPQError(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case "23505": // unique_violation
		switch pqErr.Constraint {
		case "processed_external_events_pkey":
			return ErrDuplicateEvent
		case "ux_disputes_open_per_trade":
			return ErrDisputeAlreadyOpen
		case "escrow_accounts_pkey", "escrow_accounts_trade_id_key":
			return ErrEscrowExists
		case "trades_pkey":
			return ErrTradeExists
		}
	case "40001", "40P01": // serialization_failure, deadlock_detected
		return fmt.Errorf("%w: %s", ErrTxAborted, pqErr.Message)
	}
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
