package dispute

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/settlement/internal/apperr"
	"github.com/mbd888/settlement/internal/dbtx"
	"github.com/mbd888/settlement/internal/pagination"
	"github.com/mbd888/settlement/internal/resolution"
)

// PostgresStore persists disputes in PostgreSQL. Evidence, timeline and
// communication log are JSONB arrays rewritten whole on update.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const disputeColumns = `id, transaction_id, escrow_id, submitter_id, respondent_id, dispute_type,
		title, description, priority, status, evidence, timeline, communication_log,
		verdict, resolution_type, compensation_amount, agreed_solution, assigned_mediator_id,
		mediation_started_at, escalated_at, resolved_at, closed_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	evidence, timeline, comms, err := marshalLogs(d)
	if err != nil {
		return err
	}
	_, err = dbtx.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
		        $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)`,
		d.ID, d.TransactionID, d.EscrowID, d.SubmitterID, d.RespondentID, string(d.Type),
		d.Title, d.Description, string(d.Priority), string(d.Status), evidence, timeline, comms,
		nullString(d.Verdict), nullString(string(d.ResolutionType)), d.CompensationAmount,
		nullString(d.AgreedSolution), nullString(d.AssignedMediatorID),
		nullTime(d.MediationStartedAt), nullTime(d.EscalatedAt), nullTime(d.ResolvedAt), nullTime(d.ClosedAt),
		d.CreatedAt, d.UpdatedAt,
	)
	if dbtx.IsUniqueViolation(err) {
		return apperr.New(apperr.Conflict, "dispute", d.TransactionID, "transaction already has an active dispute")
	}
	if err != nil {
		return fmt.Errorf("create dispute: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := dbtx.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "dispute", id, "not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get dispute: %w", err)
	}
	return d, nil
}

func (p *PostgresStore) Update(ctx context.Context, d *Dispute) error {
	evidence, timeline, comms, err := marshalLogs(d)
	if err != nil {
		return err
	}
	result, err := dbtx.Conn(ctx, p.db).ExecContext(ctx, `
		UPDATE disputes SET
			priority = $1, status = $2, evidence = $3, timeline = $4, communication_log = $5,
			verdict = $6, resolution_type = $7, compensation_amount = $8, agreed_solution = $9,
			assigned_mediator_id = $10, mediation_started_at = $11, escalated_at = $12,
			resolved_at = $13, closed_at = $14, updated_at = $15
		WHERE id = $16`,
		string(d.Priority), string(d.Status), evidence, timeline, comms,
		nullString(d.Verdict), nullString(string(d.ResolutionType)), d.CompensationAmount, nullString(d.AgreedSolution),
		nullString(d.AssignedMediatorID), nullTime(d.MediationStartedAt), nullTime(d.EscalatedAt),
		nullTime(d.ResolvedAt), nullTime(d.ClosedAt), d.UpdatedAt, d.ID,
	)
	if err != nil {
		return fmt.Errorf("update dispute: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.New(apperr.NotFound, "dispute", d.ID, "not found")
	}
	return nil
}

func (p *PostgresStore) GetActiveByTransaction(ctx context.Context, transactionID string) (*Dispute, error) {
	row := dbtx.Conn(ctx, p.db).QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE transaction_id = $1 AND status IN ('open', 'investigating', 'mediation', 'arbitration')`,
		transactionID)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "dispute", transactionID, "no active dispute for transaction")
	}
	if err != nil {
		return nil, fmt.Errorf("get active dispute: %w", err)
	}
	return d, nil
}

func (p *PostgresStore) ListByTransaction(ctx context.Context, transactionID string) ([]*Dispute, error) {
	rows, err := dbtx.Conn(ctx, p.db).QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE transaction_id = $1
		ORDER BY created_at ASC, id ASC`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("list disputes: %w", err)
	}
	return collect(rows)
}

func (p *PostgresStore) ListByMediator(ctx context.Context, mediatorID string, after *pagination.Cursor, limit int) ([]*Dispute, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if after == nil {
		rows, err = dbtx.Conn(ctx, p.db).QueryContext(ctx, `
			SELECT `+disputeColumns+` FROM disputes
			WHERE assigned_mediator_id = $1
			ORDER BY created_at ASC, id ASC
			LIMIT $2`, mediatorID, limit)
	} else {
		rows, err = dbtx.Conn(ctx, p.db).QueryContext(ctx, `
			SELECT `+disputeColumns+` FROM disputes
			WHERE assigned_mediator_id = $1 AND (created_at, id) > ($2, $3)
			ORDER BY created_at ASC, id ASC
			LIMIT $4`, mediatorID, after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list mediator disputes: %w", err)
	}
	return collect(rows)
}

func collect(rows *sql.Rows) ([]*Dispute, error) {
	defer rows.Close()
	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dispute: %w", err)
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func marshalLogs(d *Dispute) (evidence, timeline, comms []byte, err error) {
	if evidence, err = json.Marshal(d.Evidence); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal evidence: %w", err)
	}
	if timeline, err = json.Marshal(d.Timeline); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal timeline: %w", err)
	}
	if comms, err = json.Marshal(d.Communication); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal communication log: %w", err)
	}
	return evidence, timeline, comms, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDispute(sc scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		disputeType, priority, status                         string
		evidence, timeline, comms                             []byte
		verdict, resolutionType, agreedSolution, mediatorID   sql.NullString
		mediationStartedAt, escalatedAt, resolvedAt, closedAt sql.NullTime
	)
	err := sc.Scan(
		&d.ID, &d.TransactionID, &d.EscrowID, &d.SubmitterID, &d.RespondentID, &disputeType,
		&d.Title, &d.Description, &priority, &status, &evidence, &timeline, &comms,
		&verdict, &resolutionType, &d.CompensationAmount, &agreedSolution, &mediatorID,
		&mediationStartedAt, &escalatedAt, &resolvedAt, &closedAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Type = Type(disputeType)
	d.Priority = Priority(priority)
	d.Status = Status(status)
	if err := json.Unmarshal(evidence, &d.Evidence); err != nil {
		return nil, fmt.Errorf("unmarshal evidence: %w", err)
	}
	if err := json.Unmarshal(timeline, &d.Timeline); err != nil {
		return nil, fmt.Errorf("unmarshal timeline: %w", err)
	}
	if err := json.Unmarshal(comms, &d.Communication); err != nil {
		return nil, fmt.Errorf("unmarshal communication log: %w", err)
	}
	d.Verdict = verdict.String
	d.ResolutionType = resolution.Type(resolutionType.String)
	d.AgreedSolution = agreedSolution.String
	d.AssignedMediatorID = mediatorID.String
	d.MediationStartedAt = timePtr(mediationStartedAt)
	d.EscalatedAt = timePtr(escalatedAt)
	d.ResolvedAt = timePtr(resolvedAt)
	d.ClosedAt = timePtr(closedAt)
	return d, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
