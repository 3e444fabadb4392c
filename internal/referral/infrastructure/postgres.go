package infrastructure

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/carenet/referrals/internal/referral/domain"
	"github.com/carenet/referrals/internal/shared/errors"
	"github.com/carenet/referrals/internal/shared/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository implements domain.Repository using PostgreSQL.
// Transitions lock the row with SELECT ... FOR UPDATE so the status
// comparison and the write happen in one transaction.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

const referralColumns = `
	id, patient_ref, requesting_hospital_id, target_hospital_id, status, urgency, clinical,
	timeout_seconds, created_at, deadline_at, updated_at,
	escalation_chain, root_referral_id, predecessor_id, successor_id, chain_closed,
	resolved_at, resolved_by, resolution_reason, response_message`

func (r *PostgresRepository) Insert(ctx context.Context, ref *domain.Referral) error {
	clinicalJSON, err := json.Marshal(ref.Clinical)
	if err != nil {
		return errors.Wrap(err, "failed to marshal clinical summary")
	}
	resolvedByJSON, err := marshalActor(ref.ResolvedBy)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO referrals.referrals (` + referralColumns + `
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20
		)`

	_, err = r.pool.Exec(ctx, query,
		ref.ID, ref.PatientRef, string(ref.RequestingHospitalID), string(ref.TargetHospitalID),
		string(ref.Status), string(ref.Urgency), clinicalJSON,
		ref.TimeoutSeconds, ref.CreatedAt, ref.DeadlineAt, ref.UpdatedAt,
		chainStrings(ref.EscalationChain), ref.RootReferralID, ref.PredecessorID, ref.SuccessorID, ref.ChainClosed,
		ref.ResolvedAt, resolvedByJSON, ref.ResolutionReason, ref.ResponseMessage,
	)
	if err != nil {
		return insertError(err, ref)
	}
	return nil
}

const (
	pgUniqueViolation = "23505"
	pgCheckViolation  = "23514"

	constraintPrimaryKey      = "referrals_pkey"
	constraintPendingPerChain = "referrals_one_pending_per_chain"
	constraintDistinctSites   = "referrals_distinct_hospitals"
)

// insertError maps constraint violations to domain errors. Only a primary
// key clash means the record already exists.
func insertError(err error, ref *domain.Referral) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return errors.Wrap(err, "failed to insert referral")
	}

	switch {
	case pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == constraintPrimaryKey:
		return errors.Conflict("referral " + ref.ID.String() + " already exists")
	case pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == constraintPendingPerChain:
		appErr := errors.Conflict("chain " + ref.RootReferralID.String() + " already has a pending referral")
		appErr.Code = "CHAIN_HAS_PENDING"
		return appErr
	case pgErr.Code == pgCheckViolation && pgErr.ConstraintName == constraintDistinctSites:
		return errors.InvalidHospitalPair(ref.TargetHospitalID.String())
	}
	return errors.Wrap(err, "failed to insert referral")
}

func (r *PostgresRepository) Get(ctx context.Context, id types.ID) (*domain.Referral, error) {
	query := `SELECT ` + referralColumns + ` FROM referrals.referrals WHERE id = $1`

	ref, err := scanReferral(r.pool.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("referral", id.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get referral")
	}
	return ref, nil
}

func (r *PostgresRepository) CompareAndSwapStatus(ctx context.Context, id types.ID, expect domain.Status, change domain.StatusChange) (*domain.Referral, bool, error) {
	return r.mutate(ctx, id, func(ref *domain.Referral) bool {
		if ref.Status != expect {
			return false
		}
		ref.Apply(change)
		return true
	})
}

func (r *PostgresRepository) CloseChain(ctx context.Context, id types.ID, reason string, at time.Time) (*domain.Referral, bool, error) {
	return r.mutate(ctx, id, func(ref *domain.Referral) bool {
		if !ref.NeedsEscalation() {
			return false
		}
		ref.ChainClosed = true
		if reason != "" {
			ref.ResolutionReason = reason
		}
		ref.UpdatedAt = at.UTC()
		return true
	})
}

// mutate loads the row under a lock, lets fn decide and modify, then writes
// the mutable columns back when fn reports a change.
func (r *PostgresRepository) mutate(ctx context.Context, id types.ID, fn func(*domain.Referral) bool) (*domain.Referral, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	query := `SELECT ` + referralColumns + ` FROM referrals.referrals WHERE id = $1 FOR UPDATE`
	ref, err := scanReferral(tx.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, false, errors.NotFound("referral", id.String())
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to lock referral")
	}

	if !fn(ref) {
		return ref, false, nil
	}

	resolvedByJSON, err := marshalActor(ref.ResolvedBy)
	if err != nil {
		return nil, false, err
	}

	update := `
		UPDATE referrals.referrals SET
			status = $2, escalation_chain = $3, successor_id = $4, chain_closed = $5,
			resolved_at = $6, resolved_by = $7, resolution_reason = $8, response_message = $9,
			updated_at = $10
		WHERE id = $1`

	_, err = tx.Exec(ctx, update,
		ref.ID, string(ref.Status), chainStrings(ref.EscalationChain), ref.SuccessorID, ref.ChainClosed,
		ref.ResolvedAt, resolvedByJSON, ref.ResolutionReason, ref.ResponseMessage,
		ref.UpdatedAt,
	)
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to update referral")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, errors.Wrap(err, "failed to commit transaction")
	}
	return ref, true, nil
}

func (r *PostgresRepository) ListByStatus(ctx context.Context, status domain.Status) ([]*domain.Referral, error) {
	query := `SELECT ` + referralColumns + ` FROM referrals.referrals
		WHERE status = $1 ORDER BY created_at, id`
	return r.query(ctx, query, string(status))
}

// ListAwaitingEscalation is served by referrals_awaiting_escalation_idx.
func (r *PostgresRepository) ListAwaitingEscalation(ctx context.Context, updatedBefore time.Time, limit int) ([]*domain.Referral, error) {
	query := `SELECT ` + referralColumns + ` FROM referrals.referrals
		WHERE status = 'expired' AND successor_id IS NULL AND NOT chain_closed AND updated_at <= $1
		ORDER BY updated_at, id LIMIT $2`
	return r.query(ctx, query, updatedBefore, limit)
}

func (r *PostgresRepository) ListPendingForHospital(ctx context.Context, hospitalID domain.HospitalID) ([]*domain.Referral, error) {
	query := `SELECT ` + referralColumns + ` FROM referrals.referrals
		WHERE status = 'pending' AND target_hospital_id = $1 ORDER BY created_at, id`
	return r.query(ctx, query, string(hospitalID))
}

func (r *PostgresRepository) ListForHospital(ctx context.Context, hospitalID domain.HospitalID, filter domain.ListFilter) ([]*domain.Referral, error) {
	query, args := listForHospitalQuery(hospitalID, filter)
	return r.query(ctx, query, args...)
}

// listForHospitalQuery numbers placeholders in the order args are appended.
func listForHospitalQuery(hospitalID domain.HospitalID, filter domain.ListFilter) (string, []any) {
	query := `SELECT ` + referralColumns + ` FROM referrals.referrals
		WHERE (requesting_hospital_id = $1 OR target_hospital_id = $1)`
	args := []any{string(hospitalID)}

	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		query += ` AND status = $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY created_at DESC, id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}
	return query, args
}

func (r *PostgresRepository) ListChain(ctx context.Context, rootID types.ID) ([]*domain.Referral, error) {
	query := `SELECT ` + referralColumns + ` FROM referrals.referrals
		WHERE root_referral_id = $1 ORDER BY created_at, id`
	return r.query(ctx, query, rootID)
}

func (r *PostgresRepository) query(ctx context.Context, query string, args ...any) ([]*domain.Referral, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list referrals")
	}
	defer rows.Close()

	var out []*domain.Referral
	for rows.Next() {
		ref, err := scanReferral(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan referral")
		}
		out = append(out, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate referrals")
	}
	return out, nil
}

func scanReferral(row pgx.Row) (*domain.Referral, error) {
	var (
		ref            domain.Referral
		requesting     string
		target         string
		status         string
		urgency        string
		clinicalJSON   []byte
		chain          []string
		resolvedByJSON []byte
	)

	err := row.Scan(
		&ref.ID, &ref.PatientRef, &requesting, &target, &status, &urgency, &clinicalJSON,
		&ref.TimeoutSeconds, &ref.CreatedAt, &ref.DeadlineAt, &ref.UpdatedAt,
		&chain, &ref.RootReferralID, &ref.PredecessorID, &ref.SuccessorID, &ref.ChainClosed,
		&ref.ResolvedAt, &resolvedByJSON, &ref.ResolutionReason, &ref.ResponseMessage,
	)
	if err != nil {
		return nil, err
	}

	ref.RequestingHospitalID = domain.HospitalID(requesting)
	ref.TargetHospitalID = domain.HospitalID(target)
	ref.Status = domain.Status(status)
	ref.Urgency = domain.Urgency(urgency)
	ref.EscalationChain = make([]domain.HospitalID, len(chain))
	for i, h := range chain {
		ref.EscalationChain[i] = domain.HospitalID(h)
	}
	if len(clinicalJSON) > 0 {
		if err := json.Unmarshal(clinicalJSON, &ref.Clinical); err != nil {
			return nil, err
		}
	}
	if len(resolvedByJSON) > 0 {
		var actor domain.Actor
		if err := json.Unmarshal(resolvedByJSON, &actor); err != nil {
			return nil, err
		}
		ref.ResolvedBy = &actor
	}
	return &ref, nil
}

func marshalActor(a *domain.Actor) ([]byte, error) {
	if a == nil {
		return nil, nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal actor")
	}
	return b, nil
}

func chainStrings(chain []domain.HospitalID) []string {
	out := make([]string, len(chain))
	for i, h := range chain {
		out[i] = string(h)
	}
	return out
}
