package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/example/wavematch/internal/request/domain"
)

const requestColumns = `id, seeker_id, category_id, sub_category_id, title, description,
	origin_lat, origin_lng, address_id, window_start, window_end, quantity, duration_hours,
	status, current_wave, next_wave_at, notified_provider_ids, declined,
	accepted_provider_id, accepted_listing_id, accepted_at, agreed_price_cents, order_id,
	cancelled_at, cancel_reason, idempotency_key, fingerprint, created_at, expires_at, updated_at, version`

// PostgresRepository stores requests in service_requests and their wave log
// in request_waves, one row per (request_id, wave_number).
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository constructs a repository over an open pgx-backed *sql.DB.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts the request. A second insert with the same seeker and
// idempotency key is rejected by the partial unique index.
func (p *PostgresRepository) Create(ctx context.Context, req domain.ServiceRequest) (domain.ServiceRequest, error) {
	notified, err := json.Marshal(nonNilIDs(req.Matching.Notified))
	if err != nil {
		return domain.ServiceRequest{}, fmt.Errorf("marshal notified: %w", err)
	}
	if req.Version == 0 {
		req.Version = 1
	}
	key := sql.NullString{String: req.IdempotencyKey, Valid: req.IdempotencyKey != ""}
	res, err := p.db.ExecContext(ctx, `INSERT INTO service_requests (
		id, seeker_id, category_id, sub_category_id, title, description, origin_lat, origin_lng,
		address_id, window_start, window_end, quantity, duration_hours, status, current_wave,
		next_wave_at, notified_provider_ids, idempotency_key, fingerprint, created_at, expires_at,
		updated_at, version
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17::jsonb, $18, $19, $20, $21, $22, $23)
	ON CONFLICT (seeker_id, idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING`,
		req.ID, req.SeekerID, req.CategoryID, req.SubCategoryID, req.Title, req.Description,
		req.Origin.Lat, req.Origin.Lng, req.AddressID, req.Window.Start, req.Window.End, req.Quantity,
		req.DurationHours, string(req.Status), req.Matching.CurrentWave, req.Matching.NextWaveAt,
		string(notified), key, req.Fingerprint, req.CreatedAt, req.ExpiresAt, req.UpdatedAt, req.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ServiceRequest{}, domain.ErrDuplicateKey
		}
		return domain.ServiceRequest{}, fmt.Errorf("insert request: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ServiceRequest{}, domain.ErrDuplicateKey
	}
	return p.Get(ctx, req.ID)
}

// Get retrieves a request and its wave log.
func (p *PostgresRepository) Get(ctx context.Context, id uuid.UUID) (domain.ServiceRequest, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM service_requests WHERE id = $1`, id)
	req, err := scanRequest(row)
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	return p.withWaves(ctx, req)
}

// GetByIdempotencyKey finds the request created with the seeker's key.
func (p *PostgresRepository) GetByIdempotencyKey(ctx context.Context, seekerID uuid.UUID, key string) (domain.ServiceRequest, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM service_requests WHERE seeker_id = $1 AND idempotency_key = $2`, seekerID, key)
	req, err := scanRequest(row)
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	return p.withWaves(ctx, req)
}

// Update issues a single conditional UPDATE; the wave record, when present, is
// inserted in the same transaction.
func (p *PostgresRepository) Update(ctx context.Context, id uuid.UUID, cond domain.Condition, change domain.Change) (domain.ServiceRequest, error) {
	query, args, err := buildUpdate(id, cond, change)
	if err != nil {
		return domain.ServiceRequest{}, err
	}

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return domain.ServiceRequest{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return domain.ServiceRequest{}, fmt.Errorf("update request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.ServiceRequest{}, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM service_requests WHERE id = $1)`, id).Scan(&exists); err != nil {
			return domain.ServiceRequest{}, fmt.Errorf("check request: %w", err)
		}
		if !exists {
			return domain.ServiceRequest{}, domain.ErrRequestNotFound
		}
		return domain.ServiceRequest{}, domain.ErrConditionFailed
	}

	if w := change.Wave; w != nil {
		ids, err := json.Marshal(nonNilIDs(w.ProviderIDs))
		if err != nil {
			return domain.ServiceRequest{}, fmt.Errorf("marshal wave: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO request_waves (request_id, wave_number, radius_meters, provider_ids, notified_count, created_at)
			VALUES ($1, $2, $3, $4::jsonb, $5, $6)`, id, w.Number, w.RadiusMeters, string(ids), w.Count, w.At); err != nil {
			if isUniqueViolation(err) {
				return domain.ServiceRequest{}, domain.ErrConditionFailed
			}
			return domain.ServiceRequest{}, fmt.Errorf("insert wave: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.ServiceRequest{}, fmt.Errorf("commit: %w", err)
	}
	return p.Get(ctx, id)
}

// ListDueForWave serves the scheduler scan on (status, next_wave_at).
func (p *PostgresRepository) ListDueForWave(ctx context.Context, now time.Time, maxWaves, limit int) ([]domain.ServiceRequest, error) {
	return p.list(ctx, `SELECT `+requestColumns+` FROM service_requests
		WHERE status IN ('OPEN', 'MATCHED') AND next_wave_at IS NOT NULL AND next_wave_at <= $1 AND current_wave < $2
		ORDER BY next_wave_at LIMIT $3`, now, maxWaves, limit)
}

// ListExpired serves the expiry scan on (status, expires_at).
func (p *PostgresRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.ServiceRequest, error) {
	return p.list(ctx, `SELECT `+requestColumns+` FROM service_requests
		WHERE status IN ('OPEN', 'MATCHED') AND expires_at < $1
		ORDER BY expires_at LIMIT $2`, now, limit)
}

// ListInBounds is the dashboard read path over request origins.
func (p *PostgresRepository) ListInBounds(ctx context.Context, bounds domain.Bounds, statuses []domain.RequestStatus, limit int) ([]domain.ServiceRequest, error) {
	args := []any{bounds.Min.Lat, bounds.Max.Lat, bounds.Min.Lng, bounds.Max.Lng}
	where := "origin_lat BETWEEN $1 AND $2 AND origin_lng BETWEEN $3 AND $4"
	if len(statuses) > 0 {
		where += " AND " + statusIn(&args, statuses)
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT %s FROM service_requests WHERE %s ORDER BY created_at DESC LIMIT $%d`, requestColumns, where, len(args))
	return p.list(ctx, query, args...)
}

func (p *PostgresRepository) list(ctx context.Context, query string, args ...any) ([]domain.ServiceRequest, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select requests: %w", err)
	}
	defer rows.Close()
	var out []domain.ServiceRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate requests: %w", err)
	}
	for i := range out {
		if out[i], err = p.withWaves(ctx, out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (p *PostgresRepository) withWaves(ctx context.Context, req domain.ServiceRequest) (domain.ServiceRequest, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT wave_number, radius_meters, provider_ids, notified_count, created_at
		FROM request_waves WHERE request_id = $1 ORDER BY wave_number`, req.ID)
	if err != nil {
		return req, fmt.Errorf("select waves: %w", err)
	}
	defer rows.Close()
	req.Matching.Waves = nil
	for rows.Next() {
		var (
			w   domain.WaveRecord
			ids []byte
		)
		if err := rows.Scan(&w.Number, &w.RadiusMeters, &ids, &w.Count, &w.At); err != nil {
			return req, fmt.Errorf("scan wave: %w", err)
		}
		if err := json.Unmarshal(ids, &w.ProviderIDs); err != nil {
			return req, fmt.Errorf("decode wave providers: %w", err)
		}
		req.Matching.Waves = append(req.Matching.Waves, w)
	}
	if err := rows.Err(); err != nil {
		return req, fmt.Errorf("iterate waves: %w", err)
	}
	return req, nil
}

func buildUpdate(id uuid.UUID, cond domain.Condition, change domain.Change) (string, []any, error) {
	args := []any{id}
	sets := []string{"version = version + 1"}
	set := func(expr string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf(expr, len(args)))
	}

	if change.Status != "" {
		set("status = $%d", string(change.Status))
	}
	if change.CurrentWave != nil {
		set("current_wave = $%d", *change.CurrentWave)
	}
	if change.ClearNextWave {
		sets = append(sets, "next_wave_at = NULL")
	} else if change.NextWaveAt != nil {
		set("next_wave_at = $%d", *change.NextWaveAt)
	}
	if len(change.Notified) > 0 {
		raw, err := json.Marshal(change.Notified)
		if err != nil {
			return "", nil, fmt.Errorf("marshal notified: %w", err)
		}
		set("notified_provider_ids = notified_provider_ids || $%d::jsonb", string(raw))
	}
	if d := change.Decline; d != nil {
		raw, err := json.Marshal(d)
		if err != nil {
			return "", nil, fmt.Errorf("marshal decline: %w", err)
		}
		args = append(args, d.ProviderID.String(), string(raw))
		sets = append(sets, fmt.Sprintf(`declined = CASE
			WHEN declined @> jsonb_build_array(jsonb_build_object('provider_id', $%d::text)) THEN declined
			ELSE declined || jsonb_build_array($%d::jsonb) END`, len(args)-1, len(args)))
	}
	if o := change.Order; o != nil {
		set("accepted_provider_id = $%d", o.ProviderID)
		set("accepted_listing_id = $%d", o.ListingID)
		set("accepted_at = $%d", o.AcceptedAt)
		set("agreed_price_cents = $%d", o.PriceCents)
		set("order_id = $%d", o.OrderID)
	}
	if c := change.Cancellation; c != nil {
		set("cancelled_at = $%d", c.At)
		set("cancel_reason = $%d", c.Reason)
	}
	if !change.At.IsZero() {
		set("updated_at = $%d", change.At)
	}

	where := []string{"id = $1"}
	if len(cond.Statuses) > 0 {
		where = append(where, statusIn(&args, cond.Statuses))
	}
	if cond.Version != 0 {
		args = append(args, cond.Version)
		where = append(where, fmt.Sprintf("version = $%d", len(args)))
	}
	if cond.NotifiedProvider != nil {
		args = append(args, cond.NotifiedProvider.String())
		where = append(where, fmt.Sprintf("notified_provider_ids @> jsonb_build_array($%d::text)", len(args)))
	}

	query := fmt.Sprintf("UPDATE service_requests SET %s WHERE %s", strings.Join(sets, ", "), strings.Join(where, " AND "))
	return query, args, nil
}

func statusIn(args *[]any, statuses []domain.RequestStatus) string {
	placeholders := make([]string, len(statuses))
	for i, s := range statuses {
		*args = append(*args, string(s))
		placeholders[i] = fmt.Sprintf("$%d", len(*args))
	}
	return fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ","))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (domain.ServiceRequest, error) {
	var (
		req                                 domain.ServiceRequest
		subCategory, address                uuid.NullUUID
		acceptedProvider, acceptedListing   uuid.NullUUID
		orderID                             uuid.NullUUID
		durationHours                       sql.NullFloat64
		nextWaveAt, acceptedAt, cancelledAt sql.NullTime
		agreedPrice                         sql.NullInt64
		cancelReason, idempotencyKey        sql.NullString
		status                              string
		notifiedRaw, declinedRaw            []byte
	)
	err := row.Scan(
		&req.ID, &req.SeekerID, &req.CategoryID, &subCategory, &req.Title, &req.Description,
		&req.Origin.Lat, &req.Origin.Lng, &address, &req.Window.Start, &req.Window.End, &req.Quantity, &durationHours,
		&status, &req.Matching.CurrentWave, &nextWaveAt, &notifiedRaw, &declinedRaw,
		&acceptedProvider, &acceptedListing, &acceptedAt, &agreedPrice, &orderID,
		&cancelledAt, &cancelReason, &idempotencyKey, &req.Fingerprint, &req.CreatedAt, &req.ExpiresAt, &req.UpdatedAt, &req.Version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return req, domain.ErrRequestNotFound
	}
	if err != nil {
		return req, fmt.Errorf("scan request: %w", err)
	}

	req.Status = domain.RequestStatus(status)
	req.IdempotencyKey = idempotencyKey.String
	if subCategory.Valid {
		req.SubCategoryID = &subCategory.UUID
	}
	if address.Valid {
		req.AddressID = &address.UUID
	}
	if durationHours.Valid {
		req.DurationHours = &durationHours.Float64
	}
	if nextWaveAt.Valid {
		req.Matching.NextWaveAt = &nextWaveAt.Time
	}
	if err := json.Unmarshal(notifiedRaw, &req.Matching.Notified); err != nil {
		return req, fmt.Errorf("decode notified: %w", err)
	}
	if err := json.Unmarshal(declinedRaw, &req.Matching.Declined); err != nil {
		return req, fmt.Errorf("decode declined: %w", err)
	}
	if acceptedProvider.Valid {
		req.Order = &domain.OrderState{
			ProviderID: acceptedProvider.UUID,
			ListingID:  acceptedListing.UUID,
			AcceptedAt: acceptedAt.Time,
			PriceCents: agreedPrice.Int64,
			OrderID:    orderID.UUID,
		}
	}
	if cancelledAt.Valid {
		req.Cancellation = &domain.Cancellation{At: cancelledAt.Time, Reason: cancelReason.String}
	}
	return req, nil
}

func nonNilIDs(ids []uuid.UUID) []uuid.UUID {
	if ids == nil {
		return []uuid.UUID{}
	}
	return ids
}

func isUniqueViolation(err error) bool {
	var e *pgconn.PgError
	return errors.As(err, &e) && e.Code == pgerrcode.UniqueViolation
}
