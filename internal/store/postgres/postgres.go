// Package postgres implements store.Querier over pgxpool. Idempotent
// writes lean on ON CONFLICT instead of read-then-write round trips.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arc-self/billingwatch/internal/domain"
	"github.com/arc-self/billingwatch/internal/store"
)

// Store implements store.Querier over a pgxpool.Pool.
type Store struct {
	pool *pgxpool.Pool
}

// New constructs a Store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

var _ store.Querier = (*Store)(nil)

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

// ── organizations / connections ─────────────────────────────────────────

func (s *Store) GetOrganizationBySlug(ctx context.Context, slug string) (domain.Organization, error) {
	const q = `SELECT id, slug, name, created_at FROM organizations WHERE slug = $1`
	var o domain.Organization
	if err := s.pool.QueryRow(ctx, q, slug).Scan(&o.ID, &o.Slug, &o.Name, &o.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Organization{}, store.ErrNotFound
		}
		return domain.Organization{}, fmt.Errorf("get organization by slug: %w", err)
	}
	return o, nil
}

func (s *Store) GetBillingConnection(ctx context.Context, orgID uuid.UUID, source domain.Source) (domain.BillingConnection, error) {
	const q = `SELECT id, organization_id, source, external_acct_id, webhook_secret, status, last_webhook_at, created_at, updated_at
	           FROM billing_connections WHERE organization_id = $1 AND source = $2`
	row := s.pool.QueryRow(ctx, q, orgID, source)
	return scanConnection(row)
}

func (s *Store) GetBillingConnectionByID(ctx context.Context, id uuid.UUID) (domain.BillingConnection, error) {
	const q = `SELECT id, organization_id, source, external_acct_id, webhook_secret, status, last_webhook_at, created_at, updated_at
	           FROM billing_connections WHERE id = $1`
	row := s.pool.QueryRow(ctx, q, id)
	return scanConnection(row)
}

func scanConnection(row pgx.Row) (domain.BillingConnection, error) {
	var c domain.BillingConnection
	var lastWebhook *time.Time
	if err := row.Scan(&c.ID, &c.OrganizationID, &c.Source, &c.ExternalAcctID, &c.WebhookSecret,
		&c.Status, &lastWebhook, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.BillingConnection{}, store.ErrNotFound
		}
		return domain.BillingConnection{}, fmt.Errorf("scan billing connection: %w", err)
	}
	c.LastWebhookAt = lastWebhook
	return c, nil
}

func (s *Store) ListActiveBillingConnections(ctx context.Context) ([]domain.BillingConnection, error) {
	const q = `SELECT id, organization_id, source, external_acct_id, webhook_secret, status, last_webhook_at, created_at, updated_at
	           FROM billing_connections WHERE status = 'active'`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list active billing connections: %w", err)
	}
	defer rows.Close()
	var out []domain.BillingConnection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) UpdateConnectionStatus(ctx context.Context, id uuid.UUID, status domain.ConnectionStatus, lastWebhookAt *time.Time) error {
	const q = `UPDATE billing_connections SET status = $2, last_webhook_at = COALESCE($3, last_webhook_at), updated_at = now() WHERE id = $1`
	_, err := s.pool.Exec(ctx, q, id, status, nullTime(lastWebhookAt))
	if err != nil {
		return fmt.Errorf("update connection status: %w", err)
	}
	return nil
}

// ── raw webhook log ─────────────────────────────────────────────────────

func (s *Store) InsertRawWebhookLog(ctx context.Context, log domain.RawWebhookLog) error {
	const q = `INSERT INTO raw_webhook_logs
	           (id, organization_id, connection_id, source, received_at, headers, body, signature_valid, status, http_status, attempts)
	           VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	headers := log.Headers
	if headers == nil {
		headers = []byte("{}")
	}
	_, err := s.pool.Exec(ctx, q, log.ID, log.OrganizationID, log.ConnectionID, log.Source, log.ReceivedAt,
		headers, log.Body, log.SignatureValid, log.Status, log.HTTPStatus, log.Attempts)
	if err != nil {
		return fmt.Errorf("insert raw webhook log: %w", err)
	}
	return nil
}

func (s *Store) UpdateRawWebhookLogStatus(ctx context.Context, id uuid.UUID, status domain.WebhookStatus, processingErr, externalEventID, eventType string) error {
	const q = `UPDATE raw_webhook_logs
	           SET status = $2, processing_error = $3,
	               external_event_id = CASE WHEN $4 <> '' THEN $4 ELSE external_event_id END,
	               event_type = CASE WHEN $5 <> '' THEN $5 ELSE event_type END,
	               processed_at = now(), attempts = attempts + 1
	           WHERE id = $1`
	_, err := s.pool.Exec(ctx, q, id, status, processingErr, externalEventID, eventType)
	if err != nil {
		return fmt.Errorf("update raw webhook log status: %w", err)
	}
	return nil
}

const rawWebhookLogColumns = `id, organization_id, connection_id, source, received_at, headers, body,
	           signature_valid, status, external_event_id, event_type, http_status, processing_error, processed_at, attempts`

func (s *Store) ListUnprocessedRawWebhookLogs(ctx context.Context, before time.Time) ([]domain.RawWebhookLog, error) {
	q := `SELECT ` + rawWebhookLogColumns + ` FROM raw_webhook_logs
	           WHERE status IN ('received', 'queued') AND COALESCE(processed_at, received_at) <= $1
	           ORDER BY received_at ASC`
	rows, err := s.pool.Query(ctx, q, before)
	if err != nil {
		return nil, fmt.Errorf("list unprocessed raw webhook logs: %w", err)
	}
	defer rows.Close()
	var out []domain.RawWebhookLog
	for rows.Next() {
		var l domain.RawWebhookLog
		if err := rows.Scan(&l.ID, &l.OrganizationID, &l.ConnectionID, &l.Source, &l.ReceivedAt, &l.Headers, &l.Body,
			&l.SignatureValid, &l.Status, &l.ExternalEventID, &l.EventType, &l.HTTPStatus, &l.ProcessingError,
			&l.ProcessedAt, &l.Attempts); err != nil {
			return nil, fmt.Errorf("scan raw webhook log: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ── canonical events ────────────────────────────────────────────────────

func (s *Store) UpsertCanonicalEvent(ctx context.Context, e domain.CanonicalEvent) (bool, error) {
	const q = `INSERT INTO canonical_events
	           (id, organization_id, source, idempotency_key, event_type, status, source_event_type,
	            external_user_id, external_subscription_id, product_id, product_family, plan_tier,
	            interval, amount_cents, currency, trial_started_at, occurred_at, received_at, identity_hints, raw_payload)
	           VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
	           ON CONFLICT (organization_id, source, idempotency_key) DO NOTHING`
	hints, err := json.Marshal(e.IdentityHints)
	if err != nil {
		return false, fmt.Errorf("marshal identity hints: %w", err)
	}
	tag, err := s.pool.Exec(ctx, q, e.ID, e.OrganizationID, e.Source, e.IdempotencyKey, e.EventType, e.Status, e.SourceEventType,
		e.ExternalUserID, e.ExternalSubscriptionID, e.ProductID, e.ProductFamily, e.PlanTier,
		e.Interval, e.AmountCents, e.Currency, nullTime(e.TrialStartedAt), e.OccurredAt, e.ReceivedAt, hints, e.RawPayload)
	if err != nil {
		return false, fmt.Errorf("upsert canonical event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) SetCanonicalEventUser(ctx context.Context, eventID, userID uuid.UUID) error {
	const q = `UPDATE canonical_events SET user_id = $2 WHERE id = $1`
	_, err := s.pool.Exec(ctx, q, eventID, userID)
	if err != nil {
		return fmt.Errorf("set canonical event user: %w", err)
	}
	return nil
}

const canonicalEventColumns = `id, organization_id, source, idempotency_key, event_type, status, source_event_type,
	           external_user_id, external_subscription_id, product_id, product_family, plan_tier,
	           interval, amount_cents, currency, trial_started_at, occurred_at, received_at, identity_hints, raw_payload, user_id`

func (s *Store) ListCanonicalEventsSince(ctx context.Context, orgID uuid.UUID, source domain.Source, since time.Time) ([]domain.CanonicalEvent, error) {
	q := `SELECT ` + canonicalEventColumns + ` FROM canonical_events WHERE organization_id = $1 AND source = $2 AND occurred_at >= $3 ORDER BY occurred_at ASC`
	rows, err := s.pool.Query(ctx, q, orgID, source, since)
	if err != nil {
		return nil, fmt.Errorf("list canonical events since: %w", err)
	}
	defer rows.Close()
	return scanCanonicalEvents(rows)
}

func (s *Store) ListCanonicalEventsForUser(ctx context.Context, orgID, userID uuid.UUID, productFamily string) ([]domain.CanonicalEvent, error) {
	q := `SELECT ` + canonicalEventColumns + ` FROM canonical_events WHERE organization_id = $1 AND user_id = $2 AND product_family = $3 ORDER BY occurred_at ASC`
	rows, err := s.pool.Query(ctx, q, orgID, userID, productFamily)
	if err != nil {
		return nil, fmt.Errorf("list canonical events for user: %w", err)
	}
	defer rows.Close()
	return scanCanonicalEvents(rows)
}

func (s *Store) ListOrgCanonicalEvents(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]domain.CanonicalEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + canonicalEventColumns + ` FROM canonical_events WHERE organization_id = $1 ORDER BY occurred_at DESC LIMIT $2 OFFSET $3`
	rows, err := s.pool.Query(ctx, q, orgID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list org canonical events: %w", err)
	}
	defer rows.Close()
	return scanCanonicalEvents(rows)
}

func scanCanonicalEvents(rows pgx.Rows) ([]domain.CanonicalEvent, error) {
	var out []domain.CanonicalEvent
	for rows.Next() {
		var e domain.CanonicalEvent
		var hints []byte
		var userID *uuid.UUID
		if err := rows.Scan(&e.ID, &e.OrganizationID, &e.Source, &e.IdempotencyKey, &e.EventType, &e.Status, &e.SourceEventType,
			&e.ExternalUserID, &e.ExternalSubscriptionID, &e.ProductID, &e.ProductFamily, &e.PlanTier,
			&e.Interval, &e.AmountCents, &e.Currency, &e.TrialStartedAt, &e.OccurredAt, &e.ReceivedAt,
			&hints, &e.RawPayload, &userID); err != nil {
			return nil, fmt.Errorf("scan canonical event: %w", err)
		}
		_ = json.Unmarshal(hints, &e.IdentityHints)
		e.UserID = userID
		out = append(out, e)
	}
	return out, rows.Err()
}

// ── identity ────────────────────────────────────────────────────────────

func (s *Store) FindUserIdentity(ctx context.Context, orgID uuid.UUID, kind domain.UserIdentityKind, value string) (uuid.UUID, bool, error) {
	const q = `SELECT user_id FROM user_identities WHERE organization_id = $1 AND kind = $2 AND value = $3 LIMIT 1`
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, q, orgID, kind, value).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.UUID{}, false, nil
		}
		return uuid.UUID{}, false, fmt.Errorf("find user identity: %w", err)
	}
	return id, true, nil
}

func (s *Store) CreateUser(ctx context.Context, orgID uuid.UUID, primaryEmail string) (domain.User, error) {
	const q = `INSERT INTO users (id, organization_id, primary_email, created_at) VALUES ($1,$2,$3, now()) RETURNING created_at`
	u := domain.User{ID: uuid.New(), OrganizationID: orgID, PrimaryEmail: primaryEmail}
	if err := s.pool.QueryRow(ctx, q, u.ID, u.OrganizationID, u.PrimaryEmail).Scan(&u.CreatedAt); err != nil {
		return domain.User{}, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

func (s *Store) CreateUserIdentity(ctx context.Context, identity domain.UserIdentity) error {
	const q = `INSERT INTO user_identities (id, user_id, organization_id, source, kind, value, created_at)
	           VALUES ($1,$2,$3,$4,$5,$6, now())
	           ON CONFLICT (organization_id, kind, value) DO UPDATE SET user_id = EXCLUDED.user_id`
	_, err := s.pool.Exec(ctx, q, identity.ID, identity.UserID, identity.OrganizationID, identity.Source, identity.Kind, identity.Value)
	if err != nil {
		return fmt.Errorf("create user identity: %w", err)
	}
	return nil
}

// MergeUsers rewrites every reference from victimID to survivorID
// inside a single transaction, then deletes the victim row.
func (s *Store) MergeUsers(ctx context.Context, survivorID, victimID uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("merge users begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, q := range []string{
		`UPDATE user_identities SET user_id = $1 WHERE user_id = $2`,
		`UPDATE canonical_events SET user_id = $1 WHERE user_id = $2`,
		`UPDATE entitlements SET user_id = $1 WHERE user_id = $2`,
		`UPDATE issues SET user_id = $1 WHERE user_id = $2`,
		`UPDATE access_checks SET user_id = $1 WHERE user_id = $2`,
	} {
		if _, err := tx.Exec(ctx, q, survivorID, victimID); err != nil {
			return fmt.Errorf("merge users rewrite: %w", err)
		}
	}
	if _, err := tx.Exec(ctx, `DELETE FROM users WHERE id = $1`, victimID); err != nil {
		return fmt.Errorf("merge users delete victim: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (domain.User, error) {
	const q = `SELECT id, organization_id, primary_email, created_at FROM users WHERE id = $1`
	var u domain.User
	if err := s.pool.QueryRow(ctx, q, id).Scan(&u.ID, &u.OrganizationID, &u.PrimaryEmail, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, store.ErrNotFound
		}
		return domain.User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *Store) ListUserIdentities(ctx context.Context, userID uuid.UUID) ([]domain.UserIdentity, error) {
	const q = `SELECT id, user_id, organization_id, source, kind, value, created_at FROM user_identities WHERE user_id = $1 ORDER BY created_at ASC`
	rows, err := s.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("list user identities: %w", err)
	}
	defer rows.Close()
	var out []domain.UserIdentity
	for rows.Next() {
		var i domain.UserIdentity
		if err := rows.Scan(&i.ID, &i.UserID, &i.OrganizationID, &i.Source, &i.Kind, &i.Value, &i.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user identity: %w", err)
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// ── entitlement ─────────────────────────────────────────────────────────

const entitlementColumns = `id, organization_id, user_id, source, product_id, external_subscription_id, state,
	           will_cancel, current_period_start, current_period_end, grace_until, last_event_id, updated_at`

func scanEntitlement(row pgx.Row) (domain.Entitlement, error) {
	var e domain.Entitlement
	err := row.Scan(&e.ID, &e.OrganizationID, &e.UserID, &e.Source, &e.ProductID, &e.ExternalSubscriptionID, &e.State,
		&e.WillCancel, &e.CurrentPeriodStart, &e.CurrentPeriodEnd, &e.GraceUntil, &e.LastEventID, &e.UpdatedAt)
	return e, err
}

func (s *Store) GetEntitlement(ctx context.Context, orgID, userID uuid.UUID, source domain.Source, productKey string) (domain.Entitlement, bool, error) {
	q := `SELECT ` + entitlementColumns + ` FROM entitlements WHERE organization_id = $1 AND user_id = $2 AND source = $3 AND product_id = $4`
	e, err := scanEntitlement(s.pool.QueryRow(ctx, q, orgID, userID, source, productKey))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Entitlement{}, false, nil
		}
		return domain.Entitlement{}, false, fmt.Errorf("get entitlement: %w", err)
	}
	return e, true, nil
}

func (s *Store) UpsertEntitlement(ctx context.Context, e domain.Entitlement) error {
	const q = `INSERT INTO entitlements
	           (id, organization_id, user_id, source, product_id, external_subscription_id, state,
	            will_cancel, current_period_start, current_period_end, grace_until, last_event_id, updated_at)
	           VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12, now())
	           ON CONFLICT (organization_id, user_id, source, product_id)
	           DO UPDATE SET state = EXCLUDED.state, external_subscription_id = EXCLUDED.external_subscription_id,
	                         will_cancel = EXCLUDED.will_cancel,
	                         current_period_start = EXCLUDED.current_period_start,
	                         current_period_end = EXCLUDED.current_period_end,
	                         grace_until = EXCLUDED.grace_until, last_event_id = EXCLUDED.last_event_id, updated_at = now()`
	id := e.ID
	if id == (uuid.UUID{}) {
		id = uuid.New()
	}
	_, err := s.pool.Exec(ctx, q, id, e.OrganizationID, e.UserID, e.Source, e.ProductID, e.ExternalSubscriptionID, e.State,
		e.WillCancel, nullTime(e.CurrentPeriodStart), nullTime(e.CurrentPeriodEnd), nullTime(e.GraceUntil), e.LastEventID)
	if err != nil {
		return fmt.Errorf("upsert entitlement: %w", err)
	}
	return nil
}

// ListEntitlementsInGrace returns rows due for the lazy grace/past-due
// sweep (see entitlement.Projector.SweepGrace): active/trial/
// billing_retry rows whose current_period_end is at or before
// overdueBefore, plus grace_period rows whose grace_until is at or
// before graceBefore. The two cutoffs differ because the first branch
// waits out the grace window while the second already has.
func (s *Store) ListEntitlementsInGrace(ctx context.Context, overdueBefore, graceBefore time.Time) ([]domain.Entitlement, error) {
	q := `SELECT ` + entitlementColumns + ` FROM entitlements
	           WHERE (state IN ('active', 'trial', 'billing_retry') AND current_period_end <= $1)
	              OR (state = 'grace_period' AND grace_until <= $2)`
	rows, err := s.pool.Query(ctx, q, overdueBefore, graceBefore)
	if err != nil {
		return nil, fmt.Errorf("list entitlements in grace: %w", err)
	}
	defer rows.Close()
	var out []domain.Entitlement
	for rows.Next() {
		e, err := scanEntitlement(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entitlement: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) ListAccessGrantingEntitlements(ctx context.Context, orgID uuid.UUID) ([]domain.Entitlement, error) {
	q := `SELECT ` + entitlementColumns + ` FROM entitlements
	           WHERE organization_id = $1 AND state IN ('active', 'trial', 'grace_period', 'billing_retry', 'past_due')`
	rows, err := s.pool.Query(ctx, q, orgID)
	if err != nil {
		return nil, fmt.Errorf("list access-granting entitlements: %w", err)
	}
	defer rows.Close()
	var out []domain.Entitlement
	for rows.Next() {
		e, err := scanEntitlement(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entitlement: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) ListEntitlementsForUser(ctx context.Context, orgID, userID uuid.UUID) ([]domain.Entitlement, error) {
	q := `SELECT ` + entitlementColumns + ` FROM entitlements WHERE organization_id = $1 AND user_id = $2 ORDER BY updated_at DESC`
	rows, err := s.pool.Query(ctx, q, orgID, userID)
	if err != nil {
		return nil, fmt.Errorf("list entitlements for user: %w", err)
	}
	defer rows.Close()
	var out []domain.Entitlement
	for rows.Next() {
		e, err := scanEntitlement(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entitlement: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) CountEntitlementsByState(ctx context.Context, orgID uuid.UUID) (map[domain.EntitlementState]int, error) {
	const q = `SELECT state, count(*) FROM entitlements WHERE organization_id = $1 GROUP BY state`
	rows, err := s.pool.Query(ctx, q, orgID)
	if err != nil {
		return nil, fmt.Errorf("count entitlements by state: %w", err)
	}
	defer rows.Close()
	out := map[domain.EntitlementState]int{}
	for rows.Next() {
		var state domain.EntitlementState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan entitlement state count: %w", err)
		}
		out[state] = n
	}
	return out, rows.Err()
}

// ── access checks ───────────────────────────────────────────────────────

const accessCheckColumns = `id, organization_id, user_id, external_user_ref, has_access, observed_at, source_tag, expires_at`

const insertAccessCheckSQL = `INSERT INTO access_checks (` + accessCheckColumns + `)
	           VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`

func (s *Store) RecordAccessCheck(ctx context.Context, ac domain.AccessCheck) error {
	_, err := s.pool.Exec(ctx, insertAccessCheckSQL, ac.ID, ac.OrganizationID, ac.UserID, ac.ExternalUserRef,
		ac.HasAccess, ac.ObservedAt, ac.SourceTag, ac.ExpiresAt)
	if err != nil {
		return fmt.Errorf("record access check: %w", err)
	}
	return nil
}

func (s *Store) RecordAccessCheckBatch(ctx context.Context, acs []domain.AccessCheck) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("record access check batch begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	for _, ac := range acs {
		if _, err := tx.Exec(ctx, insertAccessCheckSQL, ac.ID, ac.OrganizationID, ac.UserID, ac.ExternalUserRef,
			ac.HasAccess, ac.ObservedAt, ac.SourceTag, ac.ExpiresAt); err != nil {
			return fmt.Errorf("record access check batch: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func scanAccessChecks(rows pgx.Rows) ([]domain.AccessCheck, error) {
	var out []domain.AccessCheck
	for rows.Next() {
		var a domain.AccessCheck
		if err := rows.Scan(&a.ID, &a.OrganizationID, &a.UserID, &a.ExternalUserRef, &a.HasAccess,
			&a.ObservedAt, &a.SourceTag, &a.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan access check: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) ListUnresolvedAccessChecks(ctx context.Context, orgID uuid.UUID, externalUserRef string) ([]domain.AccessCheck, error) {
	const q = `SELECT ` + accessCheckColumns + `
	           FROM access_checks WHERE organization_id = $1 AND external_user_ref = $2 AND user_id IS NULL AND expires_at > now()`
	rows, err := s.pool.Query(ctx, q, orgID, externalUserRef)
	if err != nil {
		return nil, fmt.Errorf("list unresolved access checks: %w", err)
	}
	defer rows.Close()
	return scanAccessChecks(rows)
}

func (s *Store) ResolveAccessCheck(ctx context.Context, id, userID uuid.UUID) error {
	const q = `UPDATE access_checks SET user_id = $2 WHERE id = $1`
	_, err := s.pool.Exec(ctx, q, id, userID)
	if err != nil {
		return fmt.Errorf("resolve access check: %w", err)
	}
	return nil
}

func (s *Store) ListRecentAccessChecks(ctx context.Context, orgID uuid.UUID, since time.Time) ([]domain.AccessCheck, error) {
	const q = `SELECT ` + accessCheckColumns + `
	           FROM access_checks WHERE organization_id = $1 AND observed_at >= $2 ORDER BY observed_at ASC`
	rows, err := s.pool.Query(ctx, q, orgID, since)
	if err != nil {
		return nil, fmt.Errorf("list recent access checks: %w", err)
	}
	defer rows.Close()
	return scanAccessChecks(rows)
}

// ── issues ──────────────────────────────────────────────────────────────

const issueColumns = `id, organization_id, detector, dedup_key, severity, state, tier, title, details,
	           user_id, estimated_revenue_cents, confidence, first_seen_at, last_seen_at, occurrence_count, resolved_at, resolution`

func scanIssue(row pgx.Row) (domain.Issue, error) {
	var i domain.Issue
	err := row.Scan(&i.ID, &i.OrganizationID, &i.Detector, &i.DedupKey, &i.Severity, &i.State, &i.Tier,
		&i.Title, &i.Details, &i.UserID, &i.EstimatedRevenueCents, &i.Confidence,
		&i.FirstSeenAt, &i.LastSeenAt, &i.OccurrenceCount, &i.ResolvedAt, &i.Resolution)
	return i, err
}

// UpsertIssue conflicts only against the live (open/acknowledged) row
// for the fingerprint, via the partial unique index — a fresh
// occurrence after resolution/dismissal inserts a successor row and
// leaves the closed episode's timestamps and resolution note intact.
func (s *Store) UpsertIssue(ctx context.Context, issue domain.Issue) (bool, error) {
	const q = `INSERT INTO issues
	           (id, organization_id, detector, dedup_key, severity, state, tier, title, details,
	            user_id, estimated_revenue_cents, confidence, first_seen_at, last_seen_at, occurrence_count)
	           VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$13,1)
	           ON CONFLICT (organization_id, detector, dedup_key) WHERE state IN ('open', 'acknowledged')
	           DO UPDATE SET last_seen_at = EXCLUDED.last_seen_at, occurrence_count = issues.occurrence_count + 1,
	                         details = EXCLUDED.details,
	                         estimated_revenue_cents = EXCLUDED.estimated_revenue_cents,
	                         confidence = EXCLUDED.confidence
	           RETURNING (xmax = 0)`
	var created bool
	err := s.pool.QueryRow(ctx, q, issue.ID, issue.OrganizationID, issue.Detector, issue.DedupKey, issue.Severity,
		issue.State, issue.Tier, issue.Title, issue.Details,
		issue.UserID, issue.EstimatedRevenueCents, issue.Confidence, issue.FirstSeenAt).Scan(&created)
	if err != nil {
		return false, fmt.Errorf("upsert issue: %w", err)
	}
	return created, nil
}

func (s *Store) GetIssue(ctx context.Context, id uuid.UUID) (domain.Issue, error) {
	const q = `SELECT ` + issueColumns + ` FROM issues WHERE id = $1`
	i, err := scanIssue(s.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Issue{}, store.ErrNotFound
		}
		return domain.Issue{}, fmt.Errorf("get issue: %w", err)
	}
	return i, nil
}

func (s *Store) GetIssueByDedupKey(ctx context.Context, orgID uuid.UUID, detector domain.DetectorKind, dedupKey string) (domain.Issue, bool, error) {
	const q = `SELECT ` + issueColumns + `
	           FROM issues WHERE organization_id = $1 AND detector = $2 AND dedup_key = $3
	             AND state IN ('open', 'acknowledged')`
	i, err := scanIssue(s.pool.QueryRow(ctx, q, orgID, detector, dedupKey))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Issue{}, false, nil
		}
		return domain.Issue{}, false, fmt.Errorf("get issue by dedup key: %w", err)
	}
	return i, true, nil
}

func (s *Store) TransitionIssueState(ctx context.Context, id uuid.UUID, state domain.IssueState, resolution string) error {
	var resolvedAt interface{}
	if state == domain.IssueResolved || state == domain.IssueDismissed {
		resolvedAt = time.Now().UTC()
	}
	const q = `UPDATE issues SET state = $2, resolved_at = $3, resolution = $4 WHERE id = $1`
	_, err := s.pool.Exec(ctx, q, id, state, resolvedAt, resolution)
	if err != nil {
		return fmt.Errorf("transition issue state: %w", err)
	}
	return nil
}

var severityRank = map[domain.IssueSeverity]int{
	domain.SeverityInfo: 0, domain.SeverityWarning: 1, domain.SeverityCritical: 2,
}

func (s *Store) ListIssues(ctx context.Context, orgID uuid.UUID, filter store.IssueFilter) ([]domain.Issue, error) {
	q := `SELECT ` + issueColumns + ` FROM issues WHERE organization_id = $1`
	args := []interface{}{orgID}
	if filter.Status != "" {
		args = append(args, filter.Status)
		q += fmt.Sprintf(" AND state = $%d", len(args))
	} else {
		q += " AND state IN ('open','acknowledged')"
	}
	if filter.Detector != "" {
		args = append(args, filter.Detector)
		q += fmt.Sprintf(" AND detector = $%d", len(args))
	}
	if filter.MinSeverity != "" {
		severities := make([]domain.IssueSeverity, 0, 3)
		floor := severityRank[filter.MinSeverity]
		for sev, rank := range severityRank {
			if rank >= floor {
				severities = append(severities, sev)
			}
		}
		args = append(args, severities)
		q += fmt.Sprintf(" AND severity = ANY($%d)", len(args))
	}
	q += " ORDER BY last_seen_at DESC"
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	q += fmt.Sprintf(" LIMIT $%d", len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	defer rows.Close()
	var out []domain.Issue
	for rows.Next() {
		i, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// ── detector runs ───────────────────────────────────────────────────────

func (s *Store) InsertDetectorRun(ctx context.Context, run domain.DetectorRun) error {
	const q = `INSERT INTO detector_runs (id, organization_id, detector, started_at) VALUES ($1,$2,$3,$4)`
	_, err := s.pool.Exec(ctx, q, run.ID, run.OrganizationID, run.Detector, run.StartedAt)
	if err != nil {
		return fmt.Errorf("insert detector run: %w", err)
	}
	return nil
}

func (s *Store) FinishDetectorRun(ctx context.Context, id uuid.UUID, issuesCreated, issuesUpdated int, errMsg string) error {
	const q = `UPDATE detector_runs SET finished_at = now(), issues_created = $2, issues_updated = $3, error = $4 WHERE id = $1`
	_, err := s.pool.Exec(ctx, q, id, issuesCreated, issuesUpdated, errMsg)
	if err != nil {
		return fmt.Errorf("finish detector run: %w", err)
	}
	return nil
}

// ── alerting ────────────────────────────────────────────────────────────

func (s *Store) ListAlertConfigs(ctx context.Context, orgID uuid.UUID) ([]domain.AlertConfig, error) {
	const q = `SELECT id, organization_id, channel, url, secret, min_severity, rate_limit_per_5min, enabled
	           FROM alert_configs WHERE organization_id = $1 AND enabled = true`
	rows, err := s.pool.Query(ctx, q, orgID)
	if err != nil {
		return nil, fmt.Errorf("list alert configs: %w", err)
	}
	defer rows.Close()
	var out []domain.AlertConfig
	for rows.Next() {
		var a domain.AlertConfig
		if err := rows.Scan(&a.ID, &a.OrganizationID, &a.Channel, &a.URL, &a.Secret, &a.MinSeverity, &a.RateLimitPer5Min, &a.Enabled); err != nil {
			return nil, fmt.Errorf("scan alert config: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) InsertAlertDelivery(ctx context.Context, d domain.AlertDelivery) error {
	const q = `INSERT INTO alert_deliveries (id, alert_config_id, issue_id, status, error_message, attempted_at)
	           VALUES ($1,$2,$3,$4,$5,$6)`
	_, err := s.pool.Exec(ctx, q, d.ID, d.AlertConfigID, d.IssueID, d.Status, d.ErrorMessage, d.AttemptedAt)
	if err != nil {
		return fmt.Errorf("insert alert delivery: %w", err)
	}
	return nil
}

func (s *Store) CountRecentDeliveries(ctx context.Context, alertConfigID uuid.UUID, since time.Time) (int, error) {
	const q = `SELECT count(*) FROM alert_deliveries WHERE alert_config_id = $1 AND attempted_at >= $2`
	var n int
	if err := s.pool.QueryRow(ctx, q, alertConfigID, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("count recent deliveries: %w", err)
	}
	return n, nil
}
