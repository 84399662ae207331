package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Repository handles database operations for the messaging and billing
// pipeline. Methods that touch more than one row for a single event run
// inside one transaction.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// GetOrganization retrieves an organization by ID
func (r *Repository) GetOrganization(ctx context.Context, id uuid.UUID) (*Organization, error) {
	query := `
		SELECT id, name, whatsapp_phone, email, email_enabled, phone,
		       webhook_url, webhook_secret, auto_reply, created_at
		FROM organizations
		WHERE id = $1
	`

	var org Organization
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&org.ID,
		&org.Name,
		&org.WhatsAppPhone,
		&org.Email,
		&org.EmailEnabled,
		&org.Phone,
		&org.WebhookURL,
		&org.WebhookSecret,
		&org.AutoReply,
		&org.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("organization %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query organization: %w", err)
	}

	return &org, nil
}

// GetOrganizationByPhone resolves the organization that owns a WhatsApp
// business number. Used by ingestion to attribute inbound messages.
func (r *Repository) GetOrganizationByPhone(ctx context.Context, phone string) (*Organization, error) {
	query := `
		SELECT id, name, whatsapp_phone, email, email_enabled, phone,
		       webhook_url, webhook_secret, auto_reply, created_at
		FROM organizations
		WHERE whatsapp_phone = $1
	`

	var org Organization
	err := r.db.Pool().QueryRow(ctx, query, phone).Scan(
		&org.ID,
		&org.Name,
		&org.WhatsAppPhone,
		&org.Email,
		&org.EmailEnabled,
		&org.Phone,
		&org.WebhookURL,
		&org.WebhookSecret,
		&org.AutoReply,
		&org.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("organization with phone %s: %w", phone, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query organization by phone: %w", err)
	}

	return &org, nil
}

// ResolveOrganization maps an inbound recipient address (the business
// WhatsApp number) to its organization ID.
func (r *Repository) ResolveOrganization(ctx context.Context, recipientAddress string) (uuid.UUID, error) {
	org, err := r.GetOrganizationByPhone(ctx, recipientAddress)
	if err != nil {
		return uuid.Nil, err
	}
	return org.ID, nil
}

// GetDeviceTokens returns the push device tokens registered for an
// organization's users.
func (r *Repository) GetDeviceTokens(ctx context.Context, orgID uuid.UUID) ([]string, error) {
	query := `SELECT token FROM device_tokens WHERE organization_id = $1`

	rows, err := r.db.Pool().Query(ctx, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("query device tokens: %w", err)
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan device token: %w", err)
		}
		tokens = append(tokens, t)
	}

	return tokens, rows.Err()
}

// GetOrCreateCustomer finds the customer for (org, phone), creating it
// on first contact. A concurrent create by another worker is resolved
// by re-reading after a duplicate-key error.
func (r *Repository) GetOrCreateCustomer(ctx context.Context, orgID uuid.UUID, phone, name string) (*Customer, error) {
	cust, err := r.getCustomerByPhone(ctx, orgID, phone)
	if err == nil {
		return cust, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	insert := `
		INSERT INTO customers (id, organization_id, phone, name)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`

	cust = &Customer{
		ID:             uuid.New(),
		OrganizationID: orgID,
		Phone:          phone,
		Name:           name,
	}

	err = r.db.Pool().QueryRow(ctx, insert, cust.ID, orgID, phone, name).
		Scan(&cust.CreatedAt, &cust.UpdatedAt)
	if IsDuplicateKey(err) {
		// Lost the race: the other worker's row wins.
		return r.getCustomerByPhone(ctx, orgID, phone)
	}
	if err != nil {
		return nil, fmt.Errorf("insert customer: %w", err)
	}

	r.logger.Info("customer created",
		zap.String("customer_id", cust.ID.String()),
		zap.String("organization_id", orgID.String()),
	)

	return cust, nil
}

func (r *Repository) getCustomerByPhone(ctx context.Context, orgID uuid.UUID, phone string) (*Customer, error) {
	query := `
		SELECT id, organization_id, phone, name, created_at, updated_at
		FROM customers
		WHERE organization_id = $1 AND phone = $2
	`

	var cust Customer
	err := r.db.Pool().QueryRow(ctx, query, orgID, phone).Scan(
		&cust.ID,
		&cust.OrganizationID,
		&cust.Phone,
		&cust.Name,
		&cust.CreatedAt,
		&cust.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query customer: %w", err)
	}

	return &cust, nil
}

// GetOrCreateActiveSession returns the customer's active chat session,
// creating one if none is open. The partial unique index on
// (organization_id, customer_id) WHERE is_active guards the race.
func (r *Repository) GetOrCreateActiveSession(ctx context.Context, orgID, customerID uuid.UUID) (*ChatSession, error) {
	sess, err := r.getActiveSession(ctx, orgID, customerID)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	insert := `
		INSERT INTO chat_sessions (id, organization_id, customer_id, is_active, intent, sentiment)
		VALUES ($1, $2, $3, TRUE, $4, $5)
		RETURNING created_at
	`

	sess = &ChatSession{
		ID:             uuid.New(),
		OrganizationID: orgID,
		CustomerID:     customerID,
		IsActive:       true,
		Intent:         IntentGeneral,
		Sentiment:      SentimentNeutral,
	}

	err = r.db.Pool().QueryRow(ctx, insert, sess.ID, orgID, customerID, sess.Intent, sess.Sentiment).
		Scan(&sess.CreatedAt)
	if IsDuplicateKey(err) {
		return r.getActiveSession(ctx, orgID, customerID)
	}
	if err != nil {
		return nil, fmt.Errorf("insert chat session: %w", err)
	}

	return sess, nil
}

func (r *Repository) getActiveSession(ctx context.Context, orgID, customerID uuid.UUID) (*ChatSession, error) {
	query := `
		SELECT id, organization_id, customer_id, is_active, intent, sentiment, created_at, closed_at
		FROM chat_sessions
		WHERE organization_id = $1 AND customer_id = $2 AND is_active
	`

	var sess ChatSession
	err := r.db.Pool().QueryRow(ctx, query, orgID, customerID).Scan(
		&sess.ID,
		&sess.OrganizationID,
		&sess.CustomerID,
		&sess.IsActive,
		&sess.Intent,
		&sess.Sentiment,
		&sess.CreatedAt,
		&sess.ClosedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query active session: %w", err)
	}

	return &sess, nil
}

// UpdateSessionClassification re-evaluates a session's intent and
// sentiment after each inbound message.
func (r *Repository) UpdateSessionClassification(ctx context.Context, sessionID uuid.UUID, intent, sentiment string) error {
	query := `UPDATE chat_sessions SET intent = $1, sentiment = $2 WHERE id = $3`

	result, err := r.db.Pool().Exec(ctx, query, intent, sentiment, sessionID)
	if err != nil {
		return fmt.Errorf("update session classification: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}

	return nil
}

// CloseSession soft-closes a chat session. Sessions are never deleted.
func (r *Repository) CloseSession(ctx context.Context, sessionID uuid.UUID) error {
	query := `
		UPDATE chat_sessions
		SET is_active = FALSE, closed_at = NOW()
		WHERE id = $1 AND is_active
	`

	if _, err := r.db.Pool().Exec(ctx, query, sessionID); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}

// InsertMessage persists a chat message. The unique index on
// (organization_id, external_id) makes duplicate inserts fail with
// 23505; callers check IsDuplicateKey and treat that as success.
func (r *Repository) InsertMessage(ctx context.Context, msg *Message) error {
	query := `
		INSERT INTO messages (
			id, organization_id, session_id, customer_id,
			external_id, direction, body, message_type, received_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		msg.ID,
		msg.OrganizationID,
		msg.SessionID,
		msg.CustomerID,
		msg.ExternalID,
		msg.Direction,
		msg.Body,
		msg.MessageType,
		msg.ReceivedAt,
	).Scan(&msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	return nil
}
