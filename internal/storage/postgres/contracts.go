package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mmynk/leasewise/internal/models"
	"github.com/mmynk/leasewise/internal/storage"
)

const contractColumns = `id, property_id, tenant_id, landlord_id, monthly_rent, currency, region,
	lease_start, lease_end, status, supersedes_id, created_at, updated_at`

const signatureColumns = `id, contract_id, signer_id, role, payload, idempotency_key, signed_at`

// CreateContract inserts a draft contract.
func (s *PostgresStore) CreateContract(ctx context.Context, contract *models.Contract) error {
	if contract.ID == "" {
		contract.ID = uuid.New().String()
	}
	if contract.CreatedAt.IsZero() {
		contract.CreatedAt = time.Now().UTC()
	}
	contract.UpdatedAt = contract.CreatedAt
	if contract.Status == "" {
		contract.Status = models.ContractDraft
	}

	var supersedes *string
	if contract.SupersedesID != "" {
		supersedes = &contract.SupersedesID
	}

	_, err := s.pool.Exec(ctx, `
INSERT INTO contracts (`+contractColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		contract.ID, contract.PropertyID, contract.TenantID, contract.LandlordID,
		contract.MonthlyRent, contract.Currency, contract.Region,
		contract.LeaseStart.UTC(), contract.LeaseEnd.UTC(), string(contract.Status), supersedes,
		contract.CreatedAt.UTC(), contract.UpdatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("contract %s: %w", contract.ID, storage.ErrConflict)
		}
		return fmt.Errorf("failed to insert contract: %w", err)
	}
	return nil
}

func scanContract(row pgx.Row) (*models.Contract, error) {
	c := &models.Contract{}
	var (
		status     string
		supersedes *string
	)
	if err := row.Scan(&c.ID, &c.PropertyID, &c.TenantID, &c.LandlordID, &c.MonthlyRent, &c.Currency, &c.Region,
		&c.LeaseStart, &c.LeaseEnd, &status, &supersedes, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Status = models.ContractStatus(status)
	if supersedes != nil {
		c.SupersedesID = *supersedes
	}
	c.LeaseStart = c.LeaseStart.UTC()
	c.LeaseEnd = c.LeaseEnd.UTC()
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}

// GetContract retrieves a contract by ID.
func (s *PostgresStore) GetContract(ctx context.Context, contractID string) (*models.Contract, error) {
	c, err := scanContract(s.pool.QueryRow(ctx,
		"SELECT "+contractColumns+" FROM contracts WHERE id = $1", contractID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("contract %s: %w", contractID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contract: %w", err)
	}
	return c, nil
}

// RecordSignature locks the contract row, inserts the signature and
// recomputes the status. Concurrent signers of one contract serialize on the
// row lock, so only one of them sees both roles present while the contract
// is still short of fully_executed.
func (s *PostgresStore) RecordSignature(ctx context.Context, sig *models.Signature) (storage.SignatureResult, error) {
	if sig.ID == "" {
		sig.ID = uuid.New().String()
	}
	if sig.SignedAt.IsZero() {
		sig.SignedAt = time.Now().UTC()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storage.SignatureResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var current string
	err = tx.QueryRow(ctx, "SELECT status FROM contracts WHERE id = $1 FOR UPDATE", sig.ContractID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.SignatureResult{}, fmt.Errorf("contract %s: %w", sig.ContractID, storage.ErrNotFound)
	}
	if err != nil {
		return storage.SignatureResult{}, fmt.Errorf("failed to lock contract: %w", err)
	}

	_, err = tx.Exec(ctx, `
INSERT INTO signatures (`+signatureColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sig.ID, sig.ContractID, sig.SignerID, string(sig.Role), sig.Payload, sig.IdempotencyKey, sig.SignedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.SignatureResult{}, fmt.Errorf("signature %s/%s: %w", sig.ContractID, sig.Role, storage.ErrConflict)
		}
		return storage.SignatureResult{}, fmt.Errorf("failed to insert signature: %w", err)
	}

	tag, err := tx.Exec(ctx, `
UPDATE contracts SET status = 'fully_executed', updated_at = $1
WHERE id = $2 AND status <> 'fully_executed'
  AND (SELECT COUNT(DISTINCT role) FROM signatures WHERE contract_id = $2) = 2`,
		sig.SignedAt.UTC(), sig.ContractID,
	)
	if err != nil {
		return storage.SignatureResult{}, fmt.Errorf("failed to execute contract: %w", err)
	}
	executed := tag.RowsAffected() == 1

	if !executed {
		if _, err := tx.Exec(ctx,
			"UPDATE contracts SET status = 'partially_signed', updated_at = $1 WHERE id = $2 AND status = 'draft'",
			sig.SignedAt.UTC(), sig.ContractID,
		); err != nil {
			return storage.SignatureResult{}, fmt.Errorf("failed to mark contract partially signed: %w", err)
		}
	}

	if err := tx.QueryRow(ctx, "SELECT status FROM contracts WHERE id = $1", sig.ContractID).Scan(&current); err != nil {
		return storage.SignatureResult{}, fmt.Errorf("failed to reload contract status: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return storage.SignatureResult{}, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return storage.SignatureResult{
		Status:   models.ContractStatus(current),
		Executed: executed,
	}, nil
}

func scanSignature(row pgx.Row) (*models.Signature, error) {
	sig := &models.Signature{}
	var role string
	if err := row.Scan(&sig.ID, &sig.ContractID, &sig.SignerID, &role, &sig.Payload, &sig.IdempotencyKey, &sig.SignedAt); err != nil {
		return nil, err
	}
	sig.Role = models.SignerRole(role)
	sig.SignedAt = sig.SignedAt.UTC()
	return sig, nil
}

// GetSignature returns the signature a role recorded on a contract.
func (s *PostgresStore) GetSignature(ctx context.Context, contractID string, role models.SignerRole) (*models.Signature, error) {
	sig, err := scanSignature(s.pool.QueryRow(ctx,
		"SELECT "+signatureColumns+" FROM signatures WHERE contract_id = $1 AND role = $2",
		contractID, string(role)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("signature %s/%s: %w", contractID, role, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get signature: %w", err)
	}
	return sig, nil
}

// ListSignatures retrieves all signatures of a contract.
func (s *PostgresStore) ListSignatures(ctx context.Context, contractID string) ([]*models.Signature, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+signatureColumns+" FROM signatures WHERE contract_id = $1 ORDER BY signed_at, role",
		contractID)
	if err != nil {
		return nil, fmt.Errorf("failed to list signatures: %w", err)
	}
	defer rows.Close()

	var signatures []*models.Signature
	for rows.Next() {
		sig, err := scanSignature(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan signature: %w", err)
		}
		signatures = append(signatures, sig)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate signatures: %w", err)
	}
	return signatures, nil
}
