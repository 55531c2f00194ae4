package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mmynk/leasewise/internal/models"
	"github.com/mmynk/leasewise/internal/storage"
)

const contractColumns = `id, property_id, tenant_id, landlord_id, monthly_rent, currency, region,
	lease_start, lease_end, status, supersedes_id, created_at, updated_at`

// CreateContract persists a new contract to the database.
func (s *SQLiteStore) CreateContract(ctx context.Context, contract *models.Contract) error {
	// Generate ID if not set
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

	var supersedes any
	if contract.SupersedesID != "" {
		supersedes = contract.SupersedesID
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contracts (`+contractColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		contract.ID, contract.PropertyID, contract.TenantID, contract.LandlordID,
		contract.MonthlyRent, contract.Currency, contract.Region,
		toUnix(contract.LeaseStart), toUnix(contract.LeaseEnd), string(contract.Status), supersedes,
		toUnix(contract.CreatedAt), toUnix(contract.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("contract %s: %w", contract.ID, storage.ErrConflict)
		}
		return fmt.Errorf("failed to insert contract: %w", err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContract(row rowScanner) (*models.Contract, error) {
	c := &models.Contract{}
	var (
		status               string
		supersedes           sql.NullString
		leaseStart, leaseEnd int64
		createdAt, updatedAt int64
	)
	if err := row.Scan(&c.ID, &c.PropertyID, &c.TenantID, &c.LandlordID, &c.MonthlyRent, &c.Currency, &c.Region,
		&leaseStart, &leaseEnd, &status, &supersedes, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.Status = models.ContractStatus(status)
	c.SupersedesID = supersedes.String
	c.LeaseStart = fromUnix(leaseStart)
	c.LeaseEnd = fromUnix(leaseEnd)
	c.CreatedAt = fromUnix(createdAt)
	c.UpdatedAt = fromUnix(updatedAt)
	return c, nil
}

// GetContract retrieves a contract by ID.
func (s *SQLiteStore) GetContract(ctx context.Context, contractID string) (*models.Contract, error) {
	c, err := scanContract(s.db.QueryRowContext(ctx,
		"SELECT "+contractColumns+" FROM contracts WHERE id = ?", contractID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("contract %s: %w", contractID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contract: %w", err)
	}
	return c, nil
}

// RecordSignature inserts the signature and recomputes the contract status
// inside one immediate transaction. The UNIQUE (contract_id, role) constraint
// rejects a second signature for a role; the conditional update to
// fully_executed matches at most once per contract, which is what makes
// Executed true for exactly one caller.
func (s *SQLiteStore) RecordSignature(ctx context.Context, sig *models.Signature) (storage.SignatureResult, error) {
	if sig.ID == "" {
		sig.ID = uuid.New().String()
	}
	if sig.SignedAt.IsZero() {
		sig.SignedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.SignatureResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM contracts WHERE id = ?", sig.ContractID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.SignatureResult{}, fmt.Errorf("contract %s: %w", sig.ContractID, storage.ErrNotFound)
	}
	if err != nil {
		return storage.SignatureResult{}, fmt.Errorf("failed to get contract: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO signatures (id, contract_id, signer_id, role, payload, idempotency_key, signed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sig.ID, sig.ContractID, sig.SignerID, string(sig.Role), sig.Payload, sig.IdempotencyKey, toUnix(sig.SignedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.SignatureResult{}, fmt.Errorf("signature %s/%s: %w", sig.ContractID, sig.Role, storage.ErrConflict)
		}
		return storage.SignatureResult{}, fmt.Errorf("failed to insert signature: %w", err)
	}

	now := toUnix(sig.SignedAt)
	res, err := tx.ExecContext(ctx,
		`UPDATE contracts SET status = 'fully_executed', updated_at = ?
		 WHERE id = ? AND status != 'fully_executed'
		   AND (SELECT COUNT(DISTINCT role) FROM signatures WHERE contract_id = ?) = 2`,
		now, sig.ContractID, sig.ContractID,
	)
	if err != nil {
		return storage.SignatureResult{}, fmt.Errorf("failed to execute contract: %w", err)
	}
	executed, err := res.RowsAffected()
	if err != nil {
		return storage.SignatureResult{}, fmt.Errorf("failed to read rows affected: %w", err)
	}

	if executed == 0 {
		if _, err := tx.ExecContext(ctx,
			"UPDATE contracts SET status = 'partially_signed', updated_at = ? WHERE id = ? AND status = 'draft'",
			now, sig.ContractID,
		); err != nil {
			return storage.SignatureResult{}, fmt.Errorf("failed to mark contract partially signed: %w", err)
		}
	}

	if err := tx.QueryRowContext(ctx, "SELECT status FROM contracts WHERE id = ?", sig.ContractID).Scan(&current); err != nil {
		return storage.SignatureResult{}, fmt.Errorf("failed to reload contract status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return storage.SignatureResult{}, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return storage.SignatureResult{
		Status:   models.ContractStatus(current),
		Executed: executed == 1,
	}, nil
}

func scanSignature(row rowScanner) (*models.Signature, error) {
	sig := &models.Signature{}
	var (
		role     string
		signedAt int64
	)
	if err := row.Scan(&sig.ID, &sig.ContractID, &sig.SignerID, &role, &sig.Payload, &sig.IdempotencyKey, &signedAt); err != nil {
		return nil, err
	}
	sig.Role = models.SignerRole(role)
	sig.SignedAt = fromUnix(signedAt)
	return sig, nil
}

// GetSignature returns the signature a role recorded on a contract.
func (s *SQLiteStore) GetSignature(ctx context.Context, contractID string, role models.SignerRole) (*models.Signature, error) {
	sig, err := scanSignature(s.db.QueryRowContext(ctx,
		`SELECT id, contract_id, signer_id, role, payload, idempotency_key, signed_at
		 FROM signatures WHERE contract_id = ? AND role = ?`,
		contractID, string(role),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("signature %s/%s: %w", contractID, role, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get signature: %w", err)
	}
	return sig, nil
}

// ListSignatures retrieves all signatures of a contract.
func (s *SQLiteStore) ListSignatures(ctx context.Context, contractID string) ([]*models.Signature, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, contract_id, signer_id, role, payload, idempotency_key, signed_at
		 FROM signatures WHERE contract_id = ? ORDER BY signed_at, role`,
		contractID,
	)
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
