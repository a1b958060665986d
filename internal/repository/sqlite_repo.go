package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"mpesa_backend/internal/domain"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

type SQLiteRepo struct {
	db *sql.DB
}

func NewSQLiteRepo(dsn string) (*SQLiteRepo, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	db.Exec("PRAGMA foreign_keys = ON;")
	db.Exec("PRAGMA journal_mode = WAL;")
	db.Exec("PRAGMA busy_timeout = 5000;")

	r := &SQLiteRepo{db: db}
	if err := r.migrate(); err != nil {
		return nil, err
	}

	return r, nil
}

func (r *SQLiteRepo) Close() error {
	return r.db.Close()
}

func (r *SQLiteRepo) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS transactions(
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			phone_number TEXT NOT NULL,
			amount TEXT NOT NULL,
			checkout_request_id TEXT,
			mpesa_receipt TEXT,
			result_code TEXT,
			result_desc TEXT,
			status TEXT NOT NULL,
			raw_callback BLOB,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_tx_checkout_request_id
			ON transactions(checkout_request_id)
			WHERE checkout_request_id IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_tx_phone_status ON transactions(phone_number, status);
	`
	_, err := r.db.Exec(schema)
	return err
}

func (r *SQLiteRepo) Create(ctx context.Context, phoneNumber string, amount decimal.Decimal) (*domain.Transaction, error) {
	now := time.Now().UTC()
	t := &domain.Transaction{
		ID:          uuid.New().String(),
		PhoneNumber: phoneNumber,
		Amount:      amount,
		Status:      domain.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	q := `
		INSERT INTO transactions(
			id,
			phone_number,
			amount,
			status,
			created_at,
			updated_at
		)
		VALUES(?, ?, ?, ?, ?, ?);
	`

	res, err := r.db.ExecContext(
		ctx, q,
		t.ID,
		t.PhoneNumber,
		t.Amount.String(),
		string(t.Status),
		now.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, err
	}

	t.Seq, _ = res.LastInsertId()
	return t, nil
}

const txColumns = `
	seq,
	id,
	phone_number,
	amount,
	checkout_request_id,
	mpesa_receipt,
	result_code,
	result_desc,
	status,
	raw_callback,
	created_at,
	updated_at
`

func (r *SQLiteRepo) GetByID(ctx context.Context, id string) (*domain.Transaction, error) {
	q := `SELECT ` + txColumns + ` FROM transactions WHERE id = ?`
	row := r.db.QueryRowContext(ctx, q, id)
	return scanTx(row)
}

func (r *SQLiteRepo) AttachCheckoutID(ctx context.Context, id, checkoutID string) error {
	if checkoutID == "" {
		return fmt.Errorf("attach checkout id: empty id")
	}

	q := `
		UPDATE transactions
		SET checkout_request_id = ?, updated_at = ?
		WHERE id = ?
		  AND (checkout_request_id IS NULL OR checkout_request_id = ?)
	`
	res, err := r.db.ExecContext(ctx, q, checkoutID, time.Now().UTC().Format(time.RFC3339Nano), id, checkoutID)
	if err != nil {
		// another row already holds this checkout id
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return domain.ErrCheckoutIDConflict
		}
		return err
	}

	aff, _ := res.RowsAffected()
	if aff == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		// row exists but holds a different checkout id
		return domain.ErrCheckoutIDConflict
	}

	return nil
}

func (r *SQLiteRepo) FindByCheckoutID(ctx context.Context, checkoutID string) (*domain.Transaction, error) {
	if checkoutID == "" {
		return nil, domain.ErrNotFound
	}

	q := `SELECT ` + txColumns + ` FROM transactions WHERE checkout_request_id = ?`
	row := r.db.QueryRowContext(ctx, q, checkoutID)
	return scanTx(row)
}

func (r *SQLiteRepo) FindLatestPendingByPhone(ctx context.Context, phoneNumber string) (*domain.Transaction, error) {
	if phoneNumber == "" {
		return nil, domain.ErrNotFound
	}

	q := `
		SELECT ` + txColumns + `
		FROM transactions
		WHERE phone_number = ? AND status = ?
		ORDER BY seq DESC
		LIMIT 1
	`
	row := r.db.QueryRowContext(ctx, q, phoneNumber, string(domain.StatusPending))
	return scanTx(row)
}

func (r *SQLiteRepo) Finalize(ctx context.Context, id string, f domain.Finalization) (bool, error) {
	q := `UPDATE transactions SET status = ?, result_code = ?, result_desc = ?, updated_at = ?`
	args := []any{
		string(f.Status),
		f.ResultCode,
		f.ResultDesc,
		time.Now().UTC().Format(time.RFC3339Nano),
	}

	if f.MpesaReceipt != "" {
		q += ", mpesa_receipt = ?"
		args = append(args, f.MpesaReceipt)
	}

	if f.ConfirmedAmount != nil {
		q += ", amount = ?"
		args = append(args, f.ConfirmedAmount.String())
	}

	if f.RawCallback != nil {
		q += ", raw_callback = ?"
		args = append(args, f.RawCallback)
	}

	q += " WHERE id = ? AND status = ?"
	args = append(args, id, string(domain.StatusPending))

	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, err
	}

	aff, _ := res.RowsAffected()
	if aff == 0 {
		// distinguish a lost race from a missing row
		if _, err := r.GetByID(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}

	return true, nil
}

func (r *SQLiteRepo) RecordCallback(ctx context.Context, id string, raw []byte) error {
	q := `UPDATE transactions SET raw_callback = ?, updated_at = ? WHERE id = ?`
	res, err := r.db.ExecContext(ctx, q, raw, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return err
	}

	aff, _ := res.RowsAffected()
	if aff == 0 {
		return domain.ErrNotFound
	}

	return nil
}

type TxFilter struct {
	PhoneNumber       string
	CheckoutRequestID string
	Status            domain.TxStatus
}

func (r *SQLiteRepo) ListTransactions(ctx context.Context, f TxFilter, limit, offset int) ([]domain.Transaction, error) {
	q := `SELECT ` + txColumns + ` FROM transactions WHERE 1 = 1`
	args := []any{}

	if f.PhoneNumber != "" {
		q += " AND phone_number = ?"
		args = append(args, f.PhoneNumber)
	}

	if f.CheckoutRequestID != "" {
		q += " AND checkout_request_id = ?"
		args = append(args, f.CheckoutRequestID)
	}

	if f.Status != "" {
		q += " AND status = ?"
		args = append(args, string(f.Status))
	}

	q += " ORDER BY seq DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []domain.Transaction
	for rows.Next() {
		t, err := scanTx(rows)
		if err != nil {
			return nil, err
		}

		res = append(res, *t)
	}

	return res, rows.Err()
}

func scanTx(scanner interface {
	Scan(dest ...any) error
}) (*domain.Transaction, error) {
	var t domain.Transaction
	var amountStr, status, createdStr, updatedStr string
	var checkoutID, receipt, resultCode, resultDesc sql.NullString
	var raw []byte

	if err := scanner.Scan(
		&t.Seq,
		&t.ID,
		&t.PhoneNumber,
		&amountStr,
		&checkoutID,
		&receipt,
		&resultCode,
		&resultDesc,
		&status,
		&raw,
		&createdStr,
		&updatedStr,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}

	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}

	t.Amount = amount
	t.CheckoutRequestID = checkoutID.String
	t.MpesaReceipt = receipt.String
	t.ResultCode = resultCode.String
	t.ResultDesc = resultDesc.String
	t.Status = domain.TxStatus(status)
	t.RawCallback = raw

	created, err := time.Parse(time.RFC3339Nano, createdStr)
	if err != nil {
		return nil, fmt.Errorf("parse created time: %w", err)
	}
	t.CreatedAt = created

	updated, err := time.Parse(time.RFC3339Nano, updatedStr)
	if err != nil {
		return nil, fmt.Errorf("parse updated time: %w", err)
	}
	t.UpdatedAt = updated

	return &t, nil
}
