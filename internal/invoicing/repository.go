package invoicing

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-dms/meridian/internal/platform/db"
)

var ErrNotFound = errors.New("invoice not found")

type Repository interface {
	Get(ctx context.Context, id uuid.UUID) (*Invoice, error)
	List(ctx context.Context, tenantID string, limit, offset int) ([]Invoice, int, error)
	// Create persists the invoice, allocating the next sequential document
	// number for the tenant and kind when inv.Number is empty.
	Create(ctx context.Context, inv Invoice) (*Invoice, error)
	SetStatus(ctx context.Context, id uuid.UUID, status InvoiceStatus) (*Invoice, error)
}

type repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

const invoiceColumns = `id, tenant_id, number, kind, customer_name, currency, total_amount, status, issued_at, created_at, updated_at`

func (r *repository) Get(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	row := r.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM invoices WHERE id = $1`, invoiceColumns), id)
	return scanInvoice(row)
}

func (r *repository) List(ctx context.Context, tenantID string, limit, offset int) ([]Invoice, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM invoices WHERE tenant_id = $1`, tenantID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM invoices WHERE tenant_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, invoiceColumns),
		tenantID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var invoices []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, 0, err
		}
		invoices = append(invoices, *inv)
	}
	return invoices, total, rows.Err()
}

func (r *repository) Create(ctx context.Context, inv Invoice) (*Invoice, error) {
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	if inv.Status == "" {
		inv.Status = InvoiceStatusDraft
	}

	var created *Invoice
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if inv.Number == "" {
			number, err := nextNumber(ctx, tx, inv.TenantID, inv.Kind)
			if err != nil {
				return fmt.Errorf("allocate invoice number: %w", err)
			}
			inv.Number = number
		}
		row := tx.QueryRow(ctx, fmt.Sprintf(`
			INSERT INTO invoices (id, tenant_id, number, kind, customer_name, currency, total_amount, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
			RETURNING %s`, invoiceColumns),
			inv.ID, inv.TenantID, inv.Number, inv.Kind, inv.CustomerName, inv.Currency, inv.TotalAmount, inv.Status)
		var err error
		created, err = scanInvoice(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (r *repository) SetStatus(ctx context.Context, id uuid.UUID, status InvoiceStatus) (*Invoice, error) {
	issued := ""
	if status == InvoiceStatusFinal {
		issued = ", issued_at = now()"
	}
	row := r.pool.QueryRow(ctx, fmt.Sprintf(`
		UPDATE invoices SET status = $2, updated_at = now()%s
		WHERE id = $1
		RETURNING %s`, issued, invoiceColumns), id, status)
	return scanInvoice(row)
}

// nextNumber allocates the next sequential document number, e.g. INV-0007.
// The advisory lock serialises concurrent allocations for the same tenant
// and kind for the duration of the transaction.
func nextNumber(ctx context.Context, tx pgx.Tx, tenantID string, kind Kind) (string, error) {
	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`, tenantID+"|"+string(kind)); err != nil {
		return "", err
	}
	var count int64
	err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM invoices WHERE tenant_id = $1 AND kind = $2`, tenantID, kind).Scan(&count)
	if err != nil {
		return "", err
	}
	prefix := "INV"
	if kind == KindCreditNote {
		prefix = "CRN"
	}
	return fmt.Sprintf("%s-%04d", prefix, count+1), nil
}

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var (
		inv       Invoice
		total     pgtype.Numeric
		issuedAt  pgtype.Timestamptz
		createdAt pgtype.Timestamptz
		updatedAt pgtype.Timestamptz
	)
	err := row.Scan(&inv.ID, &inv.TenantID, &inv.Number, &inv.Kind, &inv.CustomerName,
		&inv.Currency, &total, &inv.Status, &issuedAt, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if total.Valid {
		f, _ := total.Float64Value()
		inv.TotalAmount = f.Float64
	}
	if issuedAt.Valid {
		t := issuedAt.Time
		inv.IssuedAt = &t
	}
	if createdAt.Valid {
		inv.CreatedAt = createdAt.Time
	}
	if updatedAt.Valid {
		inv.UpdatedAt = updatedAt.Time
	}
	return &inv, nil
}
