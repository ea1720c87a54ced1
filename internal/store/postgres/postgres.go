package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"kasirinaja/settlement/internal/domain"
	"kasirinaja/settlement/internal/store"
	"kasirinaja/settlement/internal/xid"
)

type Store struct {
	db *sqlx.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sqlx.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// NewWithDB wraps an already opened handle.
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

type saleRow struct {
	ID            string          `db:"id"`
	OrgID         string          `db:"org_id"`
	BranchID      string          `db:"branch_id"`
	CustomerID    sql.NullString  `db:"customer_id"`
	Number        string          `db:"number"`
	Subtotal      decimal.Decimal `db:"subtotal"`
	TaxTotal      decimal.Decimal `db:"tax_total"`
	Total         decimal.Decimal `db:"total"`
	Balance       decimal.Decimal `db:"balance"`
	Status        string          `db:"status"`
	PaymentStatus string          `db:"payment_status"`
	CreatedAt     time.Time       `db:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at"`
}

func (r saleRow) toDomain() domain.Sale {
	return domain.Sale{
		ID:            r.ID,
		OrgID:         r.OrgID,
		BranchID:      r.BranchID,
		CustomerID:    r.CustomerID.String,
		Number:        r.Number,
		Subtotal:      r.Subtotal,
		TaxTotal:      r.TaxTotal,
		Total:         r.Total,
		Balance:       r.Balance,
		Status:        r.Status,
		PaymentStatus: r.PaymentStatus,
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
}

type saleItemRow struct {
	ID             string          `db:"id"`
	SaleID         string          `db:"sale_id"`
	ProductID      string          `db:"product_id"`
	Quantity       int             `db:"quantity"`
	UnitPrice      decimal.Decimal `db:"unit_price"`
	TaxRate        decimal.Decimal `db:"tax_rate"`
	TaxAmount      decimal.Decimal `db:"tax_amount"`
	DiscountAmount decimal.Decimal `db:"discount_amount"`
	Total          decimal.Decimal `db:"total"`
}

type productRow struct {
	ID    string          `db:"id"`
	OrgID string          `db:"org_id"`
	SKU   string          `db:"sku"`
	Name  string          `db:"name"`
	Price decimal.Decimal `db:"price"`
}

type paymentRow struct {
	ID        string          `db:"id"`
	OrgID     string          `db:"org_id"`
	SaleID    string          `db:"sale_id"`
	Method    string          `db:"method"`
	Amount    decimal.Decimal `db:"amount"`
	Reference sql.NullString  `db:"reference"`
	CreatedAt time.Time       `db:"created_at"`
}

type invoiceRow struct {
	ID               string          `db:"id"`
	OrgID            string          `db:"org_id"`
	SaleID           sql.NullString  `db:"sale_id"`
	CustomerID       sql.NullString  `db:"customer_id"`
	Number           string          `db:"number"`
	DocumentType     sql.NullString  `db:"document_type"`
	Subtotal         decimal.Decimal `db:"subtotal"`
	TaxTotal         decimal.Decimal `db:"tax_total"`
	Total            decimal.Decimal `db:"total"`
	Balance          decimal.Decimal `db:"balance"`
	Status           string          `db:"status"`
	RelatedInvoiceID sql.NullString  `db:"related_invoice_id"`
	ExpiresAt        sql.NullTime    `db:"expires_at"`
	Notes            sql.NullString  `db:"notes"`
	CreatedAt        time.Time       `db:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at"`
}

func (r invoiceRow) toDomain() domain.Invoice {
	inv := domain.Invoice{
		ID:               r.ID,
		OrgID:            r.OrgID,
		SaleID:           r.SaleID.String,
		CustomerID:       r.CustomerID.String,
		Number:           r.Number,
		DocumentType:     domain.DocumentType(r.DocumentType.String),
		Subtotal:         r.Subtotal,
		TaxTotal:         r.TaxTotal,
		Total:            r.Total,
		Balance:          r.Balance,
		Status:           r.Status,
		RelatedInvoiceID: r.RelatedInvoiceID.String,
		Notes:            r.Notes.String,
		CreatedAt:        r.CreatedAt.UTC(),
		UpdatedAt:        r.UpdatedAt.UTC(),
	}
	if r.ExpiresAt.Valid {
		expires := r.ExpiresAt.Time.UTC()
		inv.ExpiresAt = &expires
	}
	return inv
}

type invoiceLineRow struct {
	ID          string          `db:"id"`
	InvoiceID   string          `db:"invoice_id"`
	ProductID   string          `db:"product_id"`
	Description string          `db:"description"`
	Quantity    int             `db:"quantity"`
	UnitPrice   decimal.Decimal `db:"unit_price"`
	TaxRate     decimal.Decimal `db:"tax_rate"`
	TotalLine   decimal.Decimal `db:"total_line"`
}

type receivableRow struct {
	ID         string          `db:"id"`
	OrgID      string          `db:"org_id"`
	InvoiceID  string          `db:"invoice_id"`
	CustomerID sql.NullString  `db:"customer_id"`
	Balance    decimal.Decimal `db:"balance"`
	Status     string          `db:"status"`
	UpdatedAt  time.Time       `db:"updated_at"`
}

type returnRow struct {
	ID             string          `db:"id"`
	OrgID          string          `db:"org_id"`
	SaleID         string          `db:"sale_id"`
	UserID         string          `db:"user_id"`
	TotalRefund    decimal.Decimal `db:"total_refund"`
	TaxRefund      decimal.Decimal `db:"tax_refund"`
	RefundMethod   string          `db:"refund_method"`
	SettlementKind string          `db:"settlement_kind"`
	Reason         string          `db:"reason"`
	Notes          sql.NullString  `db:"notes"`
	Status         string          `db:"status"`
	ReturnDate     time.Time       `db:"return_date"`
	CreditNoteID   sql.NullString  `db:"credit_note_id"`
	CheckpointID   sql.NullString  `db:"checkpoint_id"`
}

type returnItemRow struct {
	ID               string          `db:"id"`
	ReturnID         string          `db:"return_id"`
	SaleItemID       string          `db:"sale_item_id"`
	ProductID        string          `db:"product_id"`
	Quantity         int             `db:"quantity"`
	RefundAmount     decimal.Decimal `db:"refund_amount"`
	Reason           string          `db:"reason"`
	AffectsInventory bool            `db:"affects_inventory"`
}

type checkpointRow struct {
	ID            string         `db:"id"`
	OrgID         string         `db:"org_id"`
	BranchID      string         `db:"branch_id"`
	SaleID        string         `db:"sale_id"`
	InvoiceID     string         `db:"invoice_id"`
	Kind          string         `db:"kind"`
	Status        string         `db:"status"`
	Steps         []byte         `db:"steps"`
	PendingReturn []byte         `db:"pending_return"`
	ReturnID      sql.NullString `db:"return_id"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

func (r checkpointRow) toDomain() (domain.SettlementCheckpoint, error) {
	cp := domain.SettlementCheckpoint{
		ID:        r.ID,
		OrgID:     r.OrgID,
		BranchID:  r.BranchID,
		SaleID:    r.SaleID,
		InvoiceID: r.InvoiceID,
		Kind:      domain.SettlementKind(r.Kind),
		Status:    domain.CheckpointStatus(r.Status),
		ReturnID:  r.ReturnID.String,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
	if len(r.Steps) > 0 {
		if err := json.Unmarshal(r.Steps, &cp.Steps); err != nil {
			return cp, fmt.Errorf("decode steps of checkpoint %s: %w", r.ID, err)
		}
	}
	if len(r.PendingReturn) > 0 {
		var pending domain.Return
		if err := json.Unmarshal(r.PendingReturn, &pending); err != nil {
			return cp, fmt.Errorf("decode pending return of checkpoint %s: %w", r.ID, err)
		}
		cp.PendingReturn = &pending
	}
	return cp, nil
}

type cashSessionRow struct {
	ID           string          `db:"id"`
	OrgID        string          `db:"org_id"`
	BranchID     string          `db:"branch_id"`
	OpenedBy     string          `db:"opened_by"`
	OpeningFloat decimal.Decimal `db:"opening_float"`
	ClosingCash  decimal.Decimal `db:"closing_cash"`
	Status       string          `db:"status"`
	OpenedAt     time.Time       `db:"opened_at"`
	ClosedAt     sql.NullTime    `db:"closed_at"`
}

func (r cashSessionRow) toDomain() domain.CashSession {
	session := domain.CashSession{
		ID:           r.ID,
		OrgID:        r.OrgID,
		BranchID:     r.BranchID,
		OpenedBy:     r.OpenedBy,
		OpeningFloat: r.OpeningFloat,
		ClosingCash:  r.ClosingCash,
		Status:       r.Status,
		OpenedAt:     r.OpenedAt.UTC(),
	}
	if r.ClosedAt.Valid {
		closed := r.ClosedAt.Time.UTC()
		session.ClosedAt = &closed
	}
	return session
}

type cashMovementRow struct {
	ID          string          `db:"id"`
	SessionID   string          `db:"session_id"`
	BranchID    string          `db:"branch_id"`
	Type        string          `db:"type"`
	Amount      decimal.Decimal `db:"amount"`
	Concept     string          `db:"concept"`
	ReferenceID sql.NullString  `db:"reference_id"`
	CreatedAt   time.Time       `db:"created_at"`
}

type auditLogRow struct {
	ID            string    `db:"id"`
	OrgID         string    `db:"org_id"`
	ActorUsername string    `db:"actor_username"`
	ActorRole     string    `db:"actor_role"`
	Action        string    `db:"action"`
	EntityType    string    `db:"entity_type"`
	EntityID      string    `db:"entity_id"`
	Detail        string    `db:"detail"`
	CreatedAt     time.Time `db:"created_at"`
}

type userRow struct {
	Username  string    `db:"username"`
	Password  string    `db:"password"`
	Role      string    `db:"role"`
	OrgID     string    `db:"org_id"`
	BranchID  string    `db:"branch_id"`
	Active    bool      `db:"active"`
	CreatedAt time.Time `db:"created_at"`
}

const saleColumns = `id, org_id, branch_id, customer_id, number, subtotal, tax_total, total, balance, status, payment_status, created_at, updated_at`

const invoiceColumns = `id, org_id, sale_id, customer_id, number, document_type, subtotal, tax_total, total, balance,
	status, related_invoice_id, expires_at, notes, created_at, updated_at`

const returnColumns = `id, org_id, sale_id, user_id, total_refund, tax_refund, refund_method, settlement_kind,
	reason, notes, status, return_date, credit_note_id, checkpoint_id`

const checkpointColumns = `id, org_id, branch_id, sale_id, invoice_id, kind, status, steps, pending_return, return_id, created_at, updated_at`

const cashSessionColumns = `id, org_id, branch_id, opened_by, opening_float, closing_cash, status, opened_at, closed_at`

func (s *Store) GetSale(ctx context.Context, orgID string, saleID string) (*domain.Sale, error) {
	var row saleRow
	err := s.db.GetContext(ctx, &row, `SELECT `+saleColumns+` FROM sales WHERE id = $1 AND org_id = $2`, saleID, orgID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	sale := row.toDomain()
	return &sale, nil
}

func (s *Store) ListSaleItems(ctx context.Context, saleID string) ([]domain.SaleLineItem, error) {
	var rows []saleItemRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, sale_id, product_id, quantity, unit_price, tax_rate, tax_amount, discount_amount, total
		FROM sale_items
		WHERE sale_id = $1
		ORDER BY id
	`, saleID)
	if err != nil {
		return nil, err
	}

	items := make([]domain.SaleLineItem, 0, len(rows))
	for _, r := range rows {
		items = append(items, domain.SaleLineItem(r))
	}
	return items, nil
}

func (s *Store) GetProductsByIDs(ctx context.Context, orgID string, ids []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	query, args, err := sqlx.In(`SELECT id, org_id, sku, name, price FROM products WHERE org_id = ? AND id IN (?)`, orgID, ids)
	if err != nil {
		return nil, err
	}
	var rows []productRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	for _, r := range rows {
		result[r.ID] = domain.Product(r)
	}
	return result, nil
}

func (s *Store) ListPayments(ctx context.Context, saleID string) ([]domain.Payment, error) {
	var rows []paymentRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, org_id, sale_id, method, amount, reference, created_at
		FROM payments
		WHERE sale_id = $1
		ORDER BY created_at, id
	`, saleID)
	if err != nil {
		return nil, err
	}

	payments := make([]domain.Payment, 0, len(rows))
	for _, r := range rows {
		payments = append(payments, domain.Payment{
			ID:        r.ID,
			OrgID:     r.OrgID,
			SaleID:    r.SaleID,
			Method:    r.Method,
			Amount:    r.Amount,
			Reference: r.Reference.String,
			CreatedAt: r.CreatedAt.UTC(),
		})
	}
	return payments, nil
}

func (s *Store) GetReturnedQtyBySale(ctx context.Context, saleID string) (map[string]int, error) {
	result := make(map[string]int)
	rows, err := s.db.QueryContext(ctx, `
		SELECT ri.sale_item_id, COALESCE(SUM(ri.quantity), 0)::int
		FROM returns r
		JOIN return_items ri ON ri.return_id = r.id
		WHERE r.sale_id = $1 AND r.status = $2
		GROUP BY ri.sale_item_id
	`, saleID, domain.ReturnStatusProcessed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var saleItemID string
		var qty int
		if err := rows.Scan(&saleItemID, &qty); err != nil {
			return nil, err
		}
		result[saleItemID] = qty
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) ListReturnsBySale(ctx context.Context, orgID string, saleID string) ([]domain.Return, error) {
	var rows []returnRow
	err := s.db.SelectContext(ctx, &rows, `SELECT `+returnColumns+`
		FROM returns
		WHERE org_id = $1 AND sale_id = $2
		ORDER BY return_date, id
	`, orgID, saleID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return []domain.Return{}, nil
	}

	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	query, args, err := sqlx.In(`
		SELECT id, return_id, sale_item_id, product_id, quantity, refund_amount, reason, affects_inventory
		FROM return_items
		WHERE return_id IN (?)
		ORDER BY id
	`, ids)
	if err != nil {
		return nil, err
	}
	var itemRows []returnItemRow
	if err := s.db.SelectContext(ctx, &itemRows, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	itemsByReturn := make(map[string][]domain.ReturnItem, len(rows))
	for _, item := range itemRows {
		itemsByReturn[item.ReturnID] = append(itemsByReturn[item.ReturnID], domain.ReturnItem(item))
	}

	returns := make([]domain.Return, 0, len(rows))
	for _, r := range rows {
		returns = append(returns, domain.Return{
			ID:             r.ID,
			OrgID:          r.OrgID,
			SaleID:         r.SaleID,
			UserID:         r.UserID,
			TotalRefund:    r.TotalRefund,
			TaxRefund:      r.TaxRefund,
			RefundMethod:   domain.RefundMethod(r.RefundMethod),
			SettlementKind: domain.SettlementKind(r.SettlementKind),
			Reason:         r.Reason,
			Notes:          r.Notes.String,
			Status:         r.Status,
			ReturnDate:     r.ReturnDate.UTC(),
			CreditNoteID:   r.CreditNoteID.String,
			CheckpointID:   r.CheckpointID.String,
			Items:          itemsByReturn[r.ID],
		})
	}
	return returns, nil
}

func (s *Store) FindInvoiceBySale(ctx context.Context, orgID string, saleID string, documentType domain.DocumentType) (*domain.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE org_id = $1 AND sale_id = $2 AND document_type = $3 ORDER BY created_at LIMIT 1`
	args := []any{orgID, saleID, string(documentType)}
	if documentType == domain.DocumentUntyped {
		query = `SELECT ` + invoiceColumns + ` FROM invoices WHERE org_id = $1 AND sale_id = $2 AND document_type IS NULL ORDER BY created_at LIMIT 1`
		args = args[:2]
	}

	var row invoiceRow
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	inv := row.toDomain()
	return &inv, nil
}

func (s *Store) GetInvoice(ctx context.Context, orgID string, invoiceID string) (*domain.Invoice, error) {
	var row invoiceRow
	err := s.db.GetContext(ctx, &row, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1 AND org_id = $2`, invoiceID, orgID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	inv := row.toDomain()
	return &inv, nil
}

func (s *Store) CreateInvoice(ctx context.Context, invoice domain.Invoice) (*domain.Invoice, error) {
	if strings.TrimSpace(invoice.OrgID) == "" || strings.TrimSpace(invoice.Number) == "" {
		return nil, store.ErrInvalidInput
	}
	if invoice.ID == "" {
		invoice.ID = xid.New("inv")
	}
	now := time.Now().UTC()
	if invoice.CreatedAt.IsZero() {
		invoice.CreatedAt = now
	}
	invoice.UpdatedAt = now
	invoice.Lines = nil

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invoices (`+invoiceColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, invoice.ID, invoice.OrgID, nullIfEmpty(invoice.SaleID), nullIfEmpty(invoice.CustomerID), invoice.Number,
		nullIfEmpty(string(invoice.DocumentType)), invoice.Subtotal, invoice.TaxTotal, invoice.Total, invoice.Balance,
		invoice.Status, nullIfEmpty(invoice.RelatedInvoiceID), nullTime(invoice.ExpiresAt), nullIfEmpty(invoice.Notes),
		invoice.CreatedAt, invoice.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	return &invoice, nil
}

func (s *Store) CreateInvoiceLines(ctx context.Context, lines []domain.InvoiceLine) error {
	if len(lines) == 0 {
		return nil
	}
	rows := make([]invoiceLineRow, 0, len(lines))
	for _, line := range lines {
		if line.ID == "" {
			line.ID = xid.New("invl")
		}
		rows = append(rows, invoiceLineRow(line))
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO invoice_lines (id, invoice_id, product_id, description, quantity, unit_price, tax_rate, total_line)
		VALUES (:id, :invoice_id, :product_id, :description, :quantity, :unit_price, :tax_rate, :total_line)
	`, rows)
	if err != nil {
		if isForeignKeyViolation(err) {
			return store.ErrNotFound
		}
		return err
	}
	return nil
}

func (s *Store) ListInvoiceLines(ctx context.Context, invoiceID string) ([]domain.InvoiceLine, error) {
	var rows []invoiceLineRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, invoice_id, product_id, description, quantity, unit_price, tax_rate, total_line
		FROM invoice_lines
		WHERE invoice_id = $1
		ORDER BY id
	`, invoiceID)
	if err != nil {
		return nil, err
	}
	lines := make([]domain.InvoiceLine, 0, len(rows))
	for _, r := range rows {
		lines = append(lines, domain.InvoiceLine(r))
	}
	return lines, nil
}

func (s *Store) DeleteInvoice(ctx context.Context, invoiceID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM invoices WHERE id = $1`, invoiceID)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (s *Store) UpdateInvoiceBalance(ctx context.Context, invoiceID string, balance decimal.Decimal, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE invoices
		SET balance = $2, status = $3, updated_at = now()
		WHERE id = $1
	`, invoiceID, balance, status)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (s *Store) UpdateSaleBalance(ctx context.Context, saleID string, balance decimal.Decimal, paymentStatus string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sales
		SET balance = $2, payment_status = COALESCE(NULLIF($3, ''), payment_status), updated_at = now()
		WHERE id = $1
	`, saleID, balance, paymentStatus)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (s *Store) UpdateSaleStatus(ctx context.Context, saleID string, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sales
		SET status = $2, updated_at = now()
		WHERE id = $1
	`, saleID, status)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (s *Store) FindReceivableByInvoice(ctx context.Context, invoiceID string) (*domain.ReceivableEntry, error) {
	var row receivableRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, org_id, invoice_id, customer_id, balance, status, updated_at
		FROM receivables
		WHERE invoice_id = $1
		ORDER BY id
		LIMIT 1
	`, invoiceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &domain.ReceivableEntry{
		ID:         row.ID,
		OrgID:      row.OrgID,
		InvoiceID:  row.InvoiceID,
		CustomerID: row.CustomerID.String,
		Balance:    row.Balance,
		Status:     row.Status,
		UpdatedAt:  row.UpdatedAt.UTC(),
	}, nil
}

func (s *Store) UpdateReceivableBalance(ctx context.Context, receivableID string, balance decimal.Decimal, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE receivables
		SET balance = $2, status = $3, updated_at = now()
		WHERE id = $1
	`, receivableID, balance, status)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

// CreateReturn writes the header and its items in one transaction. A return
// id that already exists is a conflict.
func (s *Store) CreateReturn(ctx context.Context, ret domain.Return) (*domain.Return, error) {
	if strings.TrimSpace(ret.SaleID) == "" || len(ret.Items) == 0 {
		return nil, store.ErrInvalidInput
	}
	if ret.ID == "" {
		ret.ID = xid.New("ret")
	}
	if ret.ReturnDate.IsZero() {
		ret.ReturnDate = time.Now().UTC()
	}
	items := make([]domain.ReturnItem, len(ret.Items))
	copy(items, ret.Items)
	ret.Items = items

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO returns (`+returnColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, ret.ID, ret.OrgID, ret.SaleID, ret.UserID, ret.TotalRefund, ret.TaxRefund, string(ret.RefundMethod),
		string(ret.SettlementKind), ret.Reason, nullIfEmpty(ret.Notes), ret.Status, ret.ReturnDate,
		nullIfEmpty(ret.CreditNoteID), nullIfEmpty(ret.CheckpointID))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	rows := make([]returnItemRow, 0, len(ret.Items))
	for i := range ret.Items {
		if ret.Items[i].ID == "" {
			ret.Items[i].ID = xid.New("reti")
		}
		ret.Items[i].ReturnID = ret.ID
		rows = append(rows, returnItemRow(ret.Items[i]))
	}
	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO return_items (id, return_id, sale_item_id, product_id, quantity, refund_amount, reason, affects_inventory)
		VALUES (:id, :return_id, :sale_item_id, :product_id, :quantity, :refund_amount, :reason, :affects_inventory)
	`, rows)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &ret, nil
}

func (s *Store) CreatePayment(ctx context.Context, payment domain.Payment) (*domain.Payment, error) {
	if payment.ID == "" {
		payment.ID = xid.New("pay")
	}
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (id, org_id, sale_id, method, amount, reference, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, payment.ID, payment.OrgID, payment.SaleID, payment.Method, payment.Amount, nullIfEmpty(payment.Reference), payment.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &payment, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, checkpoint domain.SettlementCheckpoint) error {
	if checkpoint.ID == "" {
		return store.ErrInvalidInput
	}
	steps, err := json.Marshal(checkpoint.Steps)
	if err != nil {
		return fmt.Errorf("encode checkpoint steps: %w", err)
	}
	var pending any
	if checkpoint.PendingReturn != nil {
		raw, err := json.Marshal(checkpoint.PendingReturn)
		if err != nil {
			return fmt.Errorf("encode pending return: %w", err)
		}
		pending = string(raw)
	}
	now := time.Now().UTC()
	if checkpoint.CreatedAt.IsZero() {
		checkpoint.CreatedAt = now
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settlement_checkpoints (`+checkpointColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO UPDATE SET
			invoice_id = EXCLUDED.invoice_id,
			kind = EXCLUDED.kind,
			status = EXCLUDED.status,
			steps = EXCLUDED.steps,
			pending_return = EXCLUDED.pending_return,
			return_id = EXCLUDED.return_id,
			updated_at = EXCLUDED.updated_at
	`, checkpoint.ID, checkpoint.OrgID, checkpoint.BranchID, checkpoint.SaleID, checkpoint.InvoiceID,
		string(checkpoint.Kind), string(checkpoint.Status), string(steps), pending, nullIfEmpty(checkpoint.ReturnID),
		checkpoint.CreatedAt, now)
	return err
}

func (s *Store) GetCheckpoint(ctx context.Context, checkpointID string) (*domain.SettlementCheckpoint, error) {
	var row checkpointRow
	err := s.db.GetContext(ctx, &row, `SELECT `+checkpointColumns+` FROM settlement_checkpoints WHERE id = $1`, checkpointID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	cp, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// ListCheckpoints treats an empty orgID or status as "any"; limit < 1 means no limit.
func (s *Store) ListCheckpoints(ctx context.Context, orgID string, status domain.CheckpointStatus, limit int) ([]domain.SettlementCheckpoint, error) {
	var rows []checkpointRow
	err := s.db.SelectContext(ctx, &rows, `SELECT `+checkpointColumns+`
		FROM settlement_checkpoints
		WHERE ($1 = '' OR org_id = $1) AND ($2 = '' OR status = $2)
		ORDER BY created_at, id
		LIMIT $3
	`, orgID, string(status), nullIfNonPositive(limit))
	if err != nil {
		return nil, err
	}

	result := make([]domain.SettlementCheckpoint, 0, len(rows))
	for _, row := range rows {
		cp, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		result = append(result, cp)
	}
	return result, nil
}

func (s *Store) HasUnreconciledCheckpoint(ctx context.Context, saleID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM settlement_checkpoints WHERE sale_id = $1 AND status = $2
		)
	`, saleID, string(domain.CheckpointNeedsReconciliation))
	return exists, err
}

func (s *Store) CreateCashSession(ctx context.Context, session domain.CashSession) (*domain.CashSession, error) {
	if strings.TrimSpace(session.OrgID) == "" || strings.TrimSpace(session.BranchID) == "" {
		return nil, store.ErrInvalidInput
	}
	if session.ID == "" {
		session.ID = xid.New("cs")
	}
	if session.OpenedAt.IsZero() {
		session.OpenedAt = time.Now().UTC()
	}
	session.Status = domain.CashSessionStatusOpen
	session.ClosedAt = nil
	session.ClosingCash = decimal.Zero

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cash_sessions (`+cashSessionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NULL)
	`, session.ID, session.OrgID, session.BranchID, session.OpenedBy, session.OpeningFloat, session.ClosingCash,
		session.Status, session.OpenedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	return &session, nil
}

func (s *Store) CloseCashSession(ctx context.Context, orgID string, branchID string, closingCash decimal.Decimal, closedAt time.Time) (*domain.CashSession, error) {
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}
	var row cashSessionRow
	err := s.db.GetContext(ctx, &row, `
		UPDATE cash_sessions
		SET status = $4, closing_cash = $5, closed_at = $6
		WHERE org_id = $1 AND branch_id = $2 AND status = $3
		RETURNING `+cashSessionColumns,
		orgID, branchID, domain.CashSessionStatusOpen, domain.CashSessionStatusClosed, closingCash, closedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	session := row.toDomain()
	return &session, nil
}

func (s *Store) GetOpenCashSession(ctx context.Context, orgID string, branchID string) (*domain.CashSession, error) {
	var row cashSessionRow
	err := s.db.GetContext(ctx, &row, `SELECT `+cashSessionColumns+`
		FROM cash_sessions
		WHERE org_id = $1 AND branch_id = $2 AND status = $3
	`, orgID, branchID, domain.CashSessionStatusOpen)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	session := row.toDomain()
	return &session, nil
}

func (s *Store) CreateCashMovement(ctx context.Context, movement domain.CashMovement) (*domain.CashMovement, error) {
	if movement.Type != domain.MovementTypeIn && movement.Type != domain.MovementTypeOut {
		return nil, store.ErrInvalidInput
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var session struct {
		Status   string `db:"status"`
		BranchID string `db:"branch_id"`
	}
	err = tx.GetContext(ctx, &session, `SELECT status, branch_id FROM cash_sessions WHERE id = $1 FOR UPDATE`, movement.SessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if session.Status != domain.CashSessionStatusOpen {
		return nil, store.ErrConflict
	}

	if movement.ID == "" {
		movement.ID = xid.New("cm")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}
	movement.BranchID = session.BranchID

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cash_movements (id, session_id, branch_id, type, amount, concept, reference_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, movement.ID, movement.SessionID, movement.BranchID, movement.Type, movement.Amount, movement.Concept,
		nullIfEmpty(movement.ReferenceID), movement.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &movement, nil
}

func (s *Store) ListCashMovements(ctx context.Context, sessionID string) ([]domain.CashMovement, error) {
	var rows []cashMovementRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, session_id, branch_id, type, amount, concept, reference_id, created_at
		FROM cash_movements
		WHERE session_id = $1
		ORDER BY created_at, id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	movements := make([]domain.CashMovement, 0, len(rows))
	for _, r := range rows {
		movements = append(movements, domain.CashMovement{
			ID:          r.ID,
			SessionID:   r.SessionID,
			BranchID:    r.BranchID,
			Type:        r.Type,
			Amount:      r.Amount,
			Concept:     r.Concept,
			ReferenceID: r.ReferenceID.String,
			CreatedAt:   r.CreatedAt.UTC(),
		})
	}
	return movements, nil
}

// ApplyStockEntry records the entry and bumps the branch level in one
// transaction; a key seen before changes nothing.
func (s *Store) ApplyStockEntry(ctx context.Context, entry domain.StockEntry) (bool, error) {
	if strings.TrimSpace(entry.IdempotencyKey) == "" || entry.Quantity < 1 {
		return false, store.ErrInvalidInput
	}
	if entry.ID == "" {
		entry.ID = xid.New("stk")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO stock_entries (id, org_id, branch_id, product_id, quantity, source_type, source_id, idempotency_key, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, entry.ID, entry.OrgID, entry.BranchID, entry.ProductID, entry.Quantity, entry.SourceType, entry.SourceID,
		entry.IdempotencyKey, entry.CreatedAt)
	if err != nil {
		return false, err
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if inserted == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO stock_levels (branch_id, product_id, quantity)
		VALUES ($1,$2,$3)
		ON CONFLICT (branch_id, product_id) DO UPDATE SET quantity = stock_levels.quantity + EXCLUDED.quantity
	`, entry.BranchID, entry.ProductID, entry.Quantity)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) GetStockLevel(ctx context.Context, branchID string, productID string) (int, error) {
	var qty int
	err := s.db.GetContext(ctx, &qty, `SELECT quantity FROM stock_levels WHERE branch_id = $1 AND product_id = $2`, branchID, productID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return qty, nil
}

func (s *Store) NextSequence(ctx context.Context, orgID string, name string) (int64, error) {
	if strings.TrimSpace(orgID) == "" || strings.TrimSpace(name) == "" {
		return 0, store.ErrInvalidInput
	}
	var value int64
	err := s.db.GetContext(ctx, &value, `
		INSERT INTO sequences (org_id, name, value)
		VALUES ($1, $2, 1)
		ON CONFLICT (org_id, name) DO UPDATE SET value = sequences.value + 1
		RETURNING value
	`, orgID, name)
	return value, err
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO audit_logs (id, org_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES (:id, :org_id, :actor_username, :actor_role, :action, :entity_type, :entity_id, :detail, :created_at)
	`, auditLogRow(entry))
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, orgID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	var rows []auditLogRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, org_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE ($1 = '' OR org_id = $1) AND created_at >= $2 AND created_at < $3
		ORDER BY created_at DESC, id DESC
		LIMIT $4
	`, orgID, from, to, nullIfNonPositive(limit))
	if err != nil {
		return nil, err
	}
	logs := make([]domain.AuditLog, 0, len(rows))
	for _, r := range rows {
		entry := domain.AuditLog(r)
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, org_id, branch_id, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,now())
	`, user.Username, user.Password, user.Role, user.OrgID, user.BranchID, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	var rows []userRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT username, password, role, org_id, branch_id, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}

	users := make([]domain.UserAccount, 0, len(rows))
	for _, r := range rows {
		user := domain.UserAccount(r)
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func expectAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullIfNonPositive(val int) any {
	if val < 1 {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}
