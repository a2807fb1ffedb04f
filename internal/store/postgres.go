package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"paywall-service/internal/coupons"
	"paywall-service/internal/models"
	"paywall-service/internal/money"
)

// Postgres is the authoritative relational backend. Every atomic primitive is
// a single conditional statement or a row-locked transaction; the engine
// never does read-then-write through this type.
type Postgres struct {
	db *sqlx.DB
}

// NewPostgres connects and configures the pool.
func NewPostgres(databaseURL string) (*Postgres, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Postgres{db: db}, nil
}

// Close closes the database connection.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// jsonCol marshals v for a jsonb column, mapping nil to SQL NULL.
func jsonCol(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal json column: %w", err)
	}
	return b, nil
}

func unmarshalCol(raw []byte, dst interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

type productRow struct {
	ID                    string         `db:"id"`
	TenantID              string         `db:"tenant_id"`
	Name                  string         `db:"name"`
	Active                bool           `db:"active"`
	FiatPrice             []byte         `db:"fiat_price"`
	CryptoPrice           []byte         `db:"crypto_price"`
	Variants              []byte         `db:"variants"`
	InventoryQuantity     sql.NullInt64  `db:"inventory_quantity"`
	InventoryPolicy       string         `db:"inventory_policy"`
	RecipientTokenAccount sql.NullString `db:"recipient_token_account"`
	Subscription          []byte         `db:"subscription"`
	Checkout              []byte         `db:"checkout"`
	CategoryIDs           []byte         `db:"category_ids"`
	CreatedAt             time.Time      `db:"created_at"`
	UpdatedAt             time.Time      `db:"updated_at"`
}

func (r *productRow) toModel() (*models.Product, error) {
	p := &models.Product{
		ID:              r.ID,
		TenantID:        r.TenantID,
		Name:            r.Name,
		Active:          r.Active,
		InventoryPolicy: r.InventoryPolicy,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.InventoryQuantity.Valid {
		q := r.InventoryQuantity.Int64
		p.InventoryQuantity = &q
	}
	if r.RecipientTokenAccount.Valid {
		p.RecipientTokenAccount = r.RecipientTokenAccount.String
	}
	if err := unmarshalCol(r.FiatPrice, &p.FiatPrice); err != nil {
		return nil, err
	}
	if err := unmarshalCol(r.CryptoPrice, &p.CryptoPrice); err != nil {
		return nil, err
	}
	if err := unmarshalCol(r.Variants, &p.Variants); err != nil {
		return nil, err
	}
	if err := unmarshalCol(r.Subscription, &p.Subscription); err != nil {
		return nil, err
	}
	if err := unmarshalCol(r.Checkout, &p.Checkout); err != nil {
		return nil, err
	}
	if err := unmarshalCol(r.CategoryIDs, &p.CategoryIDs); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Postgres) GetProduct(ctx context.Context, tenantID, id string) (*models.Product, error) {
	var row productRow
	err := p.db.GetContext(ctx, &row,
		"SELECT * FROM products WHERE tenant_id = $1 AND id = $2", tenantID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("product %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

func (p *Postgres) GetProductsByIDs(ctx context.Context, tenantID string, ids []string) (map[string]*models.Product, error) {
	if len(ids) == 0 {
		return map[string]*models.Product{}, nil
	}

	query, args, err := sqlx.In("SELECT * FROM products WHERE tenant_id = ? AND id IN (?)", tenantID, ids)
	if err != nil {
		return nil, err
	}
	query = p.db.Rebind(query)

	var rows []productRow
	if err := p.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}

	out := make(map[string]*models.Product, len(rows))
	for i := range rows {
		m, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out[m.ID] = m
	}
	return out, nil
}

type couponRow struct {
	Code              string          `db:"code"`
	TenantID          string          `db:"tenant_id"`
	DiscountType      string          `db:"discount_type"`
	DiscountValue     float64         `db:"discount_value"`
	Scope             string          `db:"scope"`
	ProductIDs        []byte          `db:"product_ids"`
	CategoryIDs       []byte          `db:"category_ids"`
	AppliesAt         string          `db:"applies_at"`
	AutoApply         bool            `db:"auto_apply"`
	Active            bool            `db:"active"`
	StartsAt          *time.Time      `db:"starts_at"`
	ExpiresAt         *time.Time      `db:"expires_at"`
	UsageLimit        sql.NullInt64   `db:"usage_limit"`
	UsageCount        int64           `db:"usage_count"`
	PerCustomerLimit  sql.NullInt64   `db:"per_customer_limit"`
	MinimumAmount     []byte          `db:"minimum_amount"`
	FirstPurchaseOnly bool            `db:"first_purchase_only"`
	PaymentMethods    []byte          `db:"payment_methods"`
	CreatedAt         time.Time       `db:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at"`
}

func (r *couponRow) toModel() (*coupons.Coupon, error) {
	c := &coupons.Coupon{
		Code:              r.Code,
		TenantID:          r.TenantID,
		DiscountType:      r.DiscountType,
		DiscountValue:     r.DiscountValue,
		Scope:             r.Scope,
		AppliesAt:         r.AppliesAt,
		AutoApply:         r.AutoApply,
		Active:            r.Active,
		StartsAt:          r.StartsAt,
		ExpiresAt:         r.ExpiresAt,
		UsageCount:        r.UsageCount,
		FirstPurchaseOnly: r.FirstPurchaseOnly,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if r.UsageLimit.Valid {
		v := r.UsageLimit.Int64
		c.UsageLimit = &v
	}
	if r.PerCustomerLimit.Valid {
		v := r.PerCustomerLimit.Int64
		c.PerCustomerLimit = &v
	}
	if err := unmarshalCol(r.ProductIDs, &c.ProductIDs); err != nil {
		return nil, err
	}
	if err := unmarshalCol(r.CategoryIDs, &c.CategoryIDs); err != nil {
		return nil, err
	}
	if err := unmarshalCol(r.MinimumAmount, &c.MinimumAmount); err != nil {
		return nil, err
	}
	if err := unmarshalCol(r.PaymentMethods, &c.PaymentMethods); err != nil {
		return nil, err
	}
	return c, nil
}

func (p *Postgres) GetCoupon(ctx context.Context, tenantID, code string) (*coupons.Coupon, error) {
	var row couponRow
	err := p.db.GetContext(ctx, &row,
		"SELECT * FROM coupons WHERE tenant_id = $1 AND code = $2", tenantID, code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("coupon %s: %w", code, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

func (p *Postgres) ListAutoApplyCoupons(ctx context.Context, tenantID string) ([]coupons.Coupon, error) {
	var rows []couponRow
	err := p.db.SelectContext(ctx, &rows,
		"SELECT * FROM coupons WHERE tenant_id = $1 AND auto_apply ORDER BY code", tenantID)
	if err != nil {
		return nil, err
	}
	out := make([]coupons.Coupon, 0, len(rows))
	for i := range rows {
		c, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, nil
}

func (p *Postgres) TryIncrementCouponUsage(ctx context.Context, tenantID, code string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE coupons SET usage_count = usage_count + 1, updated_at = NOW()
		WHERE tenant_id = $1 AND code = $2
		  AND (usage_limit IS NULL OR usage_count < usage_limit)`,
		tenantID, code)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *Postgres) IncrementCustomerCouponUsage(ctx context.Context, tenantID, code, customer string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO coupon_customer_usage (tenant_id, code, customer, usage_count)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (tenant_id, code, customer)
		DO UPDATE SET usage_count = coupon_customer_usage.usage_count + 1`,
		tenantID, code, customer)
	return err
}

func (p *Postgres) GetCustomerCouponUsage(ctx context.Context, tenantID, code, customer string) (int64, error) {
	var count int64
	err := p.db.GetContext(ctx, &count, `
		SELECT COALESCE(usage_count, 0) FROM coupon_customer_usage
		WHERE tenant_id = $1 AND code = $2 AND customer = $3`,
		tenantID, code, customer)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return count, err
}

func (p *Postgres) SaveCartQuote(ctx context.Context, quote *models.CartQuote) error {
	items, err := jsonCol(quote.Items)
	if err != nil {
		return err
	}
	total, err := jsonCol(quote.Total)
	if err != nil {
		return err
	}
	originalTotal, err := jsonCol(quote.OriginalTotal)
	if err != nil {
		return err
	}
	appliedCoupons, err := jsonCol(quote.AppliedCoupons)
	if err != nil {
		return err
	}
	metadata, err := jsonCol(quote.Metadata)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO cart_quotes (id, tenant_id, items, total, original_total, applied_coupons, metadata, created_at, expires_at, wallet_paid_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			items = EXCLUDED.items, total = EXCLUDED.total,
			original_total = EXCLUDED.original_total,
			applied_coupons = EXCLUDED.applied_coupons,
			metadata = EXCLUDED.metadata, expires_at = EXCLUDED.expires_at`,
		quote.ID, quote.TenantID, items, total, originalTotal, appliedCoupons, metadata,
		quote.CreatedAt, quote.ExpiresAt, quote.WalletPaidBy)
	return err
}

type cartRow struct {
	ID             string         `db:"id"`
	TenantID       string         `db:"tenant_id"`
	Items          []byte         `db:"items"`
	Total          []byte         `db:"total"`
	OriginalTotal  []byte         `db:"original_total"`
	AppliedCoupons []byte         `db:"applied_coupons"`
	Metadata       []byte         `db:"metadata"`
	CreatedAt      time.Time      `db:"created_at"`
	ExpiresAt      time.Time      `db:"expires_at"`
	WalletPaidBy   sql.NullString `db:"wallet_paid_by"`
}

func (p *Postgres) GetCartQuote(ctx context.Context, tenantID, id string) (*models.CartQuote, error) {
	var row cartRow
	err := p.db.GetContext(ctx, &row,
		"SELECT * FROM cart_quotes WHERE tenant_id = $1 AND id = $2", tenantID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cart %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	quote := &models.CartQuote{
		ID:        row.ID,
		TenantID:  row.TenantID,
		CreatedAt: row.CreatedAt,
		ExpiresAt: row.ExpiresAt,
	}
	if row.WalletPaidBy.Valid {
		w := row.WalletPaidBy.String
		quote.WalletPaidBy = &w
	}
	if err := unmarshalCol(row.Items, &quote.Items); err != nil {
		return nil, err
	}
	if err := unmarshalCol(row.Total, &quote.Total); err != nil {
		return nil, err
	}
	if err := unmarshalCol(row.OriginalTotal, &quote.OriginalTotal); err != nil {
		return nil, err
	}
	if err := unmarshalCol(row.AppliedCoupons, &quote.AppliedCoupons); err != nil {
		return nil, err
	}
	if err := unmarshalCol(row.Metadata, &quote.Metadata); err != nil {
		return nil, err
	}
	return quote, nil
}

func (p *Postgres) MarkCartPaid(ctx context.Context, tenantID, cartID, wallet string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE cart_quotes SET wallet_paid_by = $1
		WHERE tenant_id = $2 AND id = $3 AND wallet_paid_by IS NULL`,
		wallet, tenantID, cartID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *Postgres) ReserveInventory(ctx context.Context, res *models.InventoryReservation) (bool, error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	// Lock the product row so concurrent reservations serialize.
	var row productRow
	err = tx.GetContext(ctx, &row,
		"SELECT * FROM products WHERE tenant_id = $1 AND id = $2 FOR UPDATE",
		res.TenantID, res.ProductID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("product %s: %w", res.ProductID, ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("failed to lock product: %w", err)
	}
	product, err := row.toModel()
	if err != nil {
		return false, err
	}

	stock := effectiveStock(product, res.VariantID)
	if stock != nil && product.InventoryPolicy != models.InventoryPolicyBackorder {
		var reserved int64
		query := `
			SELECT COALESCE(SUM(quantity), 0) FROM inventory_reservations
			WHERE tenant_id = $1 AND product_id = $2 AND status = 'active'
			  AND expires_at > $3 AND variant_id IS NOT DISTINCT FROM $4`
		if err := tx.GetContext(ctx, &reserved, query, res.TenantID, res.ProductID, res.CreatedAt, res.VariantID); err != nil {
			return false, fmt.Errorf("failed to sum reservations: %w", err)
		}
		if res.Quantity > *stock-reserved {
			return false, tx.Commit()
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO inventory_reservations (id, tenant_id, product_id, variant_id, quantity, cart_id, status, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'active', $7, $8)`,
		res.ID, res.TenantID, res.ProductID, res.VariantID, res.Quantity, res.CartID, res.ExpiresAt, res.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert reservation: %w", err)
	}

	return true, tx.Commit()
}

func (p *Postgres) ReleaseInventoryReservations(ctx context.Context, tenantID, cartID string, now time.Time) (int, error) {
	return p.transitionCartReservations(ctx, tenantID, cartID, models.ReservationReleased)
}

func (p *Postgres) ConvertInventoryReservations(ctx context.Context, tenantID, cartID string, now time.Time) (int, error) {
	return p.transitionCartReservations(ctx, tenantID, cartID, models.ReservationConverted)
}

func (p *Postgres) transitionCartReservations(ctx context.Context, tenantID, cartID, status string) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE inventory_reservations SET status = $1
		WHERE tenant_id = $2 AND cart_id = $3 AND status = 'active'`,
		status, tenantID, cartID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (p *Postgres) ActiveReservedQuantity(ctx context.Context, tenantID, productID string, variantID *string, now time.Time) (int64, error) {
	var reserved int64
	err := p.db.GetContext(ctx, &reserved, `
		SELECT COALESCE(SUM(quantity), 0) FROM inventory_reservations
		WHERE tenant_id = $1 AND product_id = $2 AND status = 'active'
		  AND expires_at > $3 AND variant_id IS NOT DISTINCT FROM $4`,
		tenantID, productID, now, variantID)
	return reserved, err
}

func (p *Postgres) TryRecordPayment(ctx context.Context, txn *models.PaymentTransaction) (bool, error) {
	amount, err := jsonCol(txn.Amount)
	if err != nil {
		return false, err
	}
	metadata, err := jsonCol(txn.Metadata)
	if err != nil {
		return false, err
	}
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO payment_transactions (signature, tenant_id, resource_id, wallet, user_id, amount, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, signature) DO NOTHING`,
		txn.Signature, txn.TenantID, txn.ResourceID, txn.Wallet, txn.UserID, amount, metadata, txn.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type paymentRow struct {
	Signature  string         `db:"signature"`
	TenantID   string         `db:"tenant_id"`
	ResourceID string         `db:"resource_id"`
	Wallet     string         `db:"wallet"`
	UserID     sql.NullString `db:"user_id"`
	Amount     []byte         `db:"amount"`
	Metadata   []byte         `db:"metadata"`
	CreatedAt  time.Time      `db:"created_at"`
}

func (p *Postgres) GetPayment(ctx context.Context, tenantID, signature string) (*models.PaymentTransaction, error) {
	var row paymentRow
	err := p.db.GetContext(ctx, &row,
		"SELECT * FROM payment_transactions WHERE tenant_id = $1 AND signature = $2", tenantID, signature)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	txn := &models.PaymentTransaction{
		Signature:  row.Signature,
		TenantID:   row.TenantID,
		ResourceID: row.ResourceID,
		Wallet:     row.Wallet,
		CreatedAt:  row.CreatedAt,
	}
	if row.UserID.Valid {
		u := row.UserID.String
		txn.UserID = &u
	}
	if err := unmarshalCol(row.Amount, &txn.Amount); err != nil {
		return nil, err
	}
	if err := unmarshalCol(row.Metadata, &txn.Metadata); err != nil {
		return nil, err
	}
	return txn, nil
}

func (p *Postgres) CreateOrder(ctx context.Context, order *models.Order) error {
	amount, err := jsonCol(order.Amount)
	if err != nil {
		return err
	}
	items, err := jsonCol(order.Items)
	if err != nil {
		return err
	}
	metadata, err := jsonCol(order.Metadata)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO orders (id, tenant_id, resource_id, cart_id, signature, wallet, amount, items, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (tenant_id, signature) DO NOTHING`,
		order.ID, order.TenantID, order.ResourceID, order.CartID, order.Signature,
		order.Wallet, amount, items, metadata, order.CreatedAt)
	return err
}

func (p *Postgres) GetOrderBySignature(ctx context.Context, tenantID, signature string) (*models.Order, error) {
	var row struct {
		ID         string         `db:"id"`
		TenantID   string         `db:"tenant_id"`
		ResourceID string         `db:"resource_id"`
		CartID     sql.NullString `db:"cart_id"`
		Signature  string         `db:"signature"`
		Wallet     string         `db:"wallet"`
		Amount     []byte         `db:"amount"`
		Items      []byte         `db:"items"`
		Metadata   []byte         `db:"metadata"`
		CreatedAt  time.Time      `db:"created_at"`
	}
	err := p.db.GetContext(ctx, &row,
		"SELECT * FROM orders WHERE tenant_id = $1 AND signature = $2", tenantID, signature)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	order := &models.Order{
		ID:         row.ID,
		TenantID:   row.TenantID,
		ResourceID: row.ResourceID,
		Signature:  row.Signature,
		Wallet:     row.Wallet,
		CreatedAt:  row.CreatedAt,
	}
	if row.CartID.Valid {
		c := row.CartID.String
		order.CartID = &c
	}
	if err := unmarshalCol(row.Amount, &order.Amount); err != nil {
		return nil, err
	}
	if err := unmarshalCol(row.Items, &order.Items); err != nil {
		return nil, err
	}
	if err := unmarshalCol(row.Metadata, &order.Metadata); err != nil {
		return nil, err
	}
	return order, nil
}

func (p *Postgres) DecrementInventory(ctx context.Context, tenantID, productID string, variantID *string, qty int64) error {
	if variantID != nil {
		// Variant stock lives inside the variants jsonb; route through a
		// row-locked read-modify-write on the product row.
		tx, err := p.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var row productRow
		err = tx.GetContext(ctx, &row,
			"SELECT * FROM products WHERE tenant_id = $1 AND id = $2 FOR UPDATE", tenantID, productID)
		if err != nil {
			return fmt.Errorf("failed to lock product: %w", err)
		}
		product, err := row.toModel()
		if err != nil {
			return err
		}
		if v := product.Variant(*variantID); v != nil && v.InventoryQuantity != nil {
			next := *v.InventoryQuantity - qty
			v.InventoryQuantity = &next
			variants, err := jsonCol(product.Variants)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				"UPDATE products SET variants = $1, updated_at = NOW() WHERE tenant_id = $2 AND id = $3",
				variants, tenantID, productID); err != nil {
				return err
			}
			return tx.Commit()
		}
		// Variant has no own stock; fall through to product-level decrement.
		if _, err := tx.ExecContext(ctx, `
			UPDATE products SET inventory_quantity = inventory_quantity - $1, updated_at = NOW()
			WHERE tenant_id = $2 AND id = $3 AND inventory_quantity IS NOT NULL`,
			qty, tenantID, productID); err != nil {
			return err
		}
		return tx.Commit()
	}

	_, err := p.db.ExecContext(ctx, `
		UPDATE products SET inventory_quantity = inventory_quantity - $1, updated_at = NOW()
		WHERE tenant_id = $2 AND id = $3 AND inventory_quantity IS NOT NULL`,
		qty, tenantID, productID)
	return err
}

func (p *Postgres) CreateInventoryAdjustment(ctx context.Context, adj *models.InventoryAdjustment) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO inventory_adjustments (id, tenant_id, product_id, variant_id, delta, reason, signature, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		adj.ID, adj.TenantID, adj.ProductID, adj.VariantID, adj.Delta, adj.Reason, adj.Signature, adj.CreatedAt)
	return err
}

func (p *Postgres) GetGiftCard(ctx context.Context, tenantID, code string) (*models.GiftCard, error) {
	var row struct {
		Code          string     `db:"code"`
		TenantID      string     `db:"tenant_id"`
		BalanceAtomic int64      `db:"balance_atomic"`
		Asset         []byte     `db:"asset"`
		Active        bool       `db:"active"`
		ExpiresAt     *time.Time `db:"expires_at"`
		CreatedAt     time.Time  `db:"created_at"`
	}
	err := p.db.GetContext(ctx, &row,
		"SELECT * FROM gift_cards WHERE tenant_id = $1 AND code = $2", tenantID, code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("gift card %s: %w", code, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	var asset money.Asset
	if err := unmarshalCol(row.Asset, &asset); err != nil {
		return nil, err
	}
	return &models.GiftCard{
		Code:      row.Code,
		TenantID:  row.TenantID,
		Balance:   money.New(asset, row.BalanceAtomic),
		Active:    row.Active,
		ExpiresAt: row.ExpiresAt,
		CreatedAt: row.CreatedAt,
	}, nil
}

func (p *Postgres) TryAdjustGiftCardBalance(ctx context.Context, tenantID, code string, deduction int64, now time.Time) (*int64, error) {
	var balance int64
	err := p.db.GetContext(ctx, &balance, `
		UPDATE gift_cards SET balance_atomic = balance_atomic - $1
		WHERE tenant_id = $2 AND code = $3 AND active
		  AND (expires_at IS NULL OR expires_at > $4)
		  AND balance_atomic >= $1
		RETURNING balance_atomic`,
		deduction, tenantID, code, now)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &balance, nil
}

func (p *Postgres) CreateRefundQuote(ctx context.Context, quote *models.RefundQuote) error {
	amount, err := jsonCol(quote.Amount)
	if err != nil {
		return err
	}
	metadata, err := jsonCol(quote.Metadata)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO refund_quotes (id, tenant_id, original_purchase_id, recipient_wallet, amount, reason, metadata, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		quote.ID, quote.TenantID, quote.OriginalPurchaseID, quote.RecipientWallet,
		amount, quote.Reason, metadata, quote.CreatedAt, quote.ExpiresAt)
	return err
}

type refundRow struct {
	ID                 string         `db:"id"`
	TenantID           string         `db:"tenant_id"`
	OriginalPurchaseID string         `db:"original_purchase_id"`
	RecipientWallet    string         `db:"recipient_wallet"`
	Amount             []byte         `db:"amount"`
	Reason             string         `db:"reason"`
	Metadata           []byte         `db:"metadata"`
	CreatedAt          time.Time      `db:"created_at"`
	ExpiresAt          time.Time      `db:"expires_at"`
	ProcessedBy        sql.NullString `db:"processed_by"`
	ProcessedAt        *time.Time     `db:"processed_at"`
	Signature          sql.NullString `db:"signature"`
}

func (r *refundRow) toModel() (*models.RefundQuote, error) {
	quote := &models.RefundQuote{
		ID:                 r.ID,
		TenantID:           r.TenantID,
		OriginalPurchaseID: r.OriginalPurchaseID,
		RecipientWallet:    r.RecipientWallet,
		Reason:             r.Reason,
		CreatedAt:          r.CreatedAt,
		ExpiresAt:          r.ExpiresAt,
		ProcessedAt:        r.ProcessedAt,
	}
	if r.ProcessedBy.Valid {
		v := r.ProcessedBy.String
		quote.ProcessedBy = &v
	}
	if r.Signature.Valid {
		v := r.Signature.String
		quote.Signature = &v
	}
	if err := unmarshalCol(r.Amount, &quote.Amount); err != nil {
		return nil, err
	}
	if err := unmarshalCol(r.Metadata, &quote.Metadata); err != nil {
		return nil, err
	}
	return quote, nil
}

func (p *Postgres) GetRefundQuote(ctx context.Context, tenantID, id string) (*models.RefundQuote, error) {
	var row refundRow
	err := p.db.GetContext(ctx, &row,
		"SELECT * FROM refund_quotes WHERE tenant_id = $1 AND id = $2", tenantID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("refund %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

func (p *Postgres) ListRefundsByPurchase(ctx context.Context, tenantID, originalPurchaseID string) ([]models.RefundQuote, error) {
	var rows []refundRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT * FROM refund_quotes
		WHERE tenant_id = $1 AND original_purchase_id = $2
		ORDER BY created_at`, tenantID, originalPurchaseID)
	if err != nil {
		return nil, err
	}
	out := make([]models.RefundQuote, 0, len(rows))
	for i := range rows {
		q, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, *q)
	}
	return out, nil
}

func (p *Postgres) UpdateRefundQuote(ctx context.Context, quote *models.RefundQuote) error {
	metadata, err := jsonCol(quote.Metadata)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE refund_quotes SET processed_by = $1, processed_at = $2, signature = $3, metadata = $4
		WHERE tenant_id = $5 AND id = $6`,
		quote.ProcessedBy, quote.ProcessedAt, quote.Signature, metadata, quote.TenantID, quote.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("refund %s: %w", quote.ID, ErrNotFound)
	}
	return nil
}

func (p *Postgres) CreateStripeRefundRequest(ctx context.Context, req *models.StripeRefundRequest) (bool, error) {
	amount, err := jsonCol(req.Amount)
	if err != nil {
		return false, err
	}
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO stripe_refund_requests (id, tenant_id, original_purchase_id, amount, reason, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, original_purchase_id) DO NOTHING`,
		req.ID, req.TenantID, req.OriginalPurchaseID, amount, req.Reason, req.Status, req.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *Postgres) SaveCreditsHold(ctx context.Context, hold *models.CreditsHold) error {
	amount, err := jsonCol(hold.Amount)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO credits_holds (id, tenant_id, user_id, resource_id, amount, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, id) DO NOTHING`,
		hold.ID, hold.TenantID, hold.UserID, hold.ResourceID, amount, hold.IdempotencyKey, hold.CreatedAt)
	return err
}

type holdRow struct {
	ID             string    `db:"id"`
	TenantID       string    `db:"tenant_id"`
	UserID         string    `db:"user_id"`
	ResourceID     string    `db:"resource_id"`
	Amount         []byte    `db:"amount"`
	IdempotencyKey string    `db:"idempotency_key"`
	CreatedAt      time.Time `db:"created_at"`
}

func (r *holdRow) toModel() (*models.CreditsHold, error) {
	h := &models.CreditsHold{
		ID:             r.ID,
		TenantID:       r.TenantID,
		UserID:         r.UserID,
		ResourceID:     r.ResourceID,
		IdempotencyKey: r.IdempotencyKey,
		CreatedAt:      r.CreatedAt,
	}
	if err := unmarshalCol(r.Amount, &h.Amount); err != nil {
		return nil, err
	}
	return h, nil
}

func (p *Postgres) GetCreditsHold(ctx context.Context, tenantID, id string) (*models.CreditsHold, error) {
	var row holdRow
	err := p.db.GetContext(ctx, &row,
		"SELECT * FROM credits_holds WHERE tenant_id = $1 AND id = $2", tenantID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("credits hold %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

func (p *Postgres) GetCreditsHoldByIdempotencyKey(ctx context.Context, tenantID, idempotencyKey string) (*models.CreditsHold, error) {
	var row holdRow
	err := p.db.GetContext(ctx, &row,
		"SELECT * FROM credits_holds WHERE tenant_id = $1 AND idempotency_key = $2", tenantID, idempotencyKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

func (p *Postgres) DeleteCreditsHold(ctx context.Context, tenantID, id string) error {
	_, err := p.db.ExecContext(ctx,
		"DELETE FROM credits_holds WHERE tenant_id = $1 AND id = $2", tenantID, id)
	return err
}

type subscriptionRow struct {
	ID                 string         `db:"id"`
	TenantID           string         `db:"tenant_id"`
	Wallet             sql.NullString `db:"wallet"`
	UserID             sql.NullString `db:"user_id"`
	ProductID          string         `db:"product_id"`
	PaymentMethod      string         `db:"payment_method"`
	Status             string         `db:"status"`
	BillingPeriod      string         `db:"billing_period"`
	BillingInterval    int            `db:"billing_interval"`
	CurrentPeriodStart time.Time      `db:"current_period_start"`
	CurrentPeriodEnd   time.Time      `db:"current_period_end"`
	TrialEnd           *time.Time     `db:"trial_end"`
	CancelAtPeriodEnd  bool           `db:"cancel_at_period_end"`
	CancelledAt        *time.Time     `db:"cancelled_at"`
	PaymentSignature   sql.NullString `db:"payment_signature"`
	Metadata           []byte         `db:"metadata"`
	CreatedAt          time.Time      `db:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at"`
}

func (r *subscriptionRow) toModel() (*models.Subscription, error) {
	s := &models.Subscription{
		ID:                 r.ID,
		TenantID:           r.TenantID,
		ProductID:          r.ProductID,
		PaymentMethod:      r.PaymentMethod,
		Status:             r.Status,
		BillingPeriod:      r.BillingPeriod,
		BillingInterval:    r.BillingInterval,
		CurrentPeriodStart: r.CurrentPeriodStart,
		CurrentPeriodEnd:   r.CurrentPeriodEnd,
		TrialEnd:           r.TrialEnd,
		CancelAtPeriodEnd:  r.CancelAtPeriodEnd,
		CancelledAt:        r.CancelledAt,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
	if r.Wallet.Valid {
		s.Wallet = r.Wallet.String
	}
	if r.UserID.Valid {
		u := r.UserID.String
		s.UserID = &u
	}
	if r.PaymentSignature.Valid {
		v := r.PaymentSignature.String
		s.PaymentSignature = &v
	}
	if err := unmarshalCol(r.Metadata, &s.Metadata); err != nil {
		return nil, err
	}
	return s, nil
}

func (p *Postgres) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	metadata, err := jsonCol(sub.Metadata)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO subscriptions (id, tenant_id, wallet, user_id, product_id, payment_method, status,
			billing_period, billing_interval, current_period_start, current_period_end, trial_end,
			cancel_at_period_end, cancelled_at, payment_signature, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		sub.ID, sub.TenantID, sub.Wallet, sub.UserID, sub.ProductID, sub.PaymentMethod, sub.Status,
		sub.BillingPeriod, sub.BillingInterval, sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.TrialEnd,
		sub.CancelAtPeriodEnd, sub.CancelledAt, sub.PaymentSignature, metadata, sub.CreatedAt, sub.UpdatedAt)
	return err
}

func (p *Postgres) GetSubscription(ctx context.Context, tenantID, id string) (*models.Subscription, error) {
	var row subscriptionRow
	err := p.db.GetContext(ctx, &row,
		"SELECT * FROM subscriptions WHERE tenant_id = $1 AND id = $2", tenantID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

func (p *Postgres) GetSubscriptionBySignature(ctx context.Context, tenantID, signature string) (*models.Subscription, error) {
	var row subscriptionRow
	err := p.db.GetContext(ctx, &row,
		"SELECT * FROM subscriptions WHERE tenant_id = $1 AND payment_signature = $2", tenantID, signature)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

func (p *Postgres) GetActiveSubscriptionForWalletProduct(ctx context.Context, tenantID, wallet, productID string) (*models.Subscription, error) {
	var row subscriptionRow
	err := p.db.GetContext(ctx, &row, `
		SELECT * FROM subscriptions
		WHERE tenant_id = $1 AND wallet = $2 AND product_id = $3
		  AND status NOT IN ('expired', 'unpaid')
		ORDER BY created_at DESC LIMIT 1`,
		tenantID, wallet, productID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

func (p *Postgres) UpdateSubscription(ctx context.Context, sub *models.Subscription) error {
	metadata, err := jsonCol(sub.Metadata)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE subscriptions SET status = $1, current_period_start = $2, current_period_end = $3,
			trial_end = $4, cancel_at_period_end = $5, cancelled_at = $6, payment_signature = $7,
			metadata = $8, updated_at = $9
		WHERE tenant_id = $10 AND id = $11`,
		sub.Status, sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.TrialEnd,
		sub.CancelAtPeriodEnd, sub.CancelledAt, sub.PaymentSignature, metadata,
		sub.UpdatedAt, sub.TenantID, sub.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("subscription %s: %w", sub.ID, ErrNotFound)
	}
	return nil
}

func (p *Postgres) ListOverdueSubscriptions(ctx context.Context, cutoff time.Time, limit int, offsetID string) ([]models.Subscription, error) {
	var rows []subscriptionRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT * FROM subscriptions
		WHERE status = 'active' AND payment_method IN ('x402', 'credits')
		  AND current_period_end < $1 AND id > $2
		ORDER BY id LIMIT $3`,
		cutoff, offsetID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]models.Subscription, 0, len(rows))
	for i := range rows {
		s, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, nil
}

func (p *Postgres) BatchUpdateSubscriptionStatus(ctx context.Context, ids []string, status string, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(
		"UPDATE subscriptions SET status = ?, updated_at = ? WHERE id IN (?)", status, now, ids)
	if err != nil {
		return err
	}
	query = p.db.Rebind(query)
	_, err = p.db.ExecContext(ctx, query, args...)
	return err
}

var (
	_ Store = (*Postgres)(nil)
	_ Store = (*Memory)(nil)
)
