package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/lib/pq"
)

var ErrOrderNotFound = errors.New("order not found")

// Repository define as operações de persistência dos pedidos do BAP
type Repository interface {
	// CreateIfAbsent grava rec se não existir registro com o mesmo order id.
	// Retorna o registro gravado e se rec foi criado.
	CreateIfAbsent(ctx context.Context, rec *OrderRecord) (*OrderRecord, bool, error)

	Get(ctx context.Context, orderID string) (*OrderRecord, error)

	// FindByTransactionID resolve callbacks só de erro, que não trazem order id
	FindByTransactionID(ctx context.Context, transactionID string) (*OrderRecord, error)

	// Update aplica fn ao registro de forma atômica. Nada é gravado quando
	// fn retorna erro.
	Update(ctx context.Context, orderID string, fn func(rec *OrderRecord) error) (*OrderRecord, error)
}

// MemoryOrderRepository mantém os registros enquanto o processo estiver vivo
type MemoryOrderRepository struct {
	mu      sync.Mutex
	records map[string]*OrderRecord
	byTxn   map[string]string
}

// NewMemoryOrderRepository cria um repositório em memória
func NewMemoryOrderRepository() *MemoryOrderRepository {
	return &MemoryOrderRepository{
		records: make(map[string]*OrderRecord),
		byTxn:   make(map[string]string),
	}
}

func (r *MemoryOrderRepository) CreateIfAbsent(_ context.Context, rec *OrderRecord) (*OrderRecord, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.records[rec.OrderID]; ok {
		return existing.Clone(), false, nil
	}
	r.records[rec.OrderID] = rec.Clone()
	if rec.TransactionID != "" {
		r.byTxn[rec.TransactionID] = rec.OrderID
	}
	return rec.Clone(), true, nil
}

func (r *MemoryOrderRepository) Get(_ context.Context, orderID string) (*OrderRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return rec.Clone(), nil
}

func (r *MemoryOrderRepository) FindByTransactionID(_ context.Context, transactionID string) (*OrderRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	orderID, ok := r.byTxn[transactionID]
	if !ok {
		return nil, fmt.Errorf("%w: transaction %s", ErrOrderNotFound, transactionID)
	}
	return r.records[orderID].Clone(), nil
}

// Update executa fn sob o lock do repositório. fn não pode bloquear.
func (r *MemoryOrderRepository) Update(_ context.Context, orderID string, fn func(rec *OrderRecord) error) (*OrderRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.records[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	working := stored.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	r.records[orderID] = working
	return working.Clone(), nil
}

const createOrdersTable = `
	CREATE TABLE IF NOT EXISTS bap_orders (
		order_id       TEXT PRIMARY KEY,
		transaction_id TEXT NOT NULL,
		status         TEXT NOT NULL,
		record         JSONB NOT NULL,
		created_at     TIMESTAMPTZ NOT NULL,
		updated_at     TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS bap_orders_transaction_id_idx ON bap_orders (transaction_id);
`

// uniqueViolation é o SQLSTATE do Postgres para chave duplicada
const uniqueViolation = "23505"

// PostgresOrderRepository implementa Repository usando database/sql + lib/pq
type PostgresOrderRepository struct {
	db *sql.DB
}

// NewPostgresOrderRepository cria uma nova instância de PostgresOrderRepository
func NewPostgresOrderRepository(db *sql.DB) *PostgresOrderRepository {
	return &PostgresOrderRepository{db: db}
}

// EnsureSchema cria a tabela de pedidos se ela não existir
func (r *PostgresOrderRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createOrdersTable); err != nil {
		return fmt.Errorf("creating bap_orders table: %w", err)
	}
	return nil
}

// CreateIfAbsent insere a linha e trata violação de primary key como
// "já existe".
func (r *PostgresOrderRepository) CreateIfAbsent(ctx context.Context, rec *OrderRecord) (*OrderRecord, bool, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, false, fmt.Errorf("encoding order record: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO bap_orders (order_id, transaction_id, status, record, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.OrderID, rec.TransactionID, string(rec.Status), payload, rec.CreatedAt, rec.LastUpdatedAt)
	if err == nil {
		return rec.Clone(), true, nil
	}

	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != uniqueViolation {
		return nil, false, fmt.Errorf("inserting order %s: %w", rec.OrderID, err)
	}

	existing, err := r.Get(ctx, rec.OrderID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *PostgresOrderRepository) Get(ctx context.Context, orderID string) (*OrderRecord, error) {
	row := r.db.QueryRowContext(ctx, "SELECT record FROM bap_orders WHERE order_id = $1", orderID)
	return scanRecord(row, orderID)
}

func (r *PostgresOrderRepository) FindByTransactionID(ctx context.Context, transactionID string) (*OrderRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT record FROM bap_orders
		WHERE transaction_id = $1
		ORDER BY created_at
		LIMIT 1
	`, transactionID)
	return scanRecord(row, "transaction "+transactionID)
}

// Update trava a linha com SELECT ... FOR UPDATE enquanto fn executa
func (r *PostgresOrderRepository) Update(ctx context.Context, orderID string, fn func(rec *OrderRecord) error) (*OrderRecord, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, "SELECT record FROM bap_orders WHERE order_id = $1 FOR UPDATE", orderID)
	rec, err := scanRecord(row, orderID)
	if err != nil {
		return nil, err
	}

	if err := fn(rec); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encoding order record: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE bap_orders
		SET status = $1, record = $2, updated_at = $3
		WHERE order_id = $4
	`, string(rec.Status), payload, rec.LastUpdatedAt, orderID); err != nil {
		return nil, fmt.Errorf("updating order %s: %w", orderID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing order %s: %w", orderID, err)
	}
	return rec, nil
}

func scanRecord(row *sql.Row, key string) (*OrderRecord, error) {
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, key)
		}
		return nil, fmt.Errorf("loading order %s: %w", key, err)
	}

	var rec OrderRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("decoding order %s: %w", key, err)
	}
	return &rec, nil
}
