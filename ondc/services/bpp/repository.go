package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrOrderNotFound = errors.New("order not found")

// Repository define as operações de persistência dos pedidos do BPP
type Repository interface {
	// CreateIfAbsent grava rec se não existir registro com o mesmo order id.
	// Retorna o registro gravado e se rec foi criado.
	CreateIfAbsent(ctx context.Context, rec *OrderRecord) (*OrderRecord, bool, error)

	// Get busca um pedido pelo ID
	Get(ctx context.Context, orderID string) (*OrderRecord, error)

	// Update aplica fn ao registro de forma atômica. Nada é gravado quando
	// fn retorna erro.
	Update(ctx context.Context, orderID string, fn func(rec *OrderRecord) error) (*OrderRecord, error)
}

// MemoryOrderRepository mantém os registros enquanto o processo estiver vivo
type MemoryOrderRepository struct {
	mu      sync.Mutex
	records map[string]*OrderRecord
}

// NewMemoryOrderRepository cria um repositório em memória
func NewMemoryOrderRepository() *MemoryOrderRepository {
	return &MemoryOrderRepository{records: make(map[string]*OrderRecord)}
}

func (r *MemoryOrderRepository) CreateIfAbsent(_ context.Context, rec *OrderRecord) (*OrderRecord, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.records[rec.OrderID]; ok {
		return existing.Clone(), false, nil
	}
	r.records[rec.OrderID] = rec.Clone()
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
	CREATE TABLE IF NOT EXISTS bpp_orders (
		order_id   TEXT PRIMARY KEY,
		status     TEXT NOT NULL,
		record     JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)
`

// PostgresOrderRepository implementa Repository usando PostgreSQL
type PostgresOrderRepository struct {
	db *pgxpool.Pool
}

// NewPostgresOrderRepository cria uma nova instância de PostgresOrderRepository
func NewPostgresOrderRepository(db *pgxpool.Pool) *PostgresOrderRepository {
	return &PostgresOrderRepository{db: db}
}

// EnsureSchema cria a tabela de pedidos se ela não existir
func (r *PostgresOrderRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, createOrdersTable); err != nil {
		return fmt.Errorf("creating bpp_orders table: %w", err)
	}
	return nil
}

// CreateIfAbsent depende da primary key. Envios concorrentes do mesmo order
// id criam exatamente uma linha.
func (r *PostgresOrderRepository) CreateIfAbsent(ctx context.Context, rec *OrderRecord) (*OrderRecord, bool, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, false, fmt.Errorf("encoding order record: %w", err)
	}

	tag, err := r.db.Exec(ctx, `
		INSERT INTO bpp_orders (order_id, status, record, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (order_id) DO NOTHING
	`, rec.OrderID, string(rec.Status), payload, rec.CreatedAt, rec.LastUpdatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("inserting order %s: %w", rec.OrderID, err)
	}
	if tag.RowsAffected() == 1 {
		return rec.Clone(), true, nil
	}

	existing, err := r.Get(ctx, rec.OrderID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *PostgresOrderRepository) Get(ctx context.Context, orderID string) (*OrderRecord, error) {
	row := r.db.QueryRow(ctx, "SELECT record FROM bpp_orders WHERE order_id = $1", orderID)
	return scanRecord(row, orderID)
}

// Update trava a linha com SELECT ... FOR UPDATE enquanto fn executa
func (r *PostgresOrderRepository) Update(ctx context.Context, orderID string, fn func(rec *OrderRecord) error) (*OrderRecord, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, "SELECT record FROM bpp_orders WHERE order_id = $1 FOR UPDATE", orderID)
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
	if _, err := tx.Exec(ctx, `
		UPDATE bpp_orders
		SET status = $1, record = $2, updated_at = $3
		WHERE order_id = $4
	`, string(rec.Status), payload, rec.LastUpdatedAt, orderID); err != nil {
		return nil, fmt.Errorf("updating order %s: %w", orderID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing order %s: %w", orderID, err)
	}
	return rec, nil
}

func scanRecord(row pgx.Row, orderID string) (*OrderRecord, error) {
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}
		return nil, fmt.Errorf("loading order %s: %w", orderID, err)
	}

	var rec OrderRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("decoding order %s: %w", orderID, err)
	}
	return &rec, nil
}
