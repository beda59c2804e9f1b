package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/iurnickita/gamemarket/internal/model"
	"github.com/iurnickita/gamemarket/internal/store/config"
)

// Store хранит заказы, баланс и платежи.
// Все операции, меняющие баланс, атомарны: либо применяются целиком, либо не применяются.
type Store interface {
	OrderPost(ctx context.Context, order model.Order, spend model.Transaction) (model.Balance, error)
	OrderGet(ctx context.Context, id string) (model.Order, error)
	OrderGetByUser(ctx context.Context, userID string) ([]model.Order, error)
	OrderTransition(ctx context.Context, id string, from, to model.OrderStatus, settlement *model.Settlement) (model.Order, error)
	BalanceGet(ctx context.Context, userID string) (model.Balance, error)
	BalanceDecrease(ctx context.Context, entry model.Transaction) (model.Balance, error)
	TransactionGet(ctx context.Context, userID string) ([]model.Transaction, error)
	PaymentGet(ctx context.Context, externalID string) (model.Payment, error)
	PaymentSettle(ctx context.Context, payment model.Payment, charge model.Transaction) (model.Balance, error)
	Close() error
}

var (
	ErrNoRows            = errors.New("no rows")
	ErrAlreadyExists     = errors.New("already exists")
	ErrPointsIncorrect   = errors.New("points value is incorrect")
	ErrEntryType         = errors.New("transaction type does not match balance change")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrStatusMismatch    = errors.New("order status has changed")
	ErrCommitFailed      = errors.New("commit failed")
)

const pgUniqueViolation = "23505"

type store struct {
	database *sql.DB
}

// NewStore открывает PostgreSQL по DSN, при пустом DSN возвращает хранилище в памяти.
func NewStore(cfg config.Config) (Store, error) {
	if cfg.DBDsn == "" {
		return NewMemStore(), nil
	}

	db, err := sql.Open("pgx", cfg.DBDsn)
	if err != nil {
		return nil, err
	}

	// Заказы. Одна строка на заказ, меняется только статус
	_, err = db.Exec(
		"CREATE TABLE IF NOT EXISTS orders (" +
			" id VARCHAR (36) PRIMARY KEY," +
			" requester_id VARCHAR (64) NOT NULL," +
			" provider_id VARCHAR (64) NOT NULL," +
			" session_date VARCHAR (10) NOT NULL," +
			" session_time VARCHAR (5) NOT NULL," +
			" price INTEGER NOT NULL CHECK (price > 0)," +
			" status VARCHAR (10) NOT NULL," +
			" created_at TIMESTAMPTZ NOT NULL," +
			" updated_at TIMESTAMPTZ NOT NULL," +
			" CHECK (requester_id <> provider_id)" +
			" );")
	if err != nil {
		return nil, err
	}

	// Текущий баланс. Меняется только инкрементом/декрементом в SQL
	_, err = db.Exec(
		"CREATE TABLE IF NOT EXISTS token_balances (" +
			" user_id VARCHAR (64) PRIMARY KEY," +
			" balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0)," +
			" updated_at TIMESTAMPTZ NOT NULL" +
			" );")
	if err != nil {
		return nil, err
	}

	// Журнал операций. Только вставка
	_, err = db.Exec(
		"CREATE TABLE IF NOT EXISTS token_transactions (" +
			" id VARCHAR (36) PRIMARY KEY," +
			" user_id VARCHAR (64) NOT NULL," +
			" amount INTEGER NOT NULL CHECK (amount > 0)," +
			" transaction_type VARCHAR (10) NOT NULL," +
			" payment_id VARCHAR (36)," +
			" related_user_id VARCHAR (64)," +
			" description TEXT NOT NULL DEFAULT ''," +
			" created_at TIMESTAMPTZ NOT NULL" +
			" );")
	if err != nil {
		return nil, err
	}
	_, err = db.Exec("CREATE INDEX IF NOT EXISTS token_transactions_user_idx ON token_transactions (user_id, created_at)")
	if err != nil {
		return nil, err
	}

	// Платежи. external_payment_id уникален, на нем держится идемпотентность
	_, err = db.Exec(
		"CREATE TABLE IF NOT EXISTS payments (" +
			" id VARCHAR (36) PRIMARY KEY," +
			" external_payment_id VARCHAR (128) NOT NULL UNIQUE," +
			" user_id VARCHAR (64) NOT NULL," +
			" status VARCHAR (10) NOT NULL," +
			" amount_total BIGINT NOT NULL," +
			" amount_paid BIGINT NOT NULL," +
			" currency VARCHAR (8) NOT NULL," +
			" method_type VARCHAR (64) NOT NULL DEFAULT ''," +
			" channel_name VARCHAR (128) NOT NULL DEFAULT ''," +
			" provider VARCHAR (64) NOT NULL DEFAULT ''," +
			" order_name TEXT NOT NULL DEFAULT ''," +
			" paid_at TIMESTAMPTZ," +
			" requested_at TIMESTAMPTZ," +
			" raw_response JSONB," +
			" receipt_url TEXT NOT NULL DEFAULT ''," +
			" created_at TIMESTAMPTZ NOT NULL" +
			" );")
	if err != nil {
		return nil, err
	}

	return &store{
		database: db,
	}, nil
}

func (store *store) Close() error {
	return store.database.Close()
}

// inTx выполняет fn в одной транзакции.
// Ошибка фиксации оборачивается в ErrCommitFailed: исход в этом случае неизвестен.
func (store *store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := store.database.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err = fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("%w: %w", ErrCommitFailed, err)
	}
	return nil
}

const orderColumns = "id, requester_id, provider_id, session_date, session_time, price, status, created_at, updated_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (model.Order, error) {
	var order model.Order
	err := row.Scan(&order.ID,
		&order.Data.RequesterID,
		&order.Data.ProviderID,
		&order.Data.SessionDate,
		&order.Data.SessionTime,
		&order.Data.Price,
		&order.Data.Status,
		&order.Data.CreatedAt,
		&order.Data.UpdatedAt)
	return order, err
}

func (store *store) OrderPost(ctx context.Context, order model.Order, spend model.Transaction) (model.Balance, error) {
	var balance model.Balance
	err := store.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		// Списание стоимости у заказчика
		balance, err = debit(ctx, tx, spend)
		if err != nil {
			return err
		}

		// Запись нового заказа
		_, err = tx.ExecContext(ctx,
			"INSERT INTO orders ("+orderColumns+")"+
				" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)",
			order.ID,
			order.Data.RequesterID,
			order.Data.ProviderID,
			order.Data.SessionDate,
			order.Data.SessionTime,
			order.Data.Price,
			order.Data.Status,
			order.Data.CreatedAt,
			order.Data.UpdatedAt)
		return mapPgError(err)
	})
	if err != nil {
		return model.Balance{}, err
	}
	return balance, nil
}

func (store *store) OrderGet(ctx context.Context, id string) (model.Order, error) {
	row := store.database.QueryRowContext(ctx,
		"SELECT "+orderColumns+" FROM orders"+
			" WHERE id = $1",
		id)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Order{}, ErrNoRows
		}
		return model.Order{}, err
	}
	return order, nil
}

func (store *store) OrderGetByUser(ctx context.Context, userID string) ([]model.Order, error) {
	rows, err := store.database.QueryContext(ctx,
		"SELECT "+orderColumns+" FROM orders"+
			" WHERE requester_id = $1 OR provider_id = $1"+
			" ORDER BY created_at DESC",
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orders, nil
}

func (store *store) OrderTransition(ctx context.Context, id string, from, to model.OrderStatus, settlement *model.Settlement) (model.Order, error) {
	var order model.Order
	err := store.inTx(ctx, func(tx *sql.Tx) error {
		// Смена статуса только из ожидаемого: параллельный запрос не пройдет условие
		row := tx.QueryRowContext(ctx,
			"UPDATE orders SET status = $1, updated_at = $2"+
				" WHERE id = $3 AND status = $4"+
				" RETURNING "+orderColumns,
			to,
			time.Now().UTC(),
			id,
			from)
		var err error
		order, err = scanOrder(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrStatusMismatch
			}
			return err
		}

		if settlement == nil {
			return nil
		}
		_, err = credit(ctx, tx, settlement.Entry)
		return err
	})
	if err != nil {
		return model.Order{}, err
	}
	return order, nil
}

func (store *store) BalanceGet(ctx context.Context, userID string) (model.Balance, error) {
	balance := model.Balance{UserID: userID}
	row := store.database.QueryRowContext(ctx,
		"SELECT balance, updated_at FROM token_balances"+
			" WHERE user_id = $1",
		userID)
	err := row.Scan(&balance.Data.Balance, &balance.Data.UpdatedAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) { // нет строки, баланс нулевой
		return model.Balance{}, err
	}
	return balance, nil
}

func (store *store) BalanceDecrease(ctx context.Context, entry model.Transaction) (model.Balance, error) {
	var balance model.Balance
	err := store.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		balance, err = debit(ctx, tx, entry)
		return err
	})
	if err != nil {
		return model.Balance{}, err
	}
	return balance, nil
}

func (store *store) TransactionGet(ctx context.Context, userID string) ([]model.Transaction, error) {
	rows, err := store.database.QueryContext(ctx,
		"SELECT id, user_id, amount, transaction_type,"+
			" COALESCE(payment_id, ''), COALESCE(related_user_id, ''), description, created_at"+
			" FROM token_transactions"+
			" WHERE user_id = $1"+
			" ORDER BY created_at DESC",
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []model.Transaction
	for rows.Next() {
		var entry model.Transaction
		err := rows.Scan(&entry.ID,
			&entry.Data.UserID,
			&entry.Data.Amount,
			&entry.Data.Type,
			&entry.Data.PaymentID,
			&entry.Data.RelatedUserID,
			&entry.Data.Description,
			&entry.Data.CreatedAt)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return transactions, nil
}

func (store *store) PaymentGet(ctx context.Context, externalID string) (model.Payment, error) {
	var payment model.Payment
	var paidAt, requestedAt sql.NullTime
	var raw []byte
	row := store.database.QueryRowContext(ctx,
		"SELECT id, external_payment_id, user_id, status, amount_total, amount_paid, currency,"+
			" method_type, channel_name, provider, order_name, paid_at, requested_at,"+
			" raw_response, receipt_url, created_at"+
			" FROM payments"+
			" WHERE external_payment_id = $1",
		externalID)
	err := row.Scan(&payment.ID,
		&payment.Data.ExternalID,
		&payment.Data.UserID,
		&payment.Data.Status,
		&payment.Data.AmountTotal,
		&payment.Data.AmountPaid,
		&payment.Data.Currency,
		&payment.Data.MethodType,
		&payment.Data.ChannelName,
		&payment.Data.Provider,
		&payment.Data.OrderName,
		&paidAt,
		&requestedAt,
		&raw,
		&payment.Data.ReceiptURL,
		&payment.Data.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Payment{}, ErrNoRows
		}
		return model.Payment{}, err
	}
	payment.Data.PaidAt = paidAt.Time
	payment.Data.RequestedAt = requestedAt.Time
	payment.Data.RawResponse = raw
	return payment, nil
}

func (store *store) PaymentSettle(ctx context.Context, payment model.Payment, charge model.Transaction) (model.Balance, error) {
	var balance model.Balance
	err := store.inTx(ctx, func(tx *sql.Tx) error {
		// Вставка платежа. Повтор по external_payment_id упадет на уникальном индексе
		var raw any
		if len(payment.Data.RawResponse) > 0 {
			raw = string(payment.Data.RawResponse)
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO payments (id, external_payment_id, user_id, status, amount_total, amount_paid,"+
				" currency, method_type, channel_name, provider, order_name, paid_at, requested_at,"+
				" raw_response, receipt_url, created_at)"+
				" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)",
			payment.ID,
			payment.Data.ExternalID,
			payment.Data.UserID,
			payment.Data.Status,
			payment.Data.AmountTotal,
			payment.Data.AmountPaid,
			payment.Data.Currency,
			payment.Data.MethodType,
			payment.Data.ChannelName,
			payment.Data.Provider,
			payment.Data.OrderName,
			nullTime(payment.Data.PaidAt),
			nullTime(payment.Data.RequestedAt),
			raw,
			payment.Data.ReceiptURL,
			payment.Data.CreatedAt)
		if err != nil {
			return mapPgError(err)
		}

		balance, err = credit(ctx, tx, charge)
		return err
	})
	if err != nil {
		return model.Balance{}, err
	}
	return balance, nil
}

// credit увеличивает баланс одной командой и пишет операцию в журнал.
func credit(ctx context.Context, tx *sql.Tx, entry model.Transaction) (model.Balance, error) {
	if entry.Data.Amount <= 0 {
		return model.Balance{}, ErrPointsIncorrect
	}
	if entry.Data.Type.Sign() < 0 {
		return model.Balance{}, ErrEntryType
	}

	balance := model.Balance{UserID: entry.Data.UserID}
	row := tx.QueryRowContext(ctx,
		"INSERT INTO token_balances AS b (user_id, balance, updated_at)"+
			" VALUES ($1, $2, $3)"+
			" ON CONFLICT (user_id) DO UPDATE"+
			" SET balance = b.balance + EXCLUDED.balance, updated_at = EXCLUDED.updated_at"+
			" RETURNING balance, updated_at",
		entry.Data.UserID,
		entry.Data.Amount,
		entry.Data.CreatedAt)
	if err := row.Scan(&balance.Data.Balance, &balance.Data.UpdatedAt); err != nil {
		return model.Balance{}, err
	}

	if err := insertTransaction(ctx, tx, entry); err != nil {
		return model.Balance{}, err
	}
	return balance, nil
}

// debit уменьшает баланс только при достаточном остатке, иначе ничего не меняет.
func debit(ctx context.Context, tx *sql.Tx, entry model.Transaction) (model.Balance, error) {
	if entry.Data.Amount <= 0 {
		return model.Balance{}, ErrPointsIncorrect
	}
	if entry.Data.Type.Sign() > 0 {
		return model.Balance{}, ErrEntryType
	}

	balance := model.Balance{UserID: entry.Data.UserID}
	row := tx.QueryRowContext(ctx,
		"UPDATE token_balances"+
			" SET balance = balance - $1, updated_at = $2"+
			" WHERE user_id = $3 AND balance >= $1"+
			" RETURNING balance, updated_at",
		entry.Data.Amount,
		entry.Data.CreatedAt,
		entry.Data.UserID)
	if err := row.Scan(&balance.Data.Balance, &balance.Data.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Balance{}, ErrInsufficientFunds
		}
		return model.Balance{}, err
	}

	if err := insertTransaction(ctx, tx, entry); err != nil {
		return model.Balance{}, err
	}
	return balance, nil
}

func insertTransaction(ctx context.Context, tx *sql.Tx, entry model.Transaction) error {
	_, err := tx.ExecContext(ctx,
		"INSERT INTO token_transactions (id, user_id, amount, transaction_type,"+
			" payment_id, related_user_id, description, created_at)"+
			" VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8)",
		entry.ID,
		entry.Data.UserID,
		entry.Data.Amount,
		entry.Data.Type,
		entry.Data.PaymentID,
		entry.Data.RelatedUserID,
		entry.Data.Description,
		entry.Data.CreatedAt)
	return mapPgError(err)
}

func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	// Проверка: уже существует
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return ErrAlreadyExists
	}
	return err
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
