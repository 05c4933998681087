// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/expertshub/payment-relay/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже занятой почтой.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrTransactionNotFound возвращается, если транзакция не найдена.
	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrProjectNotFound возвращается, если проект не найден.
	ErrProjectNotFound = errors.New("project not found")
	// ErrInsufficientBalance возвращается при списании суммы, превышающей баланс клиента.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrStatusConflict возвращается при недопустимом переходе статуса транзакции.
	ErrStatusConflict = errors.New("invalid transaction status transition")
	// ErrEscrowConflict возвращается, если проект не готов к помещению средств в эскроу
	// или эскроу уже размещён.
	ErrEscrowConflict = errors.New("project is not eligible for escrow")
	// ErrEscrowAmountMismatch возвращается при несовпадении суммы эскроу с суммой проекта.
	ErrEscrowAmountMismatch = errors.New("escrow amount does not match project amount")
	// ErrNoParties возвращается, если у транзакции не указан ни отправитель, ни получатель.
	ErrNoParties = errors.New("transaction must have a sender or a recipient")
	// ErrEmptyUpdate возвращается при частичном обновлении без единого поля.
	ErrEmptyUpdate = errors.New("no fields to update")
)

// InsufficientBalanceError несёт суммы, сравнение которых прошло под блокировкой
// строки клиента. errors.Is с ErrInsufficientBalance продолжает работать.
type InsufficientBalanceError struct {
	AvailableCents int64
	RequestedCents int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("%v: available %d, requested %d",
		ErrInsufficientBalance, e.AvailableCents, e.RequestedCents)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет операцию при сбоях сериализации и дедлоках.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewConstant(time.Second))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				return retry.RetryableError(err)
			}
		}

		return err
	})
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

const userColumns = `id, email, user_type, first_name, last_name,
	stripe_customer_id, stripe_connect_account_id,
	account_status, onboarding_completed, balance_cents, created_at, updated_at`

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	err := row.Scan(
		&u.ID, &u.Email, &u.UserType, &u.FirstName, &u.LastName,
		&u.StripeCustomerID, &u.StripeConnectAccountID,
		&u.AccountStatus, &u.OnboardingCompleted, &u.BalanceCents,
		&u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateUser создаёт нового пользователя в статусе pending.
func (r *PostgresRepository) CreateUser(ctx context.Context, u *model.User) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (email, user_type, first_name, last_name, stripe_customer_id, stripe_connect_account_id)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		u.Email, string(u.UserType), u.FirstName, u.LastName, u.StripeCustomerID, u.StripeConnectAccountID,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, u.Email)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByEmail возвращает пользователя по адресу почты.
func (r *PostgresRepository) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	u, err := scanUser(r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return u, nil
}

// GetUserByID возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	u, err := scanUser(r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user by id: %w", err)
	}
	return u, nil
}

// GetUserByConnectAccount возвращает фрилансера по идентификатору счёта у процессора.
func (r *PostgresRepository) GetUserByConnectAccount(ctx context.Context, accountID string) (*model.User, error) {
	u, err := scanUser(r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE stripe_connect_account_id = $1`, accountID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user by connect account: %w", err)
	}
	return u, nil
}

// UserPatch описывает частичное обновление пользователя.
// Ненулевые поля попадают в запрос; статус и признак онбординга меняет
// только менеджер жизненного цикла счетов.
type UserPatch struct {
	FirstName              *string
	LastName               *string
	StripeCustomerID       *string
	StripeConnectAccountID *string
	AccountStatus          *model.AccountStatus
	OnboardingCompleted    *bool
}

// UpdateUser применяет частичное обновление к пользователю.
func (r *PostgresRepository) UpdateUser(ctx context.Context, id int64, patch UserPatch) error {
	set := make([]string, 0, 6)
	args := make([]any, 0, 7)

	add := func(column string, value any) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.FirstName != nil {
		add("first_name", *patch.FirstName)
	}
	if patch.LastName != nil {
		add("last_name", *patch.LastName)
	}
	if patch.StripeCustomerID != nil {
		add("stripe_customer_id", *patch.StripeCustomerID)
	}
	if patch.StripeConnectAccountID != nil {
		add("stripe_connect_account_id", *patch.StripeConnectAccountID)
	}
	if patch.AccountStatus != nil {
		add("account_status", string(*patch.AccountStatus))
	}
	if patch.OnboardingCompleted != nil {
		add("onboarding_completed", *patch.OnboardingCompleted)
	}

	if len(set) == 0 {
		return ErrEmptyUpdate
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE users SET %s, updated_at = now() WHERE id = $%d",
		joinClauses(set), len(args))

	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// UnlinkConnectAccount помечает счёт удалённым у процессора: связь очищается,
// пользователь переводится в suspended. Строка пользователя не удаляется.
func (r *PostgresRepository) UnlinkConnectAccount(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE users
		 SET stripe_connect_account_id = NULL, account_status = $2,
		     onboarding_completed = FALSE, updated_at = now()
		 WHERE id = $1`,
		id, string(model.AccountStatusSuspended),
	)
	if err != nil {
		return fmt.Errorf("unlink connect account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

func joinClauses(clauses []string) string {
	out := ""
	for i, c := range clauses {
		if i > 0 {
			out += ", "
		}
		out += c
	}
	return out
}

// GetUsersByType возвращает пользователей указанной роли, новые первыми.
func (r *PostgresRepository) GetUsersByType(ctx context.Context, userType model.UserType) ([]model.User, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+userColumns+` FROM users WHERE user_type = $1 ORDER BY created_at DESC`,
		string(userType),
	)
	if err != nil {
		return nil, fmt.Errorf("select users: %w", err)
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, *u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return users, nil
}

const transactionColumns = `id, type, from_user_id, to_user_id, amount_cents,
	stripe_transaction_id, status, description, metadata, created_at, updated_at`

func scanTransaction(row pgx.Row) (*model.Transaction, error) {
	var (
		t   model.Transaction
		raw []byte
	)
	err := row.Scan(
		&t.ID, &t.Type, &t.FromUserID, &t.ToUserID, &t.AmountCents,
		&t.StripeTransactionID, &t.Status, &t.Description, &raw,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &t.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &t, nil
}

func encodeMetadata(m model.Metadata) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return raw, nil
}

// CreateTransaction создаёт запись о денежном движении.
// Запись создаётся до обращения к процессору, чтобы внешний вызов всегда
// был привязан к локальной транзакции.
func (r *PostgresRepository) CreateTransaction(ctx context.Context, t *model.Transaction) (int64, error) {
	if t.FromUserID == nil && t.ToUserID == nil {
		return 0, ErrNoParties
	}

	raw, err := encodeMetadata(t.Metadata)
	if err != nil {
		return 0, err
	}

	status := t.Status
	if status == "" {
		status = model.TransactionStatusPending
	}

	var id int64
	err = r.pool.QueryRow(ctx,
		`INSERT INTO transactions (type, from_user_id, to_user_id, amount_cents, stripe_transaction_id, status, description, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		string(t.Type), t.FromUserID, t.ToUserID, t.AmountCents,
		t.StripeTransactionID, string(status), t.Description, raw,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create transaction: %w", err)
	}
	return id, nil
}

// GetTransactionByID возвращает транзакцию по идентификатору.
func (r *PostgresRepository) GetTransactionByID(ctx context.Context, id int64) (*model.Transaction, error) {
	t, err := scanTransaction(r.pool.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return t, nil
}

// GetTransactionsByUser возвращает транзакции пользователя, новые первыми.
// Необязательный фильтр ограничивает выборку одним видом движения.
func (r *PostgresRepository) GetTransactionsByUser(ctx context.Context, userID int64, typeFilter *model.TransactionType) ([]model.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		 FROM transactions
		 WHERE (from_user_id = $1 OR to_user_id = $1)`
	args := []any{userID}

	if typeFilter != nil {
		query += ` AND type = $2`
		args = append(args, string(*typeFilter))
	}

	query += ` ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	defer rows.Close()

	var res []model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		res = append(res, *t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ResolveTransaction переводит транзакцию из pending в конечный статус.
// Переход только односторонний: повторное разрешение завершённой транзакции
// возвращает ErrStatusConflict. Внешний идентификатор записывается один раз.
func (r *PostgresRepository) ResolveTransaction(ctx context.Context, id int64, status model.TransactionStatus, stripeTransactionID *string) error {
	if !model.CanTransition(model.TransactionStatusPending, status) {
		return fmt.Errorf("%w: pending -> %s", ErrStatusConflict, status)
	}

	tag, err := r.pool.Exec(ctx,
		`UPDATE transactions
		 SET status = $2,
		     stripe_transaction_id = COALESCE(stripe_transaction_id, $3),
		     updated_at = now()
		 WHERE id = $1 AND status = $4`,
		id, string(status), stripeTransactionID, string(model.TransactionStatusPending),
	)
	if err != nil {
		return fmt.Errorf("resolve transaction: %w", err)
	}

	if tag.RowsAffected() == 0 {
		if _, err := r.GetTransactionByID(ctx, id); err != nil {
			return err
		}
		return ErrStatusConflict
	}

	return nil
}

// SetTransactionExternalID записывает внешний идентификатор, не меняя статус.
// Используется, когда процессор вернул идентификатор, а исход вызова ещё неизвестен.
func (r *PostgresRepository) SetTransactionExternalID(ctx context.Context, id int64, stripeTransactionID string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE transactions
		 SET stripe_transaction_id = COALESCE(stripe_transaction_id, $2), updated_at = now()
		 WHERE id = $1`,
		id, stripeTransactionID,
	)
	if err != nil {
		return fmt.Errorf("set external id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// GetStalePendingTransactions возвращает транзакции, зависшие в pending
// дольше указанного момента. Используется фоновой сверкой.
func (r *PostgresRepository) GetStalePendingTransactions(ctx context.Context, olderThan time.Time, limit int) ([]model.Transaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+transactionColumns+`
		 FROM transactions
		 WHERE status = $1 AND created_at < $2
		 ORDER BY created_at
		 LIMIT $3`,
		string(model.TransactionStatusPending), olderThan, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select stale transactions: %w", err)
	}
	defer rows.Close()

	var res []model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		res = append(res, *t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

const projectColumns = `id, client_id, freelancer_id, title, description,
	amount_cents, status, escrow_transaction_id, created_at, updated_at`

func scanProject(row pgx.Row) (*model.Project, error) {
	var p model.Project
	err := row.Scan(
		&p.ID, &p.ClientID, &p.FreelancerID, &p.Title, &p.Description,
		&p.AmountCents, &p.Status, &p.EscrowTransactionID,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateProject создаёт проект в статусе open без эскроу.
func (r *PostgresRepository) CreateProject(ctx context.Context, p *model.Project) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO projects (client_id, freelancer_id, title, description, amount_cents)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		p.ClientID, p.FreelancerID, p.Title, p.Description, p.AmountCents,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create project: %w", err)
	}
	return id, nil
}

// GetProject возвращает проект по идентификатору.
func (r *PostgresRepository) GetProject(ctx context.Context, id int64) (*model.Project, error) {
	p, err := scanProject(r.pool.QueryRow(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProjectNotFound
		}
		return nil, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

// ProjectPatch описывает частичное обновление проекта.
type ProjectPatch struct {
	FreelancerID *int64
	Title        *string
	Description  *string
	Status       *model.ProjectStatus
}

// UpdateProject применяет частичное обновление к проекту.
func (r *PostgresRepository) UpdateProject(ctx context.Context, id int64, patch ProjectPatch) error {
	set := make([]string, 0, 4)
	args := make([]any, 0, 5)

	add := func(column string, value any) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.FreelancerID != nil {
		add("freelancer_id", *patch.FreelancerID)
	}
	if patch.Title != nil {
		add("title", *patch.Title)
	}
	if patch.Description != nil {
		add("description", *patch.Description)
	}
	if patch.Status != nil {
		add("status", string(*patch.Status))
	}

	if len(set) == 0 {
		return ErrEmptyUpdate
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE projects SET %s, updated_at = now() WHERE id = $%d",
		joinClauses(set), len(args))

	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrProjectNotFound
	}
	return nil
}

// ConfirmDeposit завершает депозит и зачисляет средства на платформенный
// баланс клиента одной транзакцией БД.
func (r *PostgresRepository) ConfirmDeposit(ctx context.Context, transactionID int64) (*model.Transaction, error) {
	var result *model.Transaction

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		t, err := scanTransaction(tx.QueryRow(ctx,
			`SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`,
			transactionID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrTransactionNotFound
			}
			return fmt.Errorf("lock transaction: %w", err)
		}

		if t.Type != model.TransactionTypeDeposit || t.ToUserID == nil {
			return fmt.Errorf("%w: transaction %d is not a deposit", ErrStatusConflict, transactionID)
		}
		if t.Status != model.TransactionStatusPending {
			return fmt.Errorf("%w: deposit already %s", ErrStatusConflict, t.Status)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE users SET balance_cents = balance_cents + $2, updated_at = now() WHERE id = $1`,
			*t.ToUserID, t.AmountCents,
		); err != nil {
			return fmt.Errorf("credit balance: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE transactions SET status = $2, updated_at = now() WHERE id = $1`,
			transactionID, string(model.TransactionStatusCompleted),
		); err != nil {
			return fmt.Errorf("complete deposit: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		t.Status = model.TransactionStatusCompleted
		result = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// PlaceEscrow атомарно списывает средства клиента в эскроу проекта.
// Строка клиента блокируется на время проверки и списания, поэтому два
// одновременных размещения не могут вдвоём пройти проверку баланса.
func (r *PostgresRepository) PlaceEscrow(ctx context.Context, projectID int64, amountCents int64) (int64, error) {
	var escrowTxID int64

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		p, err := scanProject(tx.QueryRow(ctx,
			`SELECT `+projectColumns+` FROM projects WHERE id = $1 FOR UPDATE`, projectID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrProjectNotFound
			}
			return fmt.Errorf("lock project: %w", err)
		}

		if p.Status != model.ProjectStatusOpen || p.EscrowTransactionID != nil {
			return fmt.Errorf("%w: project %d is %s", ErrEscrowConflict, projectID, p.Status)
		}
		if p.AmountCents != amountCents {
			return fmt.Errorf("%w: project amount %d, requested %d", ErrEscrowAmountMismatch, p.AmountCents, amountCents)
		}

		var balance int64
		err = tx.QueryRow(ctx,
			`SELECT balance_cents FROM users WHERE id = $1 FOR UPDATE`, p.ClientID,
		).Scan(&balance)
		if err != nil {
			return fmt.Errorf("lock client: %w", err)
		}

		if balance < amountCents {
			return &InsufficientBalanceError{AvailableCents: balance, RequestedCents: amountCents}
		}

		if _, err := tx.Exec(ctx,
			`UPDATE users SET balance_cents = balance_cents - $2, updated_at = now() WHERE id = $1`,
			p.ClientID, amountCents,
		); err != nil {
			return fmt.Errorf("debit client: %w", err)
		}

		raw, err := encodeMetadata(model.Metadata{"project_id": projectID, "internal": true})
		if err != nil {
			return err
		}

		// Удержание — внутреннее движение без получателя: средства у платформы.
		err = tx.QueryRow(ctx,
			`INSERT INTO transactions (type, from_user_id, to_user_id, amount_cents, status, description, metadata)
			 VALUES ($1, $2, NULL, $3, $4, $5, $6) RETURNING id`,
			string(model.TransactionTypeTransfer), p.ClientID, amountCents,
			string(model.TransactionStatusPending), "escrow hold", raw,
		).Scan(&escrowTxID)
		if err != nil {
			return fmt.Errorf("insert escrow transaction: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE projects SET escrow_transaction_id = $2, status = $3, updated_at = now() WHERE id = $1`,
			projectID, escrowTxID, string(model.ProjectStatusAssigned),
		); err != nil {
			return fmt.Errorf("update project: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return escrowTxID, nil
}

// ReleaseEscrow завершает удержание в пользу фрилансера проекта.
// Удерживающая транзакция получает получателя и статус completed, создаётся
// pending-транзакция перевода фрилансеру, проект переходит в completed.
// Возвращает идентификатор транзакции перевода для вызова процессора.
func (r *PostgresRepository) ReleaseEscrow(ctx context.Context, projectID int64) (int64, error) {
	var releaseTxID int64

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		p, err := scanProject(tx.QueryRow(ctx,
			`SELECT `+projectColumns+` FROM projects WHERE id = $1 FOR UPDATE`, projectID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrProjectNotFound
			}
			return fmt.Errorf("lock project: %w", err)
		}

		if p.EscrowTransactionID == nil ||
			(p.Status != model.ProjectStatusAssigned && p.Status != model.ProjectStatusInProgress) {
			return fmt.Errorf("%w: project %d is %s", ErrEscrowConflict, projectID, p.Status)
		}
		if p.FreelancerID == nil {
			return fmt.Errorf("%w: project %d has no freelancer", ErrEscrowConflict, projectID)
		}

		tag, err := tx.Exec(ctx,
			`UPDATE transactions
			 SET status = $2, to_user_id = $3, updated_at = now()
			 WHERE id = $1 AND status = $4`,
			*p.EscrowTransactionID, string(model.TransactionStatusCompleted),
			*p.FreelancerID, string(model.TransactionStatusPending),
		)
		if err != nil {
			return fmt.Errorf("complete escrow hold: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: escrow transaction %d is not pending", ErrStatusConflict, *p.EscrowTransactionID)
		}

		raw, err := encodeMetadata(model.Metadata{
			"project_id":            projectID,
			"escrow_transaction_id": *p.EscrowTransactionID,
		})
		if err != nil {
			return err
		}

		err = tx.QueryRow(ctx,
			`INSERT INTO transactions (type, from_user_id, to_user_id, amount_cents, status, description, metadata)
			 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
			string(model.TransactionTypeTransfer), p.ClientID, *p.FreelancerID,
			p.AmountCents, string(model.TransactionStatusPending), "escrow release", raw,
		).Scan(&releaseTxID)
		if err != nil {
			return fmt.Errorf("insert release transaction: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE projects SET status = $2, updated_at = now() WHERE id = $1`,
			projectID, string(model.ProjectStatusCompleted),
		); err != nil {
			return fmt.Errorf("update project: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return releaseTxID, nil
}

// CancelProject отменяет проект и возвращает клиенту долю удержанных средств.
// Доля задаётся в базисных пунктах: 10000 — полный возврат.
// Возвращает идентификатор refund-транзакции либо 0, если эскроу не было.
func (r *PostgresRepository) CancelProject(ctx context.Context, projectID int64, refundBasisPoints int) (int64, error) {
	var refundTxID int64

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		p, err := scanProject(tx.QueryRow(ctx,
			`SELECT `+projectColumns+` FROM projects WHERE id = $1 FOR UPDATE`, projectID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrProjectNotFound
			}
			return fmt.Errorf("lock project: %w", err)
		}

		switch p.Status {
		case model.ProjectStatusOpen, model.ProjectStatusAssigned, model.ProjectStatusInProgress:
		default:
			return fmt.Errorf("%w: project %d is %s", ErrEscrowConflict, projectID, p.Status)
		}

		if p.EscrowTransactionID != nil {
			tag, err := tx.Exec(ctx,
				`UPDATE transactions SET status = $2, updated_at = now() WHERE id = $1 AND status = $3`,
				*p.EscrowTransactionID, string(model.TransactionStatusCanceled),
				string(model.TransactionStatusPending),
			)
			if err != nil {
				return fmt.Errorf("cancel escrow hold: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("%w: escrow transaction %d is not pending", ErrStatusConflict, *p.EscrowTransactionID)
			}

			refundCents := p.AmountCents * int64(refundBasisPoints) / 10000
			if refundCents > 0 {
				if _, err := tx.Exec(ctx,
					`SELECT 1 FROM users WHERE id = $1 FOR UPDATE`, p.ClientID,
				); err != nil {
					return fmt.Errorf("lock client: %w", err)
				}

				if _, err := tx.Exec(ctx,
					`UPDATE users SET balance_cents = balance_cents + $2, updated_at = now() WHERE id = $1`,
					p.ClientID, refundCents,
				); err != nil {
					return fmt.Errorf("credit client: %w", err)
				}

				raw, err := encodeMetadata(model.Metadata{
					"project_id":            projectID,
					"escrow_transaction_id": *p.EscrowTransactionID,
					"internal":              true,
				})
				if err != nil {
					return err
				}

				// Возврат — внутреннее движение платформенного удержания обратно
				// клиенту, обе стороны записываются на клиента.
				err = tx.QueryRow(ctx,
					`INSERT INTO transactions (type, from_user_id, to_user_id, amount_cents, status, description, metadata)
					 VALUES ($1, $2, $2, $3, $4, $5, $6) RETURNING id`,
					string(model.TransactionTypeRefund), p.ClientID, refundCents,
					string(model.TransactionStatusCompleted), "escrow refund", raw,
				).Scan(&refundTxID)
				if err != nil {
					return fmt.Errorf("insert refund transaction: %w", err)
				}
			}
		}

		if _, err := tx.Exec(ctx,
			`UPDATE projects SET status = $2, updated_at = now() WHERE id = $1`,
			projectID, string(model.ProjectStatusCanceled),
		); err != nil {
			return fmt.Errorf("update project: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return refundTxID, nil
}
