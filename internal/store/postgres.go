package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/avdonin/pointsmarket/internal/model"
)

type postgresStore struct {
	database *sql.DB
}

func NewPostgresStore(dsn string) (Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	store := &postgresStore{database: db}
	if err := store.bootstrap(context.Background()); err != nil {
		return nil, err
	}
	return store, nil
}

// newPostgresStore оборачивает готовое соединение (тесты с sqlmock)
func newPostgresStore(db *sql.DB) *postgresStore {
	return &postgresStore{database: db}
}

// bootstrap создает схему при старте
func (store *postgresStore) bootstrap(ctx context.Context) error {
	ddl := []string{
		// Таблица счетов. balance хранит текущее значение,
		// журнал - только историю (не источник истины)
		"CREATE TABLE IF NOT EXISTS account (" +
			" id VARCHAR (20) PRIMARY KEY," +
			" balance BIGINT NOT NULL CHECK (balance >= 0)," +
			" role VARCHAR (10) NOT NULL," +
			" suspended BOOLEAN NOT NULL DEFAULT FALSE," +
			" created_at TIMESTAMP NOT NULL" +
			" );",

		// Таблица товаров. stock IS NULL = безлимит
		"CREATE TABLE IF NOT EXISTS item (" +
			" id VARCHAR (36) PRIMARY KEY," +
			" name VARCHAR (100) NOT NULL," +
			" price BIGINT NOT NULL CHECK (price > 0)," +
			" stock BIGINT CHECK (stock >= 0)," +
			" active BOOLEAN NOT NULL," +
			" archived BOOLEAN NOT NULL DEFAULT FALSE," +
			" created_at TIMESTAMP NOT NULL" +
			" );",

		// Журнал баланса. Только добавление, записи не меняются и не удаляются
		"CREATE TABLE IF NOT EXISTS ledger (" +
			" id VARCHAR (36) PRIMARY KEY," +
			" account VARCHAR (20)," +
			" kind VARCHAR (20) NOT NULL," +
			" debit BIGINT CHECK (debit > 0)," +
			" credit BIGINT CHECK (credit > 0)," +
			" balance_after BIGINT NOT NULL," +
			" narration TEXT NOT NULL," +
			" ts TIMESTAMP NOT NULL," +
			" CHECK ((debit IS NULL) <> (credit IS NULL))" +
			" );",
		"CREATE INDEX IF NOT EXISTS ledger_account_ts ON ledger (account, ts);",

		// Покупки
		"CREATE TABLE IF NOT EXISTS purchase (" +
			" id VARCHAR (36) PRIMARY KEY," +
			" item VARCHAR (36) NOT NULL," +
			" buyer VARCHAR (20) NOT NULL," +
			" quantity BIGINT NOT NULL CHECK (quantity > 0)," +
			" unit_price BIGINT NOT NULL," +
			" total_price BIGINT NOT NULL," +
			" status VARCHAR (10) NOT NULL," +
			" purchased_at TIMESTAMP NOT NULL," +
			" delivered_at TIMESTAMP" +
			" );",
		"CREATE INDEX IF NOT EXISTS purchase_buyer ON purchase (buyer);",
		"CREATE INDEX IF NOT EXISTS purchase_status ON purchase (status);",

		// Группы
		"CREATE TABLE IF NOT EXISTS account_group (" +
			" id VARCHAR (36) PRIMARY KEY," +
			" name VARCHAR (100) NOT NULL," +
			" created_at TIMESTAMP NOT NULL" +
			" );",
		"CREATE TABLE IF NOT EXISTS group_member (" +
			" group_id VARCHAR (36) NOT NULL," +
			" account VARCHAR (20) NOT NULL," +
			" PRIMARY KEY (group_id, account)" +
			" );",
	}

	for _, stmt := range ddl {
		if _, err := store.database.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// isUniqueViolation: нарушение уникальности (код 23505)
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Счета

func (store *postgresStore) CreateAccount(ctx context.Context, account model.Account) error {
	_, err := store.database.ExecContext(ctx,
		"INSERT INTO account (id, balance, role, suspended, created_at)"+
			" VALUES ($1, $2, $3, $4, $5)",
		account.ID,
		account.Balance,
		account.Role,
		account.Suspended,
		account.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (store *postgresStore) GetAccount(ctx context.Context, id string) (model.Account, error) {
	row := store.database.QueryRowContext(ctx,
		"SELECT id, balance, role, suspended, created_at"+
			" FROM account"+
			" WHERE id = $1",
		id)

	var account model.Account
	err := row.Scan(&account.ID,
		&account.Balance,
		&account.Role,
		&account.Suspended,
		&account.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Account{}, ErrAccountNotFound
		}
		return model.Account{}, err
	}
	return account, nil
}

func (store *postgresStore) SetAccountSuspended(ctx context.Context, id string, suspended bool) error {
	result, err := store.database.ExecContext(ctx,
		"UPDATE account SET suspended = $1 WHERE id = $2",
		suspended,
		id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// Товары

func stockValue(s model.Stock) sql.NullInt64 {
	if s.Unlimited() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: s.Count(), Valid: true}
}

func stockModel(v sql.NullInt64) model.Stock {
	if !v.Valid {
		return model.UnlimitedStock()
	}
	return model.LimitedStock(v.Int64)
}

func (store *postgresStore) CreateItem(ctx context.Context, item model.Item) error {
	_, err := store.database.ExecContext(ctx,
		"INSERT INTO item (id, name, price, stock, active, archived, created_at)"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7)",
		item.ID,
		item.Name,
		item.Price,
		stockValue(item.Stock),
		item.Active,
		item.Archived,
		item.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (store *postgresStore) GetItem(ctx context.Context, id string) (model.Item, error) {
	row := store.database.QueryRowContext(ctx,
		"SELECT id, name, price, stock, active, archived, created_at"+
			" FROM item"+
			" WHERE id = $1",
		id)
	return scanItem(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (model.Item, error) {
	var item model.Item
	var stock sql.NullInt64
	err := row.Scan(&item.ID,
		&item.Name,
		&item.Price,
		&stock,
		&item.Active,
		&item.Archived,
		&item.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Item{}, ErrItemNotFound
		}
		return model.Item{}, err
	}
	item.Stock = stockModel(stock)
	return item, nil
}

func (store *postgresStore) UpdateItem(ctx context.Context, item model.Item) error {
	result, err := store.database.ExecContext(ctx,
		"UPDATE item"+
			" SET name = $1, price = $2, stock = $3, active = $4"+
			" WHERE id = $5",
		item.Name,
		item.Price,
		stockValue(item.Stock),
		item.Active,
		item.ID)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrItemNotFound
	}
	return nil
}

func (store *postgresStore) SetItemArchived(ctx context.Context, id string, archived bool) error {
	result, err := store.database.ExecContext(ctx,
		"UPDATE item SET archived = $1 WHERE id = $2",
		archived,
		id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrItemNotFound
	}
	return nil
}

func (store *postgresStore) ListItems(ctx context.Context, includeArchived bool) ([]model.Item, error) {
	rows, err := store.database.QueryContext(ctx,
		"SELECT id, name, price, stock, active, archived, created_at"+
			" FROM item"+
			" WHERE archived = FALSE OR $1"+
			" ORDER BY created_at",
		includeArchived)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []model.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Журнал

func insertEntry(ctx context.Context, tx *sql.Tx, entry model.LedgerEntry) error {
	account := sql.NullString{String: entry.AccountID, Valid: entry.AccountID != ""}
	debit := sql.NullInt64{Int64: entry.Debit, Valid: entry.Debit != 0}
	credit := sql.NullInt64{Int64: entry.Credit, Valid: entry.Credit != 0}

	_, err := tx.ExecContext(ctx,
		"INSERT INTO ledger (id, account, kind, debit, credit, balance_after, narration, ts)"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8)",
		entry.ID,
		account,
		entry.Kind,
		debit,
		credit,
		entry.BalanceAfter,
		entry.Narration,
		entry.Timestamp)
	return err
}

func (store *postgresStore) LedgerHistory(ctx context.Context, accountID string) ([]model.LedgerEntry, error) {
	rows, err := store.database.QueryContext(ctx,
		"SELECT id, account, kind, debit, credit, balance_after, narration, ts"+
			" FROM ledger"+
			" WHERE account = $1"+
			" ORDER BY ts, id",
		accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var entry model.LedgerEntry
		var account sql.NullString
		var debit, credit sql.NullInt64
		err := rows.Scan(&entry.ID,
			&account,
			&entry.Kind,
			&debit,
			&credit,
			&entry.BalanceAfter,
			&entry.Narration,
			&entry.Timestamp)
		if err != nil {
			return nil, err
		}
		entry.AccountID = account.String
		entry.Debit = debit.Int64
		entry.Credit = credit.Int64
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Покупки

func (store *postgresStore) GetPurchase(ctx context.Context, id string) (model.PurchaseRecord, error) {
	row := store.database.QueryRowContext(ctx,
		"SELECT id, item, buyer, quantity, unit_price, total_price, status, purchased_at, delivered_at"+
			" FROM purchase"+
			" WHERE id = $1",
		id)
	return scanPurchase(row)
}

func scanPurchase(row rowScanner) (model.PurchaseRecord, error) {
	var record model.PurchaseRecord
	var delivered sql.NullTime
	err := row.Scan(&record.ID,
		&record.ItemID,
		&record.BuyerID,
		&record.Quantity,
		&record.UnitPrice,
		&record.TotalPrice,
		&record.Status,
		&record.PurchasedAt,
		&delivered)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.PurchaseRecord{}, ErrRecordNotFound
		}
		return model.PurchaseRecord{}, err
	}
	if delivered.Valid {
		record.DeliveredAt = &delivered.Time
	}
	return record, nil
}

func (store *postgresStore) listPurchases(ctx context.Context, where string, arg any) ([]model.PurchaseRecord, error) {
	rows, err := store.database.QueryContext(ctx,
		"SELECT id, item, buyer, quantity, unit_price, total_price, status, purchased_at, delivered_at"+
			" FROM purchase"+
			" WHERE "+where+" = $1"+
			" ORDER BY purchased_at",
		arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.PurchaseRecord
	for rows.Next() {
		record, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (store *postgresStore) ListPurchasesByBuyer(ctx context.Context, buyerID string) ([]model.PurchaseRecord, error) {
	return store.listPurchases(ctx, "buyer", buyerID)
}

func (store *postgresStore) ListPurchasesByStatus(ctx context.Context, status model.PurchaseStatus) ([]model.PurchaseRecord, error) {
	return store.listPurchases(ctx, "status", status)
}

// Группы

func (store *postgresStore) CreateGroup(ctx context.Context, group model.Group) error {
	_, err := store.database.ExecContext(ctx,
		"INSERT INTO account_group (id, name, created_at)"+
			" VALUES ($1, $2, $3)",
		group.ID,
		group.Name,
		group.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (store *postgresStore) GetGroup(ctx context.Context, id string) (model.Group, error) {
	row := store.database.QueryRowContext(ctx,
		"SELECT id, name, created_at FROM account_group WHERE id = $1",
		id)

	var group model.Group
	err := row.Scan(&group.ID, &group.Name, &group.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Group{}, ErrGroupNotFound
		}
		return model.Group{}, err
	}
	return group, nil
}

func (store *postgresStore) AddGroupMember(ctx context.Context, groupID string, accountID string) error {
	_, err := store.database.ExecContext(ctx,
		"INSERT INTO group_member (group_id, account)"+
			" VALUES ($1, $2)",
		groupID,
		accountID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (store *postgresStore) RemoveGroupMember(ctx context.Context, groupID string, accountID string) error {
	_, err := store.database.ExecContext(ctx,
		"DELETE FROM group_member WHERE group_id = $1 AND account = $2",
		groupID,
		accountID)
	return err
}

func (store *postgresStore) GroupMembers(ctx context.Context, groupID string) ([]string, error) {
	// существование группы проверяется отдельно:
	// пустая группа - не ошибка
	if _, err := store.GetGroup(ctx, groupID); err != nil {
		return nil, err
	}

	rows, err := store.database.QueryContext(ctx,
		"SELECT account FROM group_member WHERE group_id = $1 ORDER BY account",
		groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var account string
		if err := rows.Scan(&account); err != nil {
			return nil, err
		}
		members = append(members, account)
	}
	return members, rows.Err()
}

// Фиксации операций

func updateBalance(ctx context.Context, tx *sql.Tx, accountID string, balance int64) error {
	result, err := tx.ExecContext(ctx,
		"UPDATE account SET balance = $1 WHERE id = $2",
		balance,
		accountID)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (store *postgresStore) CommitEntry(ctx context.Context, newBalance int64, entry model.LedgerEntry) error {
	tx, err := store.database.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := updateBalance(ctx, tx, entry.AccountID, newBalance); err != nil {
		return err
	}
	if err := insertEntry(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit()
}

func (store *postgresStore) CommitTransfer(ctx context.Context, senderBalance int64, receiverBalance int64, out model.LedgerEntry, in model.LedgerEntry) error {
	tx, err := store.database.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := updateBalance(ctx, tx, out.AccountID, senderBalance); err != nil {
		return err
	}
	if err := updateBalance(ctx, tx, in.AccountID, receiverBalance); err != nil {
		return err
	}
	if err := insertEntry(ctx, tx, out); err != nil {
		return err
	}
	if err := insertEntry(ctx, tx, in); err != nil {
		return err
	}
	return tx.Commit()
}

func (store *postgresStore) CommitPurchase(ctx context.Context, buyerBalance int64, newStock model.Stock, entry model.LedgerEntry, record model.PurchaseRecord) error {
	tx, err := store.database.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := updateBalance(ctx, tx, entry.AccountID, buyerBalance); err != nil {
		return err
	}

	result, err := tx.ExecContext(ctx,
		"UPDATE item SET stock = $1 WHERE id = $2",
		stockValue(newStock),
		record.ItemID)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrItemNotFound
	}

	if err := insertEntry(ctx, tx, entry); err != nil {
		return err
	}

	delivered := sql.NullTime{}
	if record.DeliveredAt != nil {
		delivered = sql.NullTime{Time: *record.DeliveredAt, Valid: true}
	}
	_, err = tx.ExecContext(ctx,
		"INSERT INTO purchase (id, item, buyer, quantity, unit_price, total_price, status, purchased_at, delivered_at)"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)",
		record.ID,
		record.ItemID,
		record.BuyerID,
		record.Quantity,
		record.UnitPrice,
		record.TotalPrice,
		record.Status,
		record.PurchasedAt,
		delivered)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (store *postgresStore) MarkDelivered(ctx context.Context, recordID string, at time.Time) error {
	result, err := store.database.ExecContext(ctx,
		"UPDATE purchase"+
			" SET status = $1, delivered_at = $2"+
			" WHERE id = $3"+
			"   AND status = $4",
		model.PurchaseStatusDelivered,
		at,
		recordID,
		model.PurchaseStatusPending)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows > 0 {
		return nil
	}

	// запись не перешла: либо нет, либо уже доставлена
	if _, err := store.GetPurchase(ctx, recordID); err != nil {
		return err
	}
	return ErrAlreadyDelivered
}
