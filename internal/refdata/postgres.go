package refdata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"orderpipe/internal/model"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS customers (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    contact_no TEXT NOT NULL DEFAULT '',
    gender TEXT NOT NULL DEFAULT 'OTHER',
    age INTEGER NOT NULL DEFAULT 0,
    join_date TIMESTAMPTZ,
    total_spent NUMERIC(14,2) NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS menu_items (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    category TEXT NOT NULL,
    price NUMERIC(10,2) NOT NULL,
    vegetarian BOOLEAN NOT NULL DEFAULT FALSE,
    spice_level TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS outlets (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    borough TEXT NOT NULL DEFAULT '',
    capacity INTEGER NOT NULL DEFAULT 0,
    opened TIMESTAMPTZ
);
`

// Postgres resolves reference data from PostgreSQL through the pgx database/sql driver.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres opens and pings the database.
func OpenPostgres(uri string) (*Postgres, error) {
	db, err := sql.Open("pgx", uri)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	if err = db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}
	return &Postgres{db: db}, nil
}

// NewPostgres wraps an existing handle.
func NewPostgres(db *sql.DB) *Postgres { return &Postgres{db: db} }

func (p *Postgres) Close() error { return p.db.Close() }

// InitSchema creates the reference tables when missing.
func (p *Postgres) InitSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to init schema: %w", err)
	}
	return nil
}

func (p *Postgres) FindCustomer(ctx context.Context, id string) (model.Customer, bool, error) {
	var (
		c      model.Customer
		gender string
		joined sql.NullTime
	)
	err := p.db.QueryRowContext(ctx,
		`SELECT id, name, contact_no, gender, age, join_date, total_spent FROM customers WHERE id = $1`, id,
	).Scan(&c.ID, &c.Name, &c.ContactNo, &gender, &c.Age, &joined, &c.TotalSpent)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Customer{}, false, nil
	}
	if err != nil {
		return model.Customer{}, false, fmt.Errorf("query customer %s: %w", id, err)
	}
	c.Gender = model.ParseGender(gender)
	c.JoinDate = nullTime(joined)
	return c, true, nil
}

func (p *Postgres) FindMenuItem(ctx context.Context, id string) (model.MenuItem, bool, error) {
	var (
		it       model.MenuItem
		category string
	)
	err := p.db.QueryRowContext(ctx,
		`SELECT id, name, category, price, vegetarian, spice_level FROM menu_items WHERE id = $1`, id,
	).Scan(&it.ID, &it.Name, &category, &it.Price, &it.Vegetarian, &it.SpiceLevel)
	if errors.Is(err, sql.ErrNoRows) {
		return model.MenuItem{}, false, nil
	}
	if err != nil {
		return model.MenuItem{}, false, fmt.Errorf("query menu item %s: %w", id, err)
	}
	it.Category = model.ParseCategory(category)
	return it, true, nil
}

func (p *Postgres) FindOutlet(ctx context.Context, id string) (model.Outlet, bool, error) {
	var (
		o      model.Outlet
		opened sql.NullTime
	)
	err := p.db.QueryRowContext(ctx,
		`SELECT id, name, borough, capacity, opened FROM outlets WHERE id = $1`, id,
	).Scan(&o.ID, &o.Name, &o.Borough, &o.Capacity, &opened)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Outlet{}, false, nil
	}
	if err != nil {
		return model.Outlet{}, false, fmt.Errorf("query outlet %s: %w", id, err)
	}
	o.Opened = nullTime(opened)
	return o, true, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// Seed upserts a dataset in one transaction.
func (p *Postgres) Seed(ctx context.Context, ds Dataset) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin seed: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, c := range ds.Customers {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO customers (id, name, contact_no, gender, age, join_date, total_spent)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, contact_no = EXCLUDED.contact_no,
				gender = EXCLUDED.gender, age = EXCLUDED.age, join_date = EXCLUDED.join_date,
				total_spent = EXCLUDED.total_spent`,
			c.ID, c.Name, c.ContactNo, string(c.Gender), c.Age, c.JoinDate, c.TotalSpent); err != nil {
			return fmt.Errorf("seed customer %s: %w", c.ID, err)
		}
	}
	for _, it := range ds.MenuItems {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO menu_items (id, name, category, price, vegetarian, spice_level)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, category = EXCLUDED.category,
				price = EXCLUDED.price, vegetarian = EXCLUDED.vegetarian, spice_level = EXCLUDED.spice_level`,
			it.ID, it.Name, string(it.Category), it.Price, it.Vegetarian, it.SpiceLevel); err != nil {
			return fmt.Errorf("seed menu item %s: %w", it.ID, err)
		}
	}
	for _, o := range ds.Outlets {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO outlets (id, name, borough, capacity, opened)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, borough = EXCLUDED.borough,
				capacity = EXCLUDED.capacity, opened = EXCLUDED.opened`,
			o.ID, o.Name, o.Borough, o.Capacity, o.Opened); err != nil {
			return fmt.Errorf("seed outlet %s: %w", o.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit seed: %w", err)
	}
	return nil
}
