package refdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"orderpipe/internal/model"
)

// Mongo resolves reference data from three collections keyed by _id.
type Mongo struct {
	url    string
	dbName string

	client    *mongo.Client
	customers *mongo.Collection
	items     *mongo.Collection
	outlets   *mongo.Collection
}

func NewMongo(url, dbName string) *Mongo {
	if url == "" {
		url = "mongodb://localhost:27017"
	}
	if dbName == "" {
		dbName = "orderpipe"
	}
	return &Mongo{url: url, dbName: dbName}
}

// Start connects and pings the server.
func (m *Mongo) Start(ctx context.Context) error {
	clientOptions := options.Client().ApplyURI(m.url).
		SetConnectTimeout(10 * time.Second).
		SetServerSelectionTimeout(10 * time.Second)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return fmt.Errorf("cannot connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return fmt.Errorf("cannot ping MongoDB: %w", err)
	}
	db := client.Database(m.dbName)
	m.client = client
	m.customers = db.Collection("customers")
	m.items = db.Collection("menu_items")
	m.outlets = db.Collection("outlets")
	return nil
}

// Stop closes the connection.
func (m *Mongo) Stop(ctx context.Context) error {
	if m.client == nil {
		return nil
	}
	if err := m.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("cannot disconnect from MongoDB: %w", err)
	}
	return nil
}

func (m *Mongo) FindCustomer(ctx context.Context, id string) (model.Customer, bool, error) {
	var c model.Customer
	ok, err := findByID(ctx, m.customers, id, &c)
	if !ok || err != nil {
		return model.Customer{}, false, err
	}
	c.Gender = model.ParseGender(string(c.Gender))
	return c, true, nil
}

func (m *Mongo) FindMenuItem(ctx context.Context, id string) (model.MenuItem, bool, error) {
	var it model.MenuItem
	ok, err := findByID(ctx, m.items, id, &it)
	if !ok || err != nil {
		return model.MenuItem{}, false, err
	}
	it.Category = model.ParseCategory(string(it.Category))
	return it, true, nil
}

func (m *Mongo) FindOutlet(ctx context.Context, id string) (model.Outlet, bool, error) {
	var o model.Outlet
	ok, err := findByID(ctx, m.outlets, id, &o)
	if !ok || err != nil {
		return model.Outlet{}, false, err
	}
	return o, true, nil
}

// Seed upserts a dataset, used by local tooling.
func (m *Mongo) Seed(ctx context.Context, ds Dataset) error {
	upsert := options.Replace().SetUpsert(true)
	for _, c := range ds.Customers {
		if _, err := m.customers.ReplaceOne(ctx, bson.M{"_id": c.ID}, c, upsert); err != nil {
			return fmt.Errorf("seed customer %s: %w", c.ID, err)
		}
	}
	for _, it := range ds.MenuItems {
		if _, err := m.items.ReplaceOne(ctx, bson.M{"_id": it.ID}, it, upsert); err != nil {
			return fmt.Errorf("seed menu item %s: %w", it.ID, err)
		}
	}
	for _, o := range ds.Outlets {
		if _, err := m.outlets.ReplaceOne(ctx, bson.M{"_id": o.ID}, o, upsert); err != nil {
			return fmt.Errorf("seed outlet %s: %w", o.ID, err)
		}
	}
	return nil
}

func findByID(ctx context.Context, coll *mongo.Collection, id string, out interface{}) (bool, error) {
	if coll == nil {
		return false, errors.New("mongo reference data not started")
	}
	err := coll.FindOne(ctx, bson.M{"_id": id}).Decode(out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("find %s in %s: %w", id, coll.Name(), err)
	}
	return true, nil
}
