// Package refdata holds the reference-data backends resolved by lookup.Cache:
// an in-memory set (optionally loaded from JSON), PostgreSQL and MongoDB.
package refdata

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"orderpipe/internal/model"
)

// Dataset is the on-disk reference data layout.
type Dataset struct {
	Customers []model.Customer `json:"customers"`
	MenuItems []model.MenuItem `json:"menuItems"`
	Outlets   []model.Outlet   `json:"outlets"`
}

// Memory is a map-backed Source.
type Memory struct {
	mu        sync.RWMutex
	customers map[string]model.Customer
	items     map[string]model.MenuItem
	outlets   map[string]model.Outlet
}

func NewMemory(ds Dataset) *Memory {
	m := &Memory{
		customers: make(map[string]model.Customer, len(ds.Customers)),
		items:     make(map[string]model.MenuItem, len(ds.MenuItems)),
		outlets:   make(map[string]model.Outlet, len(ds.Outlets)),
	}
	for _, c := range ds.Customers {
		m.customers[c.ID] = c
	}
	for _, it := range ds.MenuItems {
		m.items[it.ID] = it
	}
	for _, o := range ds.Outlets {
		m.outlets[o.ID] = o
	}
	return m
}

// LoadFile reads a Dataset from a JSON file.
func LoadFile(path string) (*Memory, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read reference data: %w", err)
	}
	var ds Dataset
	if err := json.Unmarshal(b, &ds); err != nil {
		return nil, fmt.Errorf("decode reference data: %w", err)
	}
	return NewMemory(ds), nil
}

func (m *Memory) FindCustomer(ctx context.Context, id string) (model.Customer, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.customers[id]
	return c, ok, nil
}

func (m *Memory) FindMenuItem(ctx context.Context, id string) (model.MenuItem, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.items[id]
	return it, ok, nil
}

func (m *Memory) FindOutlet(ctx context.Context, id string) (model.Outlet, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.outlets[id]
	return o, ok, nil
}

// PutCustomer adds or replaces a customer.
func (m *Memory) PutCustomer(c model.Customer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.customers[c.ID] = c
}
