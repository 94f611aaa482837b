// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overledger

import (
	"maps"
	"sort"
	"sync"

	"github.com/mobiletoly/go-overledger/ledger"
)

// Cache is the single in-process view of the signed-in owner's ledger.
// Listeners are called after every change, outside the lock.
type Cache struct {
	mu           sync.RWMutex
	customers    map[string]ledger.Customer
	transactions map[string]ledger.Transaction

	subMu   sync.Mutex
	subs    map[int]func()
	nextSub int
}

// Snapshot is an opaque copy of the cache contents
type Snapshot struct {
	customers    map[string]ledger.Customer
	transactions map[string]ledger.Transaction
}

func NewCache() *Cache {
	return &Cache{
		customers:    make(map[string]ledger.Customer),
		transactions: make(map[string]ledger.Transaction),
		subs:         make(map[int]func()),
	}
}

// Subscribe registers fn for change notifications
func (c *Cache) Subscribe(fn func()) (unsubscribe func()) {
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, id)
			c.subMu.Unlock()
		})
	}
}

func (c *Cache) notify() {
	c.subMu.Lock()
	fns := make([]func(), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (c *Cache) update(fn func()) {
	c.mu.Lock()
	fn()
	c.mu.Unlock()
	c.notify()
}

func (c *Cache) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		customers:    maps.Clone(c.customers),
		transactions: maps.Clone(c.transactions),
	}
}

// Restore puts back the contents captured by Snapshot
func (c *Cache) Restore(s Snapshot) {
	c.update(func() {
		c.customers = maps.Clone(s.customers)
		c.transactions = maps.Clone(s.transactions)
		if c.customers == nil {
			c.customers = make(map[string]ledger.Customer)
		}
		if c.transactions == nil {
			c.transactions = make(map[string]ledger.Transaction)
		}
	})
}

// Reset replaces the whole cache
func (c *Cache) Reset(customers []ledger.Customer, transactions []ledger.Transaction) {
	c.update(func() {
		c.customers = make(map[string]ledger.Customer, len(customers))
		for _, cu := range customers {
			c.customers[cu.ID] = cu
		}
		c.transactions = make(map[string]ledger.Transaction, len(transactions))
		for _, t := range transactions {
			c.transactions[t.ID] = t
		}
	})
}

// Customers returns all cached customers ordered by creation time
func (c *Cache) Customers() []ledger.Customer {
	c.mu.RLock()
	out := make([]ledger.Customer, 0, len(c.customers))
	for _, cu := range c.customers {
		out = append(out, cu)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (c *Cache) Customer(id string) (ledger.Customer, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cu, ok := c.customers[id]
	return cu, ok
}

// Transactions returns the customer's transactions ordered by occurrence
func (c *Cache) Transactions(customerID string) []ledger.Transaction {
	c.mu.RLock()
	var out []ledger.Transaction
	for _, t := range c.transactions {
		if t.CustomerID == customerID {
			out = append(out, t)
		}
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].OccurredAt.Before(out[j].OccurredAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (c *Cache) Transaction(id string) (ledger.Transaction, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.transactions[id]
	return t, ok
}

func (c *Cache) PutCustomer(cu ledger.Customer) {
	c.update(func() { c.customers[cu.ID] = cu })
}

func (c *Cache) PutTransaction(t ledger.Transaction) {
	c.update(func() { c.transactions[t.ID] = t })
}

// RemoveCustomer drops the customer and its transactions
func (c *Cache) RemoveCustomer(id string) {
	c.update(func() {
		delete(c.customers, id)
		for tid, t := range c.transactions {
			if t.CustomerID == id {
				delete(c.transactions, tid)
			}
		}
	})
}

func (c *Cache) RemoveTransaction(id string) {
	c.update(func() { delete(c.transactions, id) })
}

// SwapCustomer replaces the customer cached under oldID with cu and points
// that customer's transactions at cu.ID.
func (c *Cache) SwapCustomer(oldID string, cu ledger.Customer) {
	c.update(func() {
		delete(c.customers, oldID)
		c.customers[cu.ID] = cu
		if oldID == cu.ID {
			return
		}
		for tid, t := range c.transactions {
			if t.CustomerID == oldID {
				t.CustomerID = cu.ID
				c.transactions[tid] = t
			}
		}
	})
}

// SwapTransaction replaces the transaction cached under oldID with t
func (c *Cache) SwapTransaction(oldID string, t ledger.Transaction) {
	c.update(func() {
		delete(c.transactions, oldID)
		c.transactions[t.ID] = t
	})
}
