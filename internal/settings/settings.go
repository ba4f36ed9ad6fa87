// Package settings is a read-through cache over the settings table. Game
// knobs (order ceilings, bonus sizes) are edited by operators at runtime,
// so readers tolerate a bounded staleness window instead of hitting the
// table on every lookup.
package settings

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/bucksbot/exchange/internal/db"
)

// MaxInputKey bounds the fiat total of a single buy order.
const MaxInputKey = "max_input_number"

// Defaults are written once at startup; existing values win.
var Defaults = map[string]string{
	MaxInputKey: "1000000",
}

// Cache is a refresh-if-stale settings cache. The clock is injected so
// staleness is testable without sleeping.
type Cache struct {
	DB     *db.DB
	MaxAge time.Duration
	Now    func() time.Time

	mu        sync.Mutex
	values    map[string]string
	refreshed time.Time
}

// NewCache creates a cache with the given staleness window.
func NewCache(database *db.DB, maxAge time.Duration) *Cache {
	return &Cache{
		DB:     database,
		MaxAge: maxAge,
		Now:    time.Now,
		values: make(map[string]string),
	}
}

// Seed inserts the default values, keeping any existing rows.
func (c *Cache) Seed(ctx context.Context) error {
	for key, value := range Defaults {
		_, err := c.DB.Pool.Exec(ctx,
			"INSERT INTO settings (key, value) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING",
			key, value)
		if err != nil {
			return fmt.Errorf("failed to seed setting %s: %w", key, err)
		}
	}
	return nil
}

// Get returns the value for key, refreshing the whole cache first if it is
// stale. Unknown keys fall back to the default table.
func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.Now()
	if len(c.values) == 0 || now.Sub(c.refreshed) > c.MaxAge {
		if err := c.refreshLocked(ctx); err != nil {
			return "", err
		}
		c.refreshed = now
	}

	if value, ok := c.values[key]; ok {
		return value, nil
	}
	if value, ok := Defaults[key]; ok {
		return value, nil
	}
	return "", fmt.Errorf("unknown setting %q", key)
}

// Float parses the setting as a float64.
func (c *Cache) Float(ctx context.Context, key string) (float64, error) {
	value, err := c.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("setting %s is not a number: %w", key, err)
	}
	return f, nil
}

// Int parses the setting as an int64.
func (c *Cache) Int(ctx context.Context, key string) (int64, error) {
	value, err := c.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("setting %s is not an integer: %w", key, err)
	}
	return n, nil
}

// Set writes through to the table and updates the cache in place.
func (c *Cache) Set(ctx context.Context, key, value string) error {
	_, err := c.DB.Pool.Exec(ctx,
		"INSERT INTO settings (key, value) VALUES ($1, $2) ON CONFLICT (key) DO UPDATE SET value=$2",
		key, value)
	if err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}
	c.mu.Lock()
	c.values[key] = value
	c.mu.Unlock()
	return nil
}

func (c *Cache) refreshLocked(ctx context.Context) error {
	rows, err := c.DB.Pool.Query(ctx, "SELECT key, value FROM settings")
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return fmt.Errorf("failed to scan setting: %w", err)
		}
		values[key] = value
	}
	if err := rows.Err(); err != nil {
		return err
	}
	c.values = values
	return nil
}
