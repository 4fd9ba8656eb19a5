package store

import (
	"fmt"

	"github.com/jacentio/fieldops/fault"
	"github.com/jacentio/fieldops/keys"
)

// Config holds configuration for the Store.
type Config struct {
	// Table is the shared table holding every entity.
	// Default: "fieldops"
	Table string

	// LockTable holds region-combination lock records.
	// Default: same as Table
	LockTable string

	// MaxTransactItems caps the number of operations in one TransactWrite.
	// Default: 25
	// Max: 100 (DynamoDB limit)
	MaxTransactItems int

	// DefaultPageSize is used when a list request gives no page size.
	// Default: 25
	DefaultPageSize int32

	// MaxPageSize bounds caller-controlled page sizes (minimum is always 1).
	// Default: 100
	MaxPageSize int32
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Table:            "fieldops",
		MaxTransactItems: 25,
		DefaultPageSize:  25,
		MaxPageSize:      100,
	}
}

// Validate fills defaults and clamps values into acceptable bounds.
func (c *Config) Validate() {
	if c.Table == "" {
		c.Table = "fieldops"
	}
	if c.LockTable == "" {
		c.LockTable = c.Table
	}
	if c.MaxTransactItems < 1 {
		c.MaxTransactItems = 25
	}
	if c.MaxTransactItems > 100 {
		c.MaxTransactItems = 100
	}
	if c.MaxPageSize < 1 {
		c.MaxPageSize = 100
	}
	if c.DefaultPageSize < 1 || c.DefaultPageSize > c.MaxPageSize {
		c.DefaultPageSize = min(25, c.MaxPageSize)
	}
}

// TableFor returns the table an entity type is stored in.
func (c Config) TableFor(t keys.EntityType) string {
	if t == keys.RegionLock && c.LockTable != "" {
		return c.LockTable
	}
	return c.Table
}

// PageSize resolves a caller-supplied page size: zero selects the default,
// anything outside 1..MaxPageSize is a validation error.
func (c Config) PageSize(n int32) (int32, error) {
	if n == 0 {
		return c.DefaultPageSize, nil
	}
	if n < 1 || n > c.MaxPageSize {
		return 0, fault.Invalid("limit", fmt.Sprintf("must be between 1 and %d", c.MaxPageSize))
	}
	return n, nil
}
