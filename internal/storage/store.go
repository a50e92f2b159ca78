// Package storage provides implementations of the Store interface
// for both in-memory and PostgreSQL storage backends.
package storage

import (
	"context"
	"errors"

	"github.com/signalapi/signal-service/internal/model"
)

// ErrNotFound is returned when a signal, type or region is not found
var ErrNotFound = errors.New("not found")

// SignalStore persists signal records.
type SignalStore interface {
	// CreateSignal inserts s and sets s.ID to the store-assigned id.
	CreateSignal(ctx context.Context, s *model.Signal) error
	GetSignal(ctx context.Context, id int64) (*model.Signal, error)
	ListSignals(ctx context.Context) ([]model.Signal, error)
	ListSignalsByRegion(ctx context.Context, region string) ([]model.Signal, error)
	ListSignalsByUsername(ctx context.Context, username string) ([]model.Signal, error)

	// Partial updates. They return ErrNotFound when no row was affected.
	UpdateSignalStatus(ctx context.Context, id int64, status model.Status) error
	UpdateSignalRegion(ctx context.Context, id int64, region string) error

	DeleteSignal(ctx context.Context, id int64) error
}

// TypeCatalog looks up signal types. Types are reference data and are never
// created through the service.
type TypeCatalog interface {
	GetTypeByName(ctx context.Context, name string) (*model.TypeSignal, error)
	ListTypes(ctx context.Context) ([]model.TypeSignal, error)
}

// RegionDirectory maps a username to the region it belongs to.
type RegionDirectory interface {
	GetRegionForUser(ctx context.Context, username string) (string, error)
}

// Store interface defines the storage operations required by the signal service.
// This interface is implemented by both in-memory and PostgreSQL storage backends.
type Store interface {
	SignalStore
	TypeCatalog
	RegionDirectory

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
	Close()
}

// Seed is the reference data loaded into a store at start-up.
type Seed struct {
	Types       []string          // Type names for the catalog
	UserRegions map[string]string // username -> region
}
