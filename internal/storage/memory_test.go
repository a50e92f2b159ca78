package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/signalapi/signal-service/internal/model"
)

func newTestMemory() Store {
	return NewMemory(Seed{
		Types:       []string{"pothole", "flood"},
		UserRegions: map[string]string{"mod1": "Analamanga"},
	})
}

func sampleSignal(username string) *model.Signal {
	return &model.Signal{
		Image:       username + "_x.png",
		Description: "broken road",
		TypeSignal:  []model.TypeSignal{{ID: 1, Type: "pothole"}},
		Latitude:    -18.9,
		Longitude:   47.5,
		Status:      model.StatusPending,
		Date:        time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		Username:    username,
	}
}

func TestMemoryCreateAssignsIncreasingIDs(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory()

	var last int64
	for i := 0; i < 3; i++ {
		s := sampleSignal("alice")
		if err := m.CreateSignal(ctx, s); err != nil {
			t.Fatalf("CreateSignal() error = %v", err)
		}
		if s.ID <= last {
			t.Fatalf("CreateSignal() id = %d, want > %d", s.ID, last)
		}
		last = s.ID
	}

	// ids are never reused after a delete
	if err := m.DeleteSignal(ctx, last); err != nil {
		t.Fatalf("DeleteSignal() error = %v", err)
	}
	s := sampleSignal("alice")
	if err := m.CreateSignal(ctx, s); err != nil {
		t.Fatalf("CreateSignal() error = %v", err)
	}
	if s.ID == last {
		t.Fatalf("CreateSignal() reused id %d", last)
	}
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory()

	s := sampleSignal("alice")
	if err := m.CreateSignal(ctx, s); err != nil {
		t.Fatalf("CreateSignal() error = %v", err)
	}
	s.Description = "mutated"
	s.TypeSignal[0].Type = "mutated"

	got, err := m.GetSignal(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetSignal() error = %v", err)
	}
	if got.Description != "broken road" || got.TypeSignal[0].Type != "pothole" {
		t.Errorf("stored signal changed through caller pointer: %+v", got)
	}
}

func TestMemoryListFilters(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory()

	a := sampleSignal("alice")
	b := sampleSignal("bob")
	for _, s := range []*model.Signal{a, b} {
		if err := m.CreateSignal(ctx, s); err != nil {
			t.Fatalf("CreateSignal() error = %v", err)
		}
	}
	if err := m.UpdateSignalRegion(ctx, b.ID, "Analamanga"); err != nil {
		t.Fatalf("UpdateSignalRegion() error = %v", err)
	}

	all, _ := m.ListSignals(ctx)
	if len(all) != 2 || all[0].ID != a.ID || all[1].ID != b.ID {
		t.Errorf("ListSignals() = %+v, want both ordered by id", all)
	}

	byRegion, _ := m.ListSignalsByRegion(ctx, "Analamanga")
	if len(byRegion) != 1 || byRegion[0].ID != b.ID {
		t.Errorf("ListSignalsByRegion() = %+v", byRegion)
	}

	byUser, _ := m.ListSignalsByUsername(ctx, "alice")
	if len(byUser) != 1 || byUser[0].ID != a.ID {
		t.Errorf("ListSignalsByUsername() = %+v", byUser)
	}

	none, _ := m.ListSignalsByUsername(ctx, "nobody")
	if none == nil || len(none) != 0 {
		t.Errorf("ListSignalsByUsername(nobody) = %#v, want empty non-nil slice", none)
	}
}

func TestMemoryPartialUpdates(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory()

	s := sampleSignal("alice")
	if err := m.CreateSignal(ctx, s); err != nil {
		t.Fatalf("CreateSignal() error = %v", err)
	}

	if err := m.UpdateSignalStatus(ctx, s.ID, model.StatusResolved); err != nil {
		t.Fatalf("UpdateSignalStatus() error = %v", err)
	}
	got, _ := m.GetSignal(ctx, s.ID)
	if got.Status != model.StatusResolved || got.Description != s.Description || got.Region != nil {
		t.Errorf("after status update got %+v", got)
	}

	if err := m.UpdateSignalStatus(ctx, 999, model.StatusResolved); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateSignalStatus(999) error = %v, want ErrNotFound", err)
	}
	if err := m.UpdateSignalRegion(ctx, 999, "X"); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateSignalRegion(999) error = %v, want ErrNotFound", err)
	}
	if err := m.DeleteSignal(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeleteSignal(999) error = %v, want ErrNotFound", err)
	}
}

func TestMemoryReferenceData(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory()

	typ, err := m.GetTypeByName(ctx, "flood")
	if err != nil || typ.ID != 2 {
		t.Errorf("GetTypeByName(flood) = %+v, %v", typ, err)
	}
	if _, err := m.GetTypeByName(ctx, "volcano"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetTypeByName(volcano) error = %v, want ErrNotFound", err)
	}

	types, _ := m.ListTypes(ctx)
	if len(types) != 2 || types[0].Type != "pothole" {
		t.Errorf("ListTypes() = %+v", types)
	}

	region, err := m.GetRegionForUser(ctx, "mod1")
	if err != nil || region != "Analamanga" {
		t.Errorf("GetRegionForUser(mod1) = %q, %v", region, err)
	}
	if _, err := m.GetRegionForUser(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRegionForUser(ghost) error = %v, want ErrNotFound", err)
	}
}
