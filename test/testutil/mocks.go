// Copyright (C) 2026 Makerflow
// SPDX-License-Identifier: AGPL-3.0-or-later

package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/makerflow/makerflow/internal/wferr"
	"github.com/makerflow/makerflow/internal/workflow/resources"
)

// StubOracle is an in-memory stand-in for the inventory service. Stock and
// tool state is mutated under a lock so it is safe for concurrent engine
// calls.
type StubOracle struct {
	mu sync.Mutex

	Stock     map[string]float64 // material id -> on-hand quantity
	Tools     map[string]bool    // tool id -> available
	Materials map[string]string  // material name -> id, for import resolution
	ToolNames map[string]string  // tool name -> id

	reserved map[string]reservation // token -> what it holds
}

type reservation struct {
	materialID string
	toolID     string
	quantity   float64
}

// NewStubOracle returns an oracle with empty inventory. Populate Stock and
// Tools before handing it to a Coordinator.
func NewStubOracle() *StubOracle {
	return &StubOracle{
		Stock:     map[string]float64{},
		Tools:     map[string]bool{},
		Materials: map[string]string{},
		ToolNames: map[string]string{},
		reserved:  map[string]reservation{},
	}
}

// Outstanding reports how many reservations have not been released.
func (o *StubOracle) Outstanding() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.reserved)
}

func (o *StubOracle) CheckMaterial(ctx context.Context, materialID string, quantity float64) (*resources.Availability, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	onHand := o.Stock[materialID]
	return &resources.Availability{
		ResourceID: materialID,
		Available:  onHand >= quantity,
		Quantity:   onHand,
	}, nil
}

func (o *StubOracle) ReserveMaterial(ctx context.Context, materialID string, quantity float64) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.Stock[materialID] < quantity {
		return "", wferr.Unreserved("material %s: need %g, have %g", materialID, quantity, o.Stock[materialID])
	}
	o.Stock[materialID] -= quantity
	token := uuid.New().String()
	o.reserved[token] = reservation{materialID: materialID, quantity: quantity}
	return token, nil
}

func (o *StubOracle) ReleaseMaterial(ctx context.Context, token string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	res, ok := o.reserved[token]
	if !ok {
		return fmt.Errorf("unknown reservation token %s", token)
	}
	o.Stock[res.materialID] += res.quantity
	delete(o.reserved, token)
	return nil
}

func (o *StubOracle) CheckTool(ctx context.Context, toolID string) (*resources.Availability, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return &resources.Availability{ResourceID: toolID, Available: o.Tools[toolID]}, nil
}

func (o *StubOracle) ReserveTool(ctx context.Context, toolID string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.Tools[toolID] {
		return "", wferr.Unreserved("tool %s is not available", toolID)
	}
	o.Tools[toolID] = false
	token := uuid.New().String()
	o.reserved[token] = reservation{toolID: toolID}
	return token, nil
}

func (o *StubOracle) ReleaseTool(ctx context.Context, token string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	res, ok := o.reserved[token]
	if !ok {
		return fmt.Errorf("unknown reservation token %s", token)
	}
	o.Tools[res.toolID] = true
	delete(o.reserved, token)
	return nil
}

func (o *StubOracle) FindMaterialByName(ctx context.Context, name string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.Materials[name], nil
}

func (o *StubOracle) FindToolByName(ctx context.Context, name string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ToolNames[name], nil
}

