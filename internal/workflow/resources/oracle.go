// Copyright (C) 2026 Makerflow
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package resources coordinates step resource requirements against the
// inventory service that owns materials and tools. The engine only talks to
// the Coordinator; the Oracle interface isolates the remote inventory API so
// tests can substitute a fake.
package resources

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/makerflow/makerflow/internal/config"
	"github.com/makerflow/makerflow/internal/logger"
	"github.com/makerflow/makerflow/internal/wferr"
)

// Availability is the inventory service's answer for one resource.
type Availability struct {
	ResourceID string  `json:"resource_id"`
	Available  bool    `json:"available"`
	Quantity   float64 `json:"quantity"` // on-hand quantity for materials; ignored for tools
	Unit       string  `json:"unit,omitempty"`
}

// Oracle is the inventory service seen from the workflow engine. All calls
// honor the context deadline; implementations translate transport failures
// into external-unavailable errors.
type Oracle interface {
	CheckMaterial(ctx context.Context, materialID string, quantity float64) (*Availability, error)
	ReserveMaterial(ctx context.Context, materialID string, quantity float64) (token string, err error)
	ReleaseMaterial(ctx context.Context, token string) error

	CheckTool(ctx context.Context, toolID string) (*Availability, error)
	ReserveTool(ctx context.Context, toolID string) (token string, err error)
	ReleaseTool(ctx context.Context, token string) error

	// Name resolution for import: returns the resource ID, or empty when
	// nothing in the inventory matches.
	FindMaterialByName(ctx context.Context, name string) (string, error)
	FindToolByName(ctx context.Context, name string) (string, error)
}

// HTTPOracle talks to the inventory service over its REST API.
type HTTPOracle struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	client  *http.Client
}

// NewHTTPOracle builds an oracle from the inventory configuration.
func NewHTTPOracle(cfg *config.InventoryConfig) *HTTPOracle {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPOracle{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

func (o *HTTPOracle) CheckMaterial(ctx context.Context, materialID string, quantity float64) (*Availability, error) {
	var out Availability
	path := fmt.Sprintf("/api/v1/materials/%s/availability?quantity=%g", url.PathEscape(materialID), quantity)
	if err := o.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (o *HTTPOracle) ReserveMaterial(ctx context.Context, materialID string, quantity float64) (string, error) {
	body := map[string]any{"material_id": materialID, "quantity": quantity}
	var out struct {
		Token string `json:"token"`
	}
	if err := o.call(ctx, http.MethodPost, "/api/v1/reservations/materials", body, &out); err != nil {
		return "", err
	}
	return out.Token, nil
}

func (o *HTTPOracle) ReleaseMaterial(ctx context.Context, token string) error {
	return o.call(ctx, http.MethodDelete, "/api/v1/reservations/materials/"+url.PathEscape(token), nil, nil)
}

func (o *HTTPOracle) CheckTool(ctx context.Context, toolID string) (*Availability, error) {
	var out Availability
	if err := o.call(ctx, http.MethodGet, "/api/v1/tools/"+url.PathEscape(toolID)+"/availability", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (o *HTTPOracle) ReserveTool(ctx context.Context, toolID string) (string, error) {
	body := map[string]any{"tool_id": toolID}
	var out struct {
		Token string `json:"token"`
	}
	if err := o.call(ctx, http.MethodPost, "/api/v1/reservations/tools", body, &out); err != nil {
		return "", err
	}
	return out.Token, nil
}

func (o *HTTPOracle) ReleaseTool(ctx context.Context, token string) error {
	return o.call(ctx, http.MethodDelete, "/api/v1/reservations/tools/"+url.PathEscape(token), nil, nil)
}

func (o *HTTPOracle) FindMaterialByName(ctx context.Context, name string) (string, error) {
	return o.findByName(ctx, "/api/v1/materials", name)
}

func (o *HTTPOracle) FindToolByName(ctx context.Context, name string) (string, error) {
	return o.findByName(ctx, "/api/v1/tools", name)
}

func (o *HTTPOracle) findByName(ctx context.Context, path, name string) (string, error) {
	var out struct {
		Items []struct {
			ID string `json:"id"`
		} `json:"items"`
	}
	if err := o.call(ctx, http.MethodGet, path+"?name="+url.QueryEscape(name), nil, &out); err != nil {
		return "", err
	}
	if len(out.Items) == 0 {
		return "", nil
	}
	return out.Items[0].ID, nil
}

// call performs one request against the inventory API and decodes the
// response into out when non-nil.
func (o *HTTPOracle) call(ctx context.Context, method, path string, body any, out any) error {
	log := logger.GetInventoryLogger()

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	var reqBody *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode inventory request: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, o.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build inventory request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			log.Warn().Str("path", path).Dur("timeout", o.timeout).Msg("inventory request timed out")
			return wferr.Timeout("inventory request to %s timed out after %s", path, o.timeout)
		}
		log.Warn().Err(err).Str("path", path).Msg("inventory request failed")
		return wferr.ExternalUnavailable("inventory service unreachable").WithCause(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return wferr.NotFound("inventory resource", path)
	case resp.StatusCode >= 500:
		log.Warn().Int("status", resp.StatusCode).Str("path", path).Msg("inventory service error")
		return wferr.ExternalUnavailable("inventory service returned status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return wferr.BusinessRule("inventory_rejected", "inventory service rejected request with status %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return wferr.ExternalUnavailable("invalid inventory response").WithCause(err)
		}
	}
	return nil
}
