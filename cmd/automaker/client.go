// Copyright (C) 2025 AutoMaker
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Fawwaz-2009/automaker/services/scheduler/feature"
)

// apiClient is a thin JSON client for the scheduler HTTP API.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{
		base: base,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// apiError carries the server's error payload alongside the status code.
type apiError struct {
	Status  int
	Message string
	Cycle   []string
}

func (e *apiError) Error() string {
	if len(e.Cycle) > 0 {
		return fmt.Sprintf("%s (cycle: %v)", e.Message, e.Cycle)
	}
	return e.Message
}

func (c *apiClient) do(method, path string, body, out any) error {
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		buf = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.base+path, buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach scheduler at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var payload struct {
			Error string   `json:"error"`
			Cycle []string `json:"cycle"`
		}
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &payload) != nil || payload.Error == "" {
			payload.Error = fmt.Sprintf("request failed with status %d", resp.StatusCode)
		}
		return &apiError{Status: resp.StatusCode, Message: payload.Error, Cycle: payload.Cycle}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *apiClient) createFeature(req map[string]any) (feature.Feature, error) {
	var f feature.Feature
	err := c.do(http.MethodPost, "/v1/features", req, &f)
	return f, err
}

func (c *apiClient) listFeatures() ([]feature.Feature, error) {
	var resp struct {
		Features []feature.Feature `json:"features"`
	}
	err := c.do(http.MethodGet, "/v1/features", nil, &resp)
	return resp.Features, err
}

func (c *apiClient) getFeature(id string) (feature.Feature, error) {
	var f feature.Feature
	err := c.do(http.MethodGet, "/v1/features/"+id, nil, &f)
	return f, err
}

func (c *apiClient) deleteFeature(id string, cascade bool) error {
	path := "/v1/features/" + id
	if cascade {
		path += "?cascade=true"
	}
	return c.do(http.MethodDelete, path, nil, nil)
}

func (c *apiClient) addDependency(targetID, sourceID string) error {
	return c.do(http.MethodPost, "/v1/features/"+targetID+"/dependencies",
		map[string]any{"source_id": sourceID}, nil)
}

func (c *apiClient) removeDependency(targetID, sourceID string) error {
	return c.do(http.MethodDelete,
		"/v1/features/"+targetID+"/dependencies/"+sourceID, nil, nil)
}

func (c *apiClient) startFeature(id string) error {
	return c.do(http.MethodPost, "/v1/features/"+id+"/start", nil, nil)
}

func (c *apiClient) stopFeature(id string) error {
	return c.do(http.MethodPost, "/v1/features/"+id+"/stop", nil, nil)
}

func (c *apiClient) resumeFeature(id string) error {
	return c.do(http.MethodPost, "/v1/features/"+id+"/resume", nil, nil)
}

func (c *apiClient) slots() ([]slotView, error) {
	var resp struct {
		Slots []slotView `json:"slots"`
	}
	err := c.do(http.MethodGet, "/v1/slots", nil, &resp)
	return resp.Slots, err
}

// slotView mirrors the server's slot record.
type slotView struct {
	FeatureID string    `json:"feature_id"`
	StartedAt time.Time `json:"started_at"`
}
