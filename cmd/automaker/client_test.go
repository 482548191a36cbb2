// Copyright (C) 2025 AutoMaker
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Fawwaz-2009/automaker/services/scheduler/feature"
)

func TestClientCreateFeature(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/features", r.URL.Path)

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "login page", req["title"])

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(feature.Feature{ID: "f-1", Title: "login page"})
	}))
	defer srv.Close()

	f, err := newAPIClient(srv.URL).createFeature(map[string]any{"title": "login page"})
	require.NoError(t, err)
	assert.Equal(t, "f-1", f.ID)
}

func TestClientErrorPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]any{
			"error": "dependency cycle rejected",
			"cycle": []string{"a", "b"},
		})
	}))
	defer srv.Close()

	err := newAPIClient(srv.URL).addDependency("a", "b")
	require.Error(t, err)

	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, []string{"a", "b"}, apiErr.Cycle)
	assert.Contains(t, err.Error(), "cycle")
}

func TestClientNonJSONError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := newAPIClient(srv.URL).startFeature("x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}

func TestWebsocketURL(t *testing.T) {
	got, err := websocketURL("http://localhost:12300")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:12300/v1/events/ws", got)

	got, err = websocketURL("https://scheduler.example.com/")
	require.NoError(t, err)
	assert.Equal(t, "wss://scheduler.example.com/v1/events/ws", got)

	_, err = websocketURL("ftp://nope")
	assert.Error(t, err)
}
