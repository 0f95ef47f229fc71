/*
Copyright 2023 The FlakeHub Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package credentials

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runnerOIDCServer(t *testing.T, value string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer runner-bearer", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]string{"value": value})
	}))
}

func TestMintMissingEnvironment(t *testing.T) {
	_, err := Mint(context.Background(), Options{Audience: "flakehub.com"})
	require.Error(t, err)
}

func TestMintStructuredTokenResponse(t *testing.T) {
	oidc := runnerOIDCServer(t, "fake-id-token")
	defer oidc.Close()

	hub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "fake-id-token", body["idToken"])
		json.NewEncoder(w).Encode(map[string]string{"token": "hub-access-token", "expiresAt": "2026-01-01T00:00:00Z"})
	}))
	defer hub.Close()

	t.Setenv(envRequestURLVar, oidc.URL)
	t.Setenv(envRequestTokenVar, "runner-bearer")

	tok, err := Mint(context.Background(), Options{Audience: "flakehub.com", HubHost: hub.URL})
	require.NoError(t, err)
	assert.Equal(t, "hub-access-token", tok.Token)
}

func TestMintBareStringTokenResponse(t *testing.T) {
	oidc := runnerOIDCServer(t, "fake-id-token")
	defer oidc.Close()

	hub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode("bare-hub-token")
	}))
	defer hub.Close()

	t.Setenv(envRequestURLVar, oidc.URL)
	t.Setenv(envRequestTokenVar, "runner-bearer")

	tok, err := Mint(context.Background(), Options{Audience: "flakehub.com", HubHost: hub.URL})
	require.NoError(t, err)
	assert.Equal(t, "bare-hub-token", tok.Token)
}

func TestMintHubRejectsToken(t *testing.T) {
	oidc := runnerOIDCServer(t, "fake-id-token")
	defer oidc.Close()

	hub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("nope"))
	}))
	defer hub.Close()

	t.Setenv(envRequestURLVar, oidc.URL)
	t.Setenv(envRequestTokenVar, "runner-bearer")

	_, err := Mint(context.Background(), Options{Audience: "flakehub.com", HubHost: hub.URL})
	require.Error(t, err)
}

func TestParseTokenResponseMalformed(t *testing.T) {
	_, err := parseTokenResponse([]byte("null"))
	require.Error(t, err)
}
