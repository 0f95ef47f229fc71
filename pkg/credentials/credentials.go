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

// Package credentials exchanges the CI runner's ambient OIDC identity for
// a Hub access token.
package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/flakehub/flakehub-push-core/pkg/rerror"
)

// Environment variable names the CI runner is expected to provide, matching
// the convention used by ACTIONS_ID_TOKEN_REQUEST_URL-style runners.
const (
	envRequestURLVar   = "ACTIONS_ID_TOKEN_REQUEST_URL"
	envRequestTokenVar = "ACTIONS_ID_TOKEN_REQUEST_TOKEN"
)

const (
	maxAttempts = 5
	baseBackoff = 500 * time.Millisecond
	capBackoff  = 8 * time.Second
)

// AccessToken is the Hub bearer credential minted for one release.
type AccessToken struct {
	Token     string
	ExpiresAt time.Time
}

// Options configures a Mint call.
type Options struct {
	Audience string
	HubHost  string
	// HTTPClient overrides the default client, for testing.
	HTTPClient *http.Client
}

// Mint requests an ID token from the runner's OIDC endpoint with the given
// audience and exchanges it at the Hub's token endpoint.
func Mint(ctx context.Context, opts Options) (*AccessToken, error) {
	requestURL := os.Getenv(envRequestURLVar)
	requestToken := os.Getenv(envRequestTokenVar)
	if requestURL == "" || requestToken == "" {
		return nil, rerror.New(rerror.OidcUnavailable, "runner environment is missing OIDC request variables")
	}

	idToken, err := requestIDToken(ctx, requestURL, requestToken, opts.Audience)
	if err != nil {
		return nil, rerror.Wrap(err, rerror.OidcUnavailable, "requesting OIDC id token from runner")
	}

	return exchangeForAccessToken(ctx, opts, idToken)
}

func requestIDToken(ctx context.Context, requestURL, bearer, audience string) (string, error) {
	reqURL, err := url.Parse(requestURL)
	if err != nil {
		return "", err
	}
	if audience != "" {
		q := reqURL.Query()
		q.Set("audience", audience)
		reqURL.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("runner OIDC endpoint returned %d: %s", resp.StatusCode, body)
	}

	var parsed struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", err
	}
	return parsed.Value, nil
}

// exchangeForAccessToken POSTs the ID token to the Hub, retrying transient
// failures up to maxAttempts with exponential backoff, base 500ms, capped
// at 8s, full jitter.
func exchangeForAccessToken(ctx context.Context, opts Options, idToken string) (*AccessToken, error) {
	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryMax = maxAttempts - 1
	client.RetryWaitMin = baseBackoff
	client.RetryWaitMax = capBackoff
	client.Backoff = fullJitterBackoff
	if opts.HTTPClient != nil {
		client.HTTPClient = opts.HTTPClient
	}

	payload, err := json.Marshal(map[string]string{"idToken": idToken})
	if err != nil {
		return nil, rerror.Wrap(err, rerror.Internal, "encoding token exchange request")
	}

	tokenURL := opts.HubHost + "/token"
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, tokenURL, bytes.NewReader(payload))
	if err != nil {
		return nil, rerror.Wrap(err, rerror.Internal, "building token exchange request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, rerror.Wrap(err, rerror.AuthExchange, "exchanging id token with hub")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, rerror.Wrap(err, rerror.AuthExchange, "reading hub token response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, rerror.Newf(rerror.AuthExchange, "hub rejected token exchange with status %d: %s", resp.StatusCode, body)
	}

	return parseTokenResponse(body)
}

// parseTokenResponse accepts either the structured {token, expiresAt}
// shape or a bare JSON string; historical Hub versions have served both.
func parseTokenResponse(body []byte) (*AccessToken, error) {
	var structured struct {
		Token     string `json:"token"`
		ExpiresAt string `json:"expiresAt"`
	}
	if err := json.Unmarshal(body, &structured); err == nil && structured.Token != "" {
		expiresAt, err := time.Parse(time.RFC3339, structured.ExpiresAt)
		if err != nil {
			logrus.Debugf("hub token response did not carry a parseable expiresAt: %v", err)
		}
		logrus.Debug("hub token response: structured {token, expiresAt}")
		return &AccessToken{Token: structured.Token, ExpiresAt: expiresAt}, nil
	}

	var bare string
	if err := json.Unmarshal(body, &bare); err == nil && bare != "" {
		logrus.Debug("hub token response: bare string")
		return &AccessToken{Token: bare}, nil
	}

	return nil, rerror.New(rerror.AuthExchange, "hub token response was neither {token,expiresAt} nor a bare string")
}

// fullJitterBackoff implements base*2^attempt capped at max, with full
// jitter.
func fullJitterBackoff(min, max time.Duration, attempt int, resp *http.Response) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(2, float64(attempt))
	if backoff > float64(capBackoff) {
		backoff = float64(capBackoff)
	}
	return time.Duration(rand.Float64() * backoff)
}
