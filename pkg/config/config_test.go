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

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvironmentMissingRepository(t *testing.T) {
	t.Setenv("FLAKEHUB_PUSH_REPOSITORY", "")
	_, err := FromEnvironment()
	require.Error(t, err)
}

func TestFromEnvironmentBasic(t *testing.T) {
	t.Setenv("FLAKEHUB_PUSH_REPOSITORY", "acme/widget")
	t.Setenv("FLAKEHUB_PUSH_VISIBILITY", "public")
	t.Setenv("FLAKEHUB_PUSH_EXTRA_LABELS", "cli, nix ,tooling")
	t.Setenv("FLAKEHUB_PUSH_ROLLING", "true")
	t.Setenv("FLAKEHUB_PUSH_ROLLING_MINOR", "3")

	cfg, err := FromEnvironment()
	require.NoError(t, err)
	assert.Equal(t, "acme/widget", cfg.Repository)
	assert.Equal(t, "public", cfg.Visibility)
	assert.Equal(t, []string{"cli", "nix", "tooling"}, cfg.ExtraLabels)
	assert.True(t, cfg.Rolling)
	require.NotNil(t, cfg.RollingMinor)
	assert.Equal(t, 3, *cfg.RollingMinor)
	assert.Equal(t, "https://api.flakehub.com", cfg.Host)
}

func TestFromEnvironmentInvalidVisibility(t *testing.T) {
	t.Setenv("FLAKEHUB_PUSH_REPOSITORY", "acme/widget")
	t.Setenv("FLAKEHUB_PUSH_VISIBILITY", "hidden")
	_, err := FromEnvironment()
	require.Error(t, err)
}

func TestFromEnvironmentInvalidRev(t *testing.T) {
	t.Setenv("FLAKEHUB_PUSH_REPOSITORY", "acme/widget")
	t.Setenv("FLAKEHUB_PUSH_REV", "not-a-sha")
	_, err := FromEnvironment()
	require.Error(t, err)
}
