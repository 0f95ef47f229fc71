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

// Package forge narrows the two supported hosted git forges down to the
// three capabilities the release pipeline needs: commit-count lookups,
// repository facts, and tag→revision resolution.
package forge

import (
	"context"
	"strings"

	"github.com/flakehub/flakehub-push-core/pkg/release"
	"github.com/flakehub/flakehub-push-core/pkg/rerror"
)

//counterfeiter:generate . Adapter

// Adapter is the contract the version resolver and metadata assembler
// consume.
type Adapter interface {
	// CommitCount returns the number of ancestors of revSha, inclusive.
	CommitCount(ctx context.Context, revSha string) (int, error)
	// RepoFacts returns the repository's descriptive metadata.
	RepoFacts(ctx context.Context) (release.ForgeFacts, error)
	// RevisionOfTag resolves a tag name to its commit SHA.
	RevisionOfTag(ctx context.Context, tag string) (string, error)
}

// Repository identifies owner/name on a given forge host.
type Repository struct {
	Owner string
	Name  string
}

// ParseRepository splits an "owner/name" repository string.
func ParseRepository(s string) (Repository, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Repository{}, rerror.Newf(rerror.InvalidInputs, "repository %q is not in owner/name form", s)
	}
	return Repository{Owner: parts[0], Name: parts[1]}, nil
}

// NewAdapter selects the GitLab implementation when host contains
// "gitlab" and the GitHub implementation otherwise. repo carries no host
// of its own; host is whatever the caller passes (the orchestrator passes
// the Hub host).
func NewAdapter(ctx context.Context, host, repo, token string) (Adapter, error) {
	owner, err := ParseRepository(repo)
	if err != nil {
		return nil, err
	}

	switch {
	case strings.Contains(host, "gitlab"):
		return newGitLabAdapter(owner, token), nil
	default:
		return newGitHubAdapter(ctx, owner, token), nil
	}
}
