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

package forge

import (
	"context"
	"net/http"

	gogithub "github.com/google/go-github/v39/github"
	"golang.org/x/oauth2"

	"github.com/flakehub/flakehub-push-core/pkg/release"
	"github.com/flakehub/flakehub-push-core/pkg/rerror"
)

// githubAdapter implements Adapter against the GitHub REST API.
type githubAdapter struct {
	client *gogithub.Client
	repo   Repository
}

func newGitHubAdapter(ctx context.Context, repo Repository, token string) *githubAdapter {
	httpClient := authenticatedHTTPClient(ctx, token)
	return &githubAdapter{client: gogithub.NewClient(httpClient), repo: repo}
}

// authenticatedHTTPClient builds an oauth2 static-token transport, or the
// unauthenticated default client when no token is supplied (anonymous
// access against public repositories).
func authenticatedHTTPClient(ctx context.Context, token string) *http.Client {
	if token == "" {
		return http.DefaultClient
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return oauth2.NewClient(ctx, ts)
}

func (a *githubAdapter) CommitCount(ctx context.Context, revSha string) (int, error) {
	opts := &gogithub.CommitsListOptions{
		SHA:         revSha,
		ListOptions: gogithub.ListOptions{PerPage: 1},
	}
	_, resp, err := a.client.Repositories.ListCommits(ctx, a.repo.Owner, a.repo.Name, opts)
	if err != nil {
		return 0, rerror.Wrap(err, rerror.ForgeUnavailable, "listing commits to count ancestors")
	}

	if resp.LastPage == 0 {
		// A single-page result still means at least one commit exists.
		return 1, nil
	}
	return resp.LastPage, nil
}

func (a *githubAdapter) RepoFacts(ctx context.Context) (release.ForgeFacts, error) {
	repo, _, err := a.client.Repositories.Get(ctx, a.repo.Owner, a.repo.Name)
	if err != nil {
		return release.ForgeFacts{}, rerror.Wrap(err, rerror.ForgeUnavailable, "fetching repository facts")
	}

	facts := release.ForgeFacts{
		Description:   repo.GetDescription(),
		Topics:        repo.Topics,
		LicenseSPDX:   licenseSPDXFromRepo(repo),
		DefaultBranch: repo.GetDefaultBranch(),
	}

	readme, _, err := a.client.Repositories.GetReadme(ctx, a.repo.Owner, a.repo.Name, nil)
	if err == nil {
		if content, decodeErr := readme.GetContent(); decodeErr == nil {
			facts.ReadmeText = &content
		}
	}

	return facts, nil
}

func licenseSPDXFromRepo(repo *gogithub.Repository) string {
	if repo.License == nil {
		return ""
	}
	return repo.License.GetSPDXID()
}

func (a *githubAdapter) RevisionOfTag(ctx context.Context, tag string) (string, error) {
	ref, _, err := a.client.Git.GetRef(ctx, a.repo.Owner, a.repo.Name, "tags/"+tag)
	if err != nil {
		return "", rerror.Wrapf(err, rerror.ForgeUnavailable, "resolving tag %q", tag)
	}

	if ref.Object != nil && ref.Object.GetType() == "tag" {
		// Annotated tag: the ref points at a tag object, dereference to its commit.
		tagObj, _, err := a.client.Git.GetTag(ctx, a.repo.Owner, a.repo.Name, ref.Object.GetSHA())
		if err != nil {
			return "", rerror.Wrapf(err, rerror.ForgeUnavailable, "dereferencing annotated tag %q", tag)
		}
		return tagObj.Object.GetSHA(), nil
	}

	return ref.Object.GetSHA(), nil
}
