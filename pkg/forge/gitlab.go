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

	gogitlab "github.com/xanzy/go-gitlab"

	"github.com/flakehub/flakehub-push-core/pkg/release"
	"github.com/flakehub/flakehub-push-core/pkg/rerror"
)

// gitlabAdapter implements Adapter against the GitLab REST API.
type gitlabAdapter struct {
	client *gogitlab.Client
	repo   Repository
}

func newGitLabAdapter(repo Repository, token string) *gitlabAdapter {
	client, _ := gogitlab.NewClient(token)
	return &gitlabAdapter{client: client, repo: repo}
}

func (a *gitlabAdapter) projectID() string {
	return a.repo.Owner + "/" + a.repo.Name
}

func (a *gitlabAdapter) CommitCount(ctx context.Context, revSha string) (int, error) {
	opts := &gogitlab.ListCommitsOptions{
		RefName:     gogitlab.String(revSha),
		ListOptions: gogitlab.ListOptions{PerPage: 1},
	}
	_, resp, err := a.client.Commits.ListCommits(a.projectID(), opts, gogitlab.WithContext(ctx))
	if err != nil {
		return 0, rerror.Wrap(err, rerror.ForgeUnavailable, "listing commits to count ancestors")
	}
	if resp.TotalPages == 0 {
		return 1, nil
	}
	return resp.TotalPages, nil
}

func (a *gitlabAdapter) RepoFacts(ctx context.Context) (release.ForgeFacts, error) {
	project, _, err := a.client.Projects.GetProject(a.projectID(), nil, gogitlab.WithContext(ctx))
	if err != nil {
		return release.ForgeFacts{}, rerror.Wrap(err, rerror.ForgeUnavailable, "fetching project facts")
	}

	facts := release.ForgeFacts{
		Description:   project.Description,
		Topics:        project.TagList,
		DefaultBranch: project.DefaultBranch,
	}

	readme, _, err := a.client.RepositoryFiles.GetRawFile(a.projectID(), "README.md", &gogitlab.GetRawFileOptions{
		Ref: gogitlab.String(project.DefaultBranch),
	}, gogitlab.WithContext(ctx))
	if err == nil {
		content := string(readme)
		facts.ReadmeText = &content
	}

	return facts, nil
}

func (a *gitlabAdapter) RevisionOfTag(ctx context.Context, tag string) (string, error) {
	gitlabTag, _, err := a.client.Tags.GetTag(a.projectID(), tag, gogitlab.WithContext(ctx))
	if err != nil {
		return "", rerror.Wrapf(err, rerror.ForgeUnavailable, "resolving tag %q", tag)
	}
	if gitlabTag.Commit == nil {
		return "", rerror.Newf(rerror.ForgeUnavailable, "tag %q has no associated commit", tag)
	}
	return gitlabTag.Commit.ID, nil
}
