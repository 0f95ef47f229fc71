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

// Package orchestrator wires the version resolver, snapshot builder,
// evaluator, metadata assembler, credential broker, and release protocol
// client together in strict order, and owns the scoped temp directory and
// cancellation plumbing.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/sirupsen/logrus"
	"sigs.k8s.io/release-sdk/git"

	"github.com/flakehub/flakehub-push-core/pkg/config"
	"github.com/flakehub/flakehub-push-core/pkg/credentials"
	"github.com/flakehub/flakehub-push-core/pkg/evaluator"
	"github.com/flakehub/flakehub-push-core/pkg/forge"
	"github.com/flakehub/flakehub-push-core/pkg/hub"
	"github.com/flakehub/flakehub-push-core/pkg/metadata"
	"github.com/flakehub/flakehub-push-core/pkg/release"
	"github.com/flakehub/flakehub-push-core/pkg/rerror"
	"github.com/flakehub/flakehub-push-core/pkg/snapshot"
	"github.com/flakehub/flakehub-push-core/pkg/version"
)

// DefaultWholeProcessTimeout bounds a whole publish run.
const DefaultWholeProcessTimeout = 30 * time.Minute

// minFreeDiskBytes is the disk-space floor checked before building a
// snapshot.
const minFreeDiskBytes = 512 * 1024 * 1024

// Outputs are the structured values printed to stdout on success.
type Outputs struct {
	FlakeName       string
	FlakeVersion    string
	FlakerefExact   string
	FlakerefAtLeast string
}

// EvaluatorPath is overridable for testing; production builds resolve it
// from PATH via os/exec's normal lookup.
var EvaluatorPath = "nix"

// Run executes the pipeline stages strictly in order: resolve the version,
// build the snapshot, evaluate it, assemble metadata, mint a credential,
// then reserve, upload, and commit. The scratch directory is removed on
// every exit path.
func Run(parent context.Context, cfg *config.Config) (*Outputs, error) {
	ctx, cancel := context.WithTimeout(parent, DefaultWholeProcessTimeout)
	defer cancel()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scratchDir, err := os.MkdirTemp("", "flakehub-push-core-*")
	if err != nil {
		return nil, rerror.Wrap(err, rerror.SnapshotIO, "creating scoped scratch directory")
	}
	defer func() {
		if err := os.RemoveAll(scratchDir); err != nil {
			logrus.Warnf("failed to remove scratch directory %s: %v", scratchDir, err)
		}
	}()

	if err := checkPrerequisites(scratchDir); err != nil {
		return nil, err
	}

	repo, err := forge.ParseRepository(cfg.Repository)
	if err != nil {
		return nil, err
	}
	adapter, err := forge.NewAdapter(ctx, cfg.Host, cfg.Repository, cfg.GitHubToken)
	if err != nil {
		return nil, err
	}

	revisionSha := cfg.Rev
	if revisionSha == "" && cfg.Tag != "" {
		revisionSha, err = adapter.RevisionOfTag(ctx, cfg.Tag)
		if err != nil {
			return nil, err
		}
	}
	if revisionSha == "" {
		revisionSha, err = resolveHeadRevision(cfg.GitRoot)
		if err != nil {
			logrus.Warnf("could not resolve HEAD revision from local working tree: %v", err)
		}
	}

	owner, project := identityFromConfig(cfg, repo)

	versionStr, err := version.Resolve(version.Inputs{
		Tag:          cfg.Tag,
		Rolling:      cfg.Rolling,
		RollingMinor: cfg.RollingMinor,
		RevisionSha:  revisionSha,
	}, func(sha string) (int, error) { return adapter.CommitCount(ctx, sha) })
	if err != nil {
		return nil, err
	}

	id := release.Identity{Owner: owner, Project: project, Version: versionStr}
	logrus.Infof("resolved release identity: %s/%s/%s", id.Owner, id.Project, id.Version)

	snap, err := snapshot.Build(ctx, snapshot.Options{
		RootDir:      cfg.GitRoot,
		FlakeSubdir:  cfg.Directory,
		ScratchDir:   scratchDir,
		WaiveSizeCap: cfg.MyFlakeIsTooBig,
	})
	if err != nil {
		return nil, err
	}
	defer os.Remove(snap.Path)

	inventory, err := evaluator.Evaluate(ctx, evaluator.Options{
		EvaluatorPath:      EvaluatorPath,
		IncludeOutputPaths: cfg.IncludeOutputPaths,
		ScratchDir:         scratchDir,
	}, snap)
	if err != nil {
		return nil, err
	}

	forgeFacts, err := adapter.RepoFacts(ctx)
	if err != nil {
		logrus.Warnf("repository facts unavailable, continuing with nulls: %v", err)
		forgeFacts = release.ForgeFacts{}
	}

	md := metadata.Assemble(snap, inventory, forgeFacts, metadata.Inputs{
		Visibility:        release.Visibility(cfg.Visibility),
		ExtraLabels:       cfg.ExtraLabels,
		SpdxExpression:    cfg.SpdxExpression,
		Mirror:            cfg.Mirror,
		SourceRepository:  cfg.Repository,
		PublishRepository: fmt.Sprintf("%s/%s", owner, project),
	})

	token, err := credentials.Mint(ctx, credentials.Options{Audience: cfg.Host, HubHost: cfg.Host})
	if err != nil {
		return nil, err
	}

	client := hub.NewClient(cfg.Host, token.Token, cfg.ErrorOnConflict)
	if err := client.Reserve(ctx, id, snap, md); err != nil {
		return nil, err
	}

	var result *hub.CommitResult
	if client.State() != hub.StateCommitted {
		if err := client.Upload(ctx, snap); err != nil {
			return nil, err
		}
		result, err = client.Commit(ctx, id)
		if err != nil {
			return nil, err
		}
	} else {
		// Reserve returned 409 and conflicts are tolerated: the release
		// already exists under this exact identity, so print the same
		// flakerefs a fresh publish of it would have printed.
		result = &hub.CommitResult{
			FlakerefExact:   fmt.Sprintf("%s/%s/%s", owner, project, versionStr),
			FlakerefAtLeast: fmt.Sprintf("%s/%s/%s", owner, project, versionStr),
		}
	}

	metadata.PrintSummary(id, md)

	out := &Outputs{
		FlakeName:       fmt.Sprintf("%s/%s", owner, project),
		FlakeVersion:    versionStr,
		FlakerefExact:   result.FlakerefExact,
		FlakerefAtLeast: result.FlakerefAtLeast,
	}
	printStructuredOutputs(out)
	return out, nil
}

func identityFromConfig(cfg *config.Config, repo forge.Repository) (owner, project string) {
	if cfg.Name != "" {
		for i := 0; i < len(cfg.Name); i++ {
			if cfg.Name[i] == '/' {
				return cfg.Name[:i], cfg.Name[i+1:]
			}
		}
	}
	return repo.Owner, repo.Name
}

// resolveHeadRevision opens the local working tree and resolves HEAD to a
// commit SHA, used when the caller supplied neither rev nor tag.
func resolveHeadRevision(gitRoot string) (string, error) {
	dir := gitRoot
	if dir == "" {
		dir = "."
	}
	repo, err := git.OpenRepo(dir)
	if err != nil {
		return "", rerror.Wrap(err, rerror.ForgeUnavailable, "opening local git repository")
	}
	sha, err := repo.RevParse("HEAD")
	if err != nil {
		return "", rerror.Wrap(err, rerror.ForgeUnavailable, "resolving HEAD revision")
	}
	return sha, nil
}

func checkPrerequisites(scratchDir string) error {
	usage, err := disk.Usage(scratchDir)
	if err != nil {
		logrus.Warnf("disk usage check unavailable, continuing: %v", err)
		return nil
	}
	if usage.Free < minFreeDiskBytes {
		return rerror.Newf(rerror.SnapshotIO, "only %d bytes free on the scratch filesystem, need at least %d", usage.Free, minFreeDiskBytes)
	}
	return nil
}

func printStructuredOutputs(out *Outputs) {
	fmt.Printf("flake_name=%s\n", out.FlakeName)
	fmt.Printf("flake_version=%s\n", out.FlakeVersion)
	fmt.Printf("flakeref_exact=%s\n", out.FlakerefExact)
	fmt.Printf("flakeref_at_least=%s\n", out.FlakerefAtLeast)
}
