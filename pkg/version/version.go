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

// Package version resolves the release version string: either verbatim
// from a tag, or synthesized in rolling mode from a commit count and
// revision SHA.
package version

import (
	"fmt"
	"strings"

	"github.com/blang/semver"

	"github.com/flakehub/flakehub-push-core/pkg/rerror"
)

// CommitCountFunc resolves the number of ancestors of revisionSha, backed
// in production by the forge adapter's CommitCount operation.
type CommitCountFunc func(revisionSha string) (int, error)

// Inputs are the caller-supplied options relevant to version resolution.
type Inputs struct {
	Tag          string // non-empty enables tag mode
	Rolling      bool
	RollingMinor *int // nil means "defaults to 1"
	RevisionSha  string
}

// Resolve picks exactly one of tag or rolling mode and produces a valid
// SemVer string.
func Resolve(in Inputs, commitCount CommitCountFunc) (string, error) {
	tagMode := in.Tag != ""
	rollingMode := in.Rolling

	if tagMode && rollingMode {
		return "", rerror.New(rerror.InvalidInputs, "exactly one of tag or rolling mode must be supplied, got both")
	}

	if tagMode {
		return resolveTag(in.Tag)
	}

	if rollingMode {
		return resolveRolling(in, commitCount)
	}

	return "", rerror.New(rerror.MissingVersion, "neither tag nor rolling mode was supplied")
}

func resolveTag(tag string) (string, error) {
	if !strings.HasPrefix(tag, "v") {
		return "", rerror.Newf(rerror.InvalidInputs, "tag %q must start with 'v'", tag)
	}
	stripped := strings.TrimPrefix(tag, "v")
	if _, err := semver.Parse(stripped); err != nil {
		return "", rerror.Wrapf(err, rerror.InvalidInputs, "tag %q is not a valid SemVer after stripping the leading 'v'", tag)
	}
	return stripped, nil
}

func resolveRolling(in Inputs, commitCount CommitCountFunc) (string, error) {
	if commitCount == nil {
		return "", rerror.New(rerror.Internal, "rolling mode requires a commit-count resolver")
	}
	if in.RevisionSha == "" {
		return "", rerror.New(rerror.InvalidInputs, "rolling mode requires a revision SHA")
	}

	count, err := commitCount(in.RevisionSha)
	if err != nil {
		return "", rerror.Wrap(err, rerror.ForgeUnavailable, "resolving commit count for rolling version")
	}

	minor := 1
	if in.RollingMinor != nil {
		minor = *in.RollingMinor
	}
	if minor < 0 {
		return "", rerror.Newf(rerror.InvalidInputs, "rolling minor %d must be >= 0", minor)
	}

	synthesized := fmt.Sprintf("0.%d.%d+rev-%s", minor, count, in.RevisionSha)
	// The synthesized string must itself parse as valid SemVer.
	if _, err := semver.Parse(synthesized); err != nil {
		return "", rerror.Wrapf(err, rerror.Internal, "synthesized rolling version %q failed to parse as SemVer", synthesized)
	}
	return synthesized, nil
}

// IsValid reports whether v parses as SemVer.
func IsValid(v string) bool {
	_, err := semver.Parse(v)
	return err == nil
}
