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

// Package release holds the data model shared by every component of the
// flake release pipeline: release identity, the content-addressed source
// snapshot, the evaluator's inventory tree, and the assembled release
// metadata document.
package release

import (
	"strings"
)

// Visibility is the release's visibility on the Hub.
type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityUnlisted Visibility = "unlisted"
	VisibilityPrivate  Visibility = "private"
)

// ValidVisibility reports whether v is one of the three accepted values.
func ValidVisibility(v string) bool {
	switch Visibility(v) {
	case VisibilityPublic, VisibilityUnlisted, VisibilityPrivate:
		return true
	}
	return false
}

// Identity is the triple that uniquely names a release on the Hub.
type Identity struct {
	Owner   string
	Project string
	Version string
}

// Snapshot is the immutable, content-addressed gzipped-tar byte sequence
// produced by the source snapshot builder (C2). The bytes are deliberately
// not held in memory for the lifetime of the process: the builder writes them
// to a scoped temp file and the remaining fields let every later stage
// refer to the same (Length, Digest) pair without re-reading the stream.
type Snapshot struct {
	Path         string // path to the temp file holding the gzipped tar bytes
	Length       int64
	Digest       string // base64-standard-encoded SHA-256 of the bytes at Path
	TopLevelName string
}

// InventoryTree is the recursive shape of the evaluator's output: a tagged
// variant of Children(map) | Leaf{...}, modeled as a single struct with a
// nil Children map meaning "this is a leaf."
type InventoryTree struct {
	Children map[string]*InventoryTree `json:"children,omitempty"`

	ForSystems       []string          `json:"forSystems,omitempty"`
	ShortDescription string            `json:"shortDescription,omitempty"`
	What             string            `json:"what,omitempty"`
	Derivation       string            `json:"derivation,omitempty"`
	Outputs          map[string]string `json:"outputs,omitempty"`
}

// IsLeaf reports whether t has no children map, i.e. is a terminal output
// rather than an intermediate grouping node.
func (t *InventoryTree) IsLeaf() bool {
	return t != nil && t.Children == nil
}

// EmptyChildrenPlaceholder is substituted for legacyPackages to avoid
// runaway evaluation.
func EmptyChildrenPlaceholder() *InventoryTree {
	return &InventoryTree{Children: map[string]*InventoryTree{}}
}

// Inventory is the full evaluator output document.
type Inventory struct {
	Version   int                       `json:"version"`
	Docs      map[string]string         `json:"docs"`
	Inventory map[string]*InventoryTree `json:"inventory"`
}

const legacyPackagesKey = "legacyPackages"

// NormalizeLegacyPackages replaces the legacyPackages output, if present,
// with the empty-children placeholder.
func (inv *Inventory) NormalizeLegacyPackages() {
	if inv == nil || inv.Inventory == nil {
		return
	}
	if _, ok := inv.Inventory[legacyPackagesKey]; ok {
		inv.Inventory[legacyPackagesKey] = EmptyChildrenPlaceholder()
	}
}

// ForgeFacts is what the forge adapter reports about a repository,
// consumed by the metadata assembler.
type ForgeFacts struct {
	Description   string
	Topics        []string
	LicenseSPDX   string
	DefaultBranch string
	ReadmeText    *string
	Revision      *string
	CommitCount   *int
}

// Metadata is the release-metadata document sent to the Hub as the reserve
// request body.
type Metadata struct {
	Description      string                    `json:"description"`
	RawFlakeMetadata map[string]interface{}    `json:"raw_flake_metadata"`
	Readme           *string                   `json:"readme"`
	Revision         *string                   `json:"revision"`
	CommitCount      *int                      `json:"commit_count"`
	Visibility       Visibility                `json:"visibility"`
	MirroredFrom     *string                   `json:"mirrored_from"`
	SpdxIdentifier   *string                   `json:"spdx_identifier"`
	Labels           []string                  `json:"labels"`
	Outputs          map[string]*InventoryTree `json:"outputs"`
}

// MaxLabels and MaxLabelLength bound the label list the Hub accepts.
const (
	MaxLabels      = 25
	MaxLabelLength = 50
)

var labelCharRe = mustCompileLabelRe()

// CanonicalizeLabels lowercases, drops anything failing the
// character/length rule, dedupes, sorts, and truncates to MaxLabels. The
// transformation is idempotent.
//
// dropped is returned so the caller can warn about each rejected label.
func CanonicalizeLabels(raw []string) (kept []string, dropped []string) {
	seen := make(map[string]bool, len(raw))
	for _, l := range raw {
		lower := strings.ToLower(strings.TrimSpace(l))
		if lower == "" {
			continue
		}
		if len(lower) > MaxLabelLength || !labelCharRe.MatchString(lower) {
			dropped = append(dropped, l)
			continue
		}
		if seen[lower] {
			continue
		}
		seen[lower] = true
		kept = append(kept, lower)
	}
	sortStrings(kept)
	if len(kept) > MaxLabels {
		kept = kept[:MaxLabels]
	}
	return kept, dropped
}
