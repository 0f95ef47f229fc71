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

// Package metadata combines the source snapshot, the evaluator's
// inventory, forge-reported facts, and the caller's inputs into a single
// release metadata document.
package metadata

import (
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/sirupsen/logrus"

	"github.com/flakehub/flakehub-push-core/pkg/release"
	"github.com/flakehub/flakehub-push-core/pkg/spdx"
)

// Inputs carries the caller-supplied fields the assembler needs beyond the
// snapshot, inventory, and forge facts.
type Inputs struct {
	Visibility        release.Visibility
	ExtraLabels       []string
	SpdxExpression    string
	Mirror            bool
	SourceRepository  string // only meaningful when Mirror is set
	PublishRepository string
}

// Assemble builds the release metadata document. Labels are the union of
// forge topics and caller extras, canonicalized; invalid labels are
// dropped with a warning.
func Assemble(snapshot *release.Snapshot, inventory *release.Inventory, forgeFacts release.ForgeFacts, in Inputs) *release.Metadata {
	labels, dropped := release.CanonicalizeLabels(append(append([]string{}, forgeFacts.Topics...), in.ExtraLabels...))
	for _, d := range dropped {
		logrus.Warnf("dropping label %q: fails character/length rule", d)
	}

	md := &release.Metadata{
		Description:      forgeFacts.Description,
		RawFlakeMetadata: inventoryToRaw(inventory),
		Readme:           forgeFacts.ReadmeText,
		Revision:         forgeFacts.Revision,
		CommitCount:      forgeFacts.CommitCount,
		Visibility:       in.Visibility,
		SpdxIdentifier:   resolveSpdx(in.SpdxExpression, forgeFacts.LicenseSPDX),
		Labels:           labels,
		Outputs:          inventoryOutputs(inventory),
	}

	if in.Mirror && in.SourceRepository != "" && in.SourceRepository != in.PublishRepository {
		src := in.SourceRepository
		md.MirroredFrom = &src
	}

	return md
}

// resolveSpdx applies license-identifier precedence: a valid
// caller-supplied expression wins, else the forge-reported identifier,
// else null.
func resolveSpdx(caller, forgeReported string) *string {
	if caller != "" {
		if ok, err := spdx.ValidateExpression(caller); ok && err == nil {
			return &caller
		}
		logrus.Warnf("ignoring invalid spdx-expression override %q", caller)
	}
	if forgeReported != "" {
		return &forgeReported
	}
	return nil
}

func inventoryToRaw(inventory *release.Inventory) map[string]interface{} {
	raw := map[string]interface{}{}
	if inventory == nil {
		return raw
	}
	raw["version"] = inventory.Version
	if inventory.Docs != nil {
		raw["docs"] = inventory.Docs
	}
	return raw
}

func inventoryOutputs(inventory *release.Inventory) map[string]*release.InventoryTree {
	if inventory == nil {
		return map[string]*release.InventoryTree{}
	}
	return inventory.Inventory
}

// PrintSummary renders a human-readable table of the assembled metadata to
// stderr after a successful commit.
func PrintSummary(identity release.Identity, md *release.Metadata) {
	table := tablewriter.NewWriter(os.Stderr)
	table.SetHeader([]string{"Field", "Value"})
	table.SetAutoWrapText(false)

	table.Append([]string{"owner/project", identity.Owner + "/" + identity.Project})
	table.Append([]string{"version", identity.Version})
	table.Append([]string{"visibility", string(md.Visibility)})
	table.Append([]string{"labels", joinOrDash(md.Labels)})
	table.Append([]string{"spdx", derefOrDash(md.SpdxIdentifier)})
	table.Append([]string{"revision", derefOrDash(md.Revision)})
	table.Append([]string{"outputs", outputNames(md.Outputs)})

	table.Render()
}

func joinOrDash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	out := items[0]
	for _, s := range items[1:] {
		out += ", " + s
	}
	return out
}

func derefOrDash(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

func outputNames(outputs map[string]*release.InventoryTree) string {
	if len(outputs) == 0 {
		return "-"
	}
	var names []string
	for name := range outputs {
		names = append(names, name)
	}
	return joinOrDash(names)
}
