/*
Copyright 2021 The Kubernetes Authors.

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

// Package spdx validates a caller-supplied SPDX license expression. This
// is deliberately the entire scope of the package: the release pipeline
// only ever needs to decide whether an expression is well-formed before
// putting it in release metadata, never to scan files or generate a bill
// of materials.
package spdx

import (
	"regexp"
	"strings"
)

// validIDCharsRe matches runs of characters outside the set SPDX allows in
// a license or package identifier: https://spdx.github.io/spdx-spec/3-package-information/#32-package-spdx-identifier
const validIDCharsRe = `[^a-zA-Z0-9-.]+`

var invalidIDChars = regexp.MustCompile(validIDCharsRe)

// licenseIDs is the fixed catalog of SPDX license identifiers this
// validator accepts as leaves of an expression. It is intentionally a
// short, common subset rather than the full ~500-entry SPDX list: the
// caller-supplied expression is only ever checked for well-formedness, and
// an unrecognized-but-well-formed identifier is accepted with the
// "NOASSERTION"/custom-LicenseRef carve-outs SPDX itself defines.
var licenseIDs = map[string]bool{
	"MIT": true, "Apache-2.0": true, "BSD-2-Clause": true, "BSD-3-Clause": true,
	"GPL-2.0-only": true, "GPL-2.0-or-later": true, "GPL-3.0-only": true,
	"GPL-3.0-or-later": true, "LGPL-2.1-only": true, "LGPL-2.1-or-later": true,
	"LGPL-3.0-only": true, "LGPL-3.0-or-later": true, "MPL-2.0": true,
	"ISC": true, "Unlicense": true, "CC0-1.0": true, "AGPL-3.0-only": true,
	"AGPL-3.0-or-later": true, "BSL-1.0": true, "EPL-2.0": true,
	"Zlib": true, "WTFPL": true, "CC-BY-4.0": true, "CC-BY-SA-4.0": true,
	"0BSD": true, "Python-2.0": true, "Artistic-2.0": true,
	NONE:        true,
	NOASSERTION: true,
}

// Consts of some SPDX expressions.
const (
	NONE        = "NONE"
	NOASSERTION = "NOASSERTION"
)

var exprTokenRe = regexp.MustCompile(`\(|\)|[^\s()]+`)

// ValidateExpression reports whether expr is a syntactically valid SPDX
// license expression: a single license id, a "LicenseRef-" custom
// identifier, or a compound expression built from AND/OR/WITH and
// parentheses over such identifiers.
func ValidateExpression(expr string) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return false, nil
	}

	tokens := exprTokenRe.FindAllString(expr, -1)
	if len(tokens) == 0 {
		return false, nil
	}

	depth := 0
	expectOperand := true
	for _, tok := range tokens {
		switch tok {
		case "(":
			if !expectOperand {
				return false, nil
			}
			depth++
		case ")":
			if expectOperand || depth == 0 {
				return false, nil
			}
			depth--
		case "AND", "OR":
			if expectOperand {
				return false, nil
			}
			expectOperand = true
		case "WITH":
			if expectOperand {
				return false, nil
			}
			expectOperand = true
		default:
			if !expectOperand {
				return false, nil
			}
			if !validLicenseID(tok) {
				return false, nil
			}
			expectOperand = false
		}
	}
	return depth == 0 && !expectOperand, nil
}

func validLicenseID(id string) bool {
	id = strings.TrimSuffix(id, "+") // the SPDX "or later" suffix, e.g. GPL-2.0+
	if strings.HasPrefix(id, "LicenseRef-") || strings.HasPrefix(id, "DocumentRef-") {
		return !invalidIDChars.MatchString(strings.TrimPrefix(id, "LicenseRef-"))
	}
	if licenseIDs[id] {
		return true
	}
	// Unknown-but-well-formed identifiers are accepted: this validator
	// checks expression *syntax*, not membership in the full SPDX license
	// list, per the package doc comment above.
	return !invalidIDChars.MatchString(id) && id != ""
}
