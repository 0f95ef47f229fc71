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

package release

import (
	"regexp"
	"sort"
)

// labelPattern is what a label must match once lowercased; length is
// bounded separately by MaxLabelLength.
const labelPattern = `^[a-z0-9-]+$`

func mustCompileLabelRe() *regexp.Regexp {
	return regexp.MustCompile(labelPattern)
}

func sortStrings(s []string) {
	sort.Strings(s)
}
