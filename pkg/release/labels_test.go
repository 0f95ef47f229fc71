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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalizeLabelsDedupeSortLowercase(t *testing.T) {
	kept, dropped := CanonicalizeLabels([]string{"Foo", "bar", "foo", "BAR"})
	assert.Equal(t, []string{"bar", "foo"}, kept)
	assert.Empty(t, dropped)
}

func TestCanonicalizeLabelsDropsInvalid(t *testing.T) {
	kept, dropped := CanonicalizeLabels([]string{"valid-label", "has space", "has_underscore"})
	assert.Equal(t, []string{"valid-label"}, kept)
	assert.ElementsMatch(t, []string{"has space", "has_underscore"}, dropped)
}

func TestCanonicalizeLabelsTruncates(t *testing.T) {
	raw := make([]string, 0, 30)
	for i := 0; i < 30; i++ {
		raw = append(raw, string(rune('a'+i%26))+string(rune('0'+i/26)))
	}
	kept, _ := CanonicalizeLabels(raw)
	assert.LessOrEqual(t, len(kept), MaxLabels)
}

func TestCanonicalizeLabelsIdempotent(t *testing.T) {
	raw := []string{"Foo", "bar", "BAZ", "foo"}
	once, _ := CanonicalizeLabels(raw)
	twice, _ := CanonicalizeLabels(once)
	assert.Equal(t, once, twice)
}

func TestCanonicalizeLabelsTooLong(t *testing.T) {
	long := ""
	for i := 0; i < MaxLabelLength+1; i++ {
		long += "a"
	}
	kept, dropped := CanonicalizeLabels([]string{long})
	assert.Empty(t, kept)
	assert.Len(t, dropped, 1)
}
