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

package spdx

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateExpressionSimple(t *testing.T) {
	ok, err := ValidateExpression("MIT")
	assert.NoError(t, err)
	assert.True(t, ok)
}

func TestValidateExpressionCompound(t *testing.T) {
	ok, err := ValidateExpression("MIT AND (Apache-2.0 OR GPL-2.0-only)")
	assert.NoError(t, err)
	assert.True(t, ok)
}

func TestValidateExpressionWith(t *testing.T) {
	ok, err := ValidateExpression("GPL-2.0-only WITH Classpath-exception-2.0")
	assert.NoError(t, err)
	assert.True(t, ok)
}

func TestValidateExpressionEmpty(t *testing.T) {
	ok, _ := ValidateExpression("")
	assert.False(t, ok)
}

func TestValidateExpressionUnbalancedParens(t *testing.T) {
	ok, _ := ValidateExpression("(MIT AND Apache-2.0")
	assert.False(t, ok)
}

func TestValidateExpressionDanglingOperator(t *testing.T) {
	ok, _ := ValidateExpression("MIT AND")
	assert.False(t, ok)
}

func TestValidateExpressionLicenseRef(t *testing.T) {
	ok, err := ValidateExpression("LicenseRef-My-Custom-License")
	assert.NoError(t, err)
	assert.True(t, ok)
}
