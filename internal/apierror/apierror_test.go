/*
Copyright 2024 Blnk Finance Authors.

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

package apierror_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/blnkfinance/contentsync/internal/apierror"
	"github.com/stretchr/testify/assert"
)

func TestNewAPIError(t *testing.T) {
	apiErr := apierror.NewAPIError(apierror.ErrConflict, "An invalidation pass is already running", nil)

	assert.Equal(t, apierror.ErrConflict, apiErr.Code)
	assert.Nil(t, apiErr.Details)
	assert.Equal(t, "CONFLICT: An invalidation pass is already running", apiErr.Error())
}

func TestMapErrorToHTTPStatus(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"not found", apierror.NewAPIError(apierror.ErrNotFound, "missing", nil), http.StatusNotFound},
		{"conflict", apierror.NewAPIError(apierror.ErrConflict, "busy", nil), http.StatusConflict},
		{"invalid input", apierror.NewAPIError(apierror.ErrInvalidInput, "bad", nil), http.StatusBadRequest},
		{"unauthorized", apierror.NewAPIError(apierror.ErrUnauthorized, "no key", nil), http.StatusUnauthorized},
		{"unavailable", apierror.NewAPIError(apierror.ErrUnavailable, "down", nil), http.StatusServiceUnavailable},
		{"internal", apierror.NewAPIError(apierror.ErrInternalServer, "oops", "details"), http.StatusInternalServerError},
		{"wrapped", fmt.Errorf("run pass: %w", apierror.NewAPIError(apierror.ErrConflict, "busy", nil)), http.StatusConflict},
		{"plain error", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, apierror.MapErrorToHTTPStatus(tt.err))
		})
	}
}
