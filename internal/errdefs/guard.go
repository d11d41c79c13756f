// Copyright 2025 Boreline Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package errdefs

type Logger interface {
	Errorf(format string, v ...any)
}

// Guard is the common outer call wrapper for per-ring and per-model work:
// on failure it logs (when log is non-nil), and either propagates the error
// or swallows it and returns the fallback value. Loops that must record
// errors and move on call it with propagate=false.
func Guard[T any](log Logger, op string, propagate bool, fallback T, fn func() (T, error)) (T, error) {
	v, err := fn()
	if err == nil {
		return v, nil
	}
	if log != nil {
		log.Errorf("%s: %v", op, err)
	}
	if propagate {
		return fallback, err
	}
	return fallback, nil
}
