/*
 *     Copyright 2020 The Dragonfly Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package assertutils provides small invariant checks returning errors
// instead of panicking, for validation paths that must surface a typed
// error rather than crash the process (PAssert is the sole exception).
package assertutils

import (
	"reflect"

	"github.com/pkg/errors"
)

func AssertTrue(cond bool, message string) error {
	if cond {
		return nil
	}
	return errors.New(message)
}

func AssertFalse(cond bool, message string) error {
	if !cond {
		return nil
	}
	return errors.New(message)
}

func AssertNil(v interface{}, message string) error {
	if isNil(v) {
		return nil
	}
	return errors.New(message)
}

func AssertNotNil(v interface{}, message string) error {
	if !isNil(v) {
		return nil
	}
	return errors.New(message)
}

// PAssert panics with message when cond is false. Reserved for invariants
// that indicate a programming error rather than bad input.
func PAssert(cond bool, message string) {
	if !cond {
		panic(message)
	}
}

func isNil(v interface{}) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Ptr, reflect.Slice:
		return rv.IsNil()
	default:
		return false
	}
}
