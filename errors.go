// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package probemap

import "github.com/cockroachdb/errors"

// Errors returned by Map operations are wrapped with the offending key or
// parameter. Use errors.Is to test for a particular kind.
var (
	// ErrInvalidArgument is returned for a nil key or for constructor
	// parameters that are out of range.
	ErrInvalidArgument = errors.New("probemap: invalid argument")
	// ErrKeyNotFound is returned by Get and Remove for a key that is not in
	// the map.
	ErrKeyNotFound = errors.New("probemap: key not found")
	// ErrDuplicateKey is returned by Insert for a key that is already in the
	// map.
	ErrDuplicateKey = errors.New("probemap: duplicate key")
	// ErrResourceExhausted is returned when growing the map would exceed the
	// configured maximum capacity or the allocator cannot supply the slots.
	ErrResourceExhausted = errors.New("probemap: resource exhausted")
)
