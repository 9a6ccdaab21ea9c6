// Copyright 2022 Amazon.com, Inc. or its affiliates. All Rights Reserved.
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

// package "sak" (Swiss Army knife) provides some basic util functions
package sak

// Simple utilty for swapping struct T to a ptr T
// Wether or not this creates a heap escape is up to the compiler.
// This method simply return &v
func Ptr[T any](v T) *T {
	return &v
}

type Signed interface {
	~int | ~int16 | ~int32 | ~int64 | ~int8
}

type Unsigned interface {
	~uint | ~uint16 | ~uint32 | ~uint64 | uint8
}

type Float interface {
	~float32 | ~float64
}

type Number interface {
	Signed | Unsigned | Float
}

// A generic version of math.Min.
func Min[T Number](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// A generic version of math.Max.
func Max[T Number](a, b T) T {
	if a > b {
		return a
	}
	return b
}

// A generic version of math.Min with the added bonus of accepting more than 2 arguments.
func MinN[T Number](vals ...T) (min T) {
	if len(vals) == 0 {
		return
	}
	min = vals[0]
	for i := 1; i < len(vals); i++ {
		v := vals[i]
		if v < min {
			min = v
		}
	}
	return
}

// A utility function that extracts all keys from a map[K]T.
// Useful when you need to iterate over keys in a map that is synchronized buy a Mutex.
func MapKeysToSlice[K comparable, T any](m map[K]T) []K {
	slice := make([]K, 0, len(m))
	for k := range m {
		slice = append(slice, k)
	}
	return slice
}

// A convenience method for panicking on errors. Useful for simplifying code when calling methods that should never error,
// or when thre is no way to recover from the error.
func Must[T any](item T, err error) T {
	if err != nil {
		panic(err)
	}
	return item
}
