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

import (
	"fmt"
	"io"
	"strconv"
	"testing"

	"github.com/aclements/go-perfevent/perfbench"
)

func BenchmarkMapIter(b *testing.B) {
	b.Run("impl=runtimeMap", func(b *testing.B) {
		b.Run("t=Int", benchSizes(benchmarkRuntimeMapIter[int64], genKeys[int64]))
	})
	b.Run("impl=probeMap", func(b *testing.B) {
		b.Run("t=Int", benchSizes(benchmarkProbeMapIter[int64], genKeys[int64]))
	})
}

func BenchmarkMapGetHit(b *testing.B) {
	b.Run("impl=runtimeMap", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkRuntimeMapGetHit[int64], genKeys[int64]))
		b.Run("t=String", benchSizes(benchmarkRuntimeMapGetHit[string], genKeys[string]))
	})
	b.Run("impl=probeMap", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkProbeMapGetHit[int64], genKeys[int64]))
		b.Run("t=String", benchSizes(benchmarkProbeMapGetHit[string], genKeys[string]))
	})
}

func BenchmarkMapGetMiss(b *testing.B) {
	b.Run("impl=runtimeMap", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkRuntimeMapGetMiss[int64], genKeys[int64]))
		b.Run("t=String", benchSizes(benchmarkRuntimeMapGetMiss[string], genKeys[string]))
	})
	b.Run("impl=probeMap", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkProbeMapGetMiss[int64], genKeys[int64]))
		b.Run("t=String", benchSizes(benchmarkProbeMapGetMiss[string], genKeys[string]))
	})
}

func BenchmarkMapInsertGrow(b *testing.B) {
	b.Run("impl=runtimeMap", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkRuntimeMapInsertGrow[int64], genKeys[int64]))
		b.Run("t=String", benchSizes(benchmarkRuntimeMapInsertGrow[string], genKeys[string]))
	})
	b.Run("impl=probeMap", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkProbeMapInsertGrow[int64], genKeys[int64]))
		b.Run("t=String", benchSizes(benchmarkProbeMapInsertGrow[string], genKeys[string]))
	})
}

func BenchmarkMapInsertRemove(b *testing.B) {
	b.Run("impl=runtimeMap", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkRuntimeMapInsertRemove[int64], genKeys[int64]))
		b.Run("t=String", benchSizes(benchmarkRuntimeMapInsertRemove[string], genKeys[string]))
	})
	b.Run("impl=probeMap", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkProbeMapInsertRemove[int64], genKeys[int64]))
		b.Run("t=String", benchSizes(benchmarkProbeMapInsertRemove[string], genKeys[string]))
	})
}

type benchTypes interface {
	int64 | string
}

func benchSizes[T benchTypes](
	f func(b *testing.B, n int, genKeys func(start, end int) []T), genKeys func(start, end int) []T,
) func(*testing.B) {
	var cases = []int{
		6, 12, 18, 24, 30,
		64,
		128,
		256,
		512,
		1024,
		4096,
		1 << 16,
	}

	return func(b *testing.B) {
		for _, n := range cases {
			b.Run("len="+strconv.Itoa(n), func(b *testing.B) { f(b, n, genKeys) })
		}
	}
}

func genKeys[T benchTypes](start, end int) []T {
	var t T
	switch any(t).(type) {
	case int64:
		keys := make([]int64, end-start)
		for i := range keys {
			keys[i] = int64(start + i)
		}
		return any(keys).([]T)
	case string:
		keys := make([]string, end-start)
		for i := range keys {
			keys[i] = strconv.Itoa(start + i)
		}
		return any(keys).([]T)
	default:
		panic("not reached")
	}
}

func newBenchMap[T benchTypes](b *testing.B, keys []T) *Map[T, T] {
	m := NewDefault[T, T]()
	for _, k := range keys {
		if err := m.Insert(k, k); err != nil {
			b.Fatal(err)
		}
	}
	return m
}

func benchmarkRuntimeMapIter[T benchTypes](b *testing.B, n int, genKeys func(start, end int) []T) {
	m := make(map[T]T, n)
	keys := genKeys(0, n)
	for _, k := range keys {
		m[k] = k
	}
	b.ResetTimer()
	var tmp T
	for i := 0; i < b.N; i++ {
		for k, v := range m {
			tmp += k + v
		}
	}
}

func benchmarkProbeMapIter[T benchTypes](b *testing.B, n int, genKeys func(start, end int) []T) {
	m := newBenchMap(b, genKeys(0, n))
	b.ResetTimer()
	cs := perfbench.Open(b)
	var tmp T
	for i := 0; i < b.N; i++ {
		m.All(func(k, v T) bool {
			tmp += k + v
			return true
		})
	}
	cs.Stop()
}

func benchmarkRuntimeMapGetMiss[T benchTypes](
	b *testing.B, n int, genKeys func(start, end int) []T,
) {
	m := make(map[T]T)
	keys := genKeys(0, n)
	miss := genKeys(-n, 0)
	for _, k := range keys {
		m[k] = k
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = m[miss[i%len(miss)]]
	}
}

func benchmarkProbeMapGetMiss[T benchTypes](b *testing.B, n int, genKeys func(start, end int) []T) {
	m := newBenchMap(b, genKeys(0, n))
	miss := genKeys(-n, 0)
	b.ResetTimer()
	cs := perfbench.Open(b)
	var err error
	for i := 0; i < b.N; i++ {
		_, err = m.Get(miss[i%len(miss)])
	}
	cs.Stop()
	b.StopTimer()
	fmt.Fprint(io.Discard, err)
}

func benchmarkRuntimeMapGetHit[T benchTypes](
	b *testing.B, n int, genKeys func(start, end int) []T,
) {
	m := make(map[T]T, n)
	keys := genKeys(0, n)
	for _, k := range keys {
		m[k] = k
	}

	// Go's builtin map has an optimization to avoid string comparisons if
	// there is pointer equality. Defeat this optimization to get a better
	// apples-to-apples comparison.
	keys = genKeys(0, n)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = m[keys[i%n]]
	}
}

func benchmarkProbeMapGetHit[T benchTypes](b *testing.B, n int, genKeys func(start, end int) []T) {
	m := newBenchMap(b, genKeys(0, n))
	keys := genKeys(0, n)
	b.ResetTimer()
	cs := perfbench.Open(b)
	var err error
	for i := 0; i < b.N; i++ {
		_, err = m.Get(keys[i%n])
	}
	cs.Stop()
	b.StopTimer()
	fmt.Fprint(io.Discard, err)
}

func benchmarkRuntimeMapInsertGrow[T benchTypes](
	b *testing.B, n int, genKeys func(start, end int) []T,
) {
	keys := genKeys(0, n)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m := make(map[T]T)
		for _, k := range keys {
			m[k] = k
		}
	}
}

func benchmarkProbeMapInsertGrow[T benchTypes](
	b *testing.B, n int, genKeys func(start, end int) []T,
) {
	keys := genKeys(0, n)
	b.ResetTimer()
	cs := perfbench.Open(b)
	for i := 0; i < b.N; i++ {
		m := NewDefault[T, T]()
		for _, k := range keys {
			_ = m.Insert(k, k)
		}
	}
	cs.Stop()
}

func benchmarkRuntimeMapInsertRemove[T benchTypes](
	b *testing.B, n int, genKeys func(start, end int) []T,
) {
	m := make(map[T]T, n)
	keys := genKeys(0, n)
	for _, k := range keys {
		m[k] = k
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		j := i % n
		delete(m, keys[j])
		m[keys[j]] = keys[j]
	}
}

func benchmarkProbeMapInsertRemove[T benchTypes](
	b *testing.B, n int, genKeys func(start, end int) []T,
) {
	keys := genKeys(0, n)
	m := newBenchMap(b, keys)
	b.ResetTimer()
	cs := perfbench.Open(b)
	for i := 0; i < b.N; i++ {
		j := i % n
		_, _ = m.Remove(keys[j])
		_ = m.Insert(keys[j], keys[j])
	}
	cs.Stop()
}
