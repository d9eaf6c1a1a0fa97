package utils

import (
	"sync"
	"sync/atomic"
)

type Atomic[T any] struct {
	v atomic.Value
}

func NewAtomic[T any]() *Atomic[T] {
	return &Atomic[T]{}
}

func NewAtomicWith[T any](val T) *Atomic[T] {
	a := NewAtomic[T]()
	a.Store(val)
	return a
}

// Store keeps values behind a box so interface values of different dynamic types
// (e.g. different error implementations) can be stored in the same Atomic
func (a *Atomic[T]) Store(val T) {
	a.v.Store(box[T]{val: val})
}

func (a *Atomic[T]) Has() bool {
	return a.v.Load() != nil
}

func (a *Atomic[T]) Load() T {
	b, ok := a.v.Load().(box[T])
	if !ok {
		var empty T
		return empty
	}
	return b.val
}

type box[T any] struct {
	val T
}

type CMap[K comparable, V any] struct {
	mp  sync.Map
	len atomic.Int64
}

func NewCMap[K comparable, V any]() *CMap[K, V] {
	return &CMap[K, V]{}
}

func (mp *CMap[K, V]) Load(key K) (V, bool) {
	res, loaded := mp.mp.Load(key)
	if !loaded {
		var empty V
		return empty, false
	}
	return res.(V), true
}

func (mp *CMap[K, V]) LoadOrStore(key K, val V) (V, bool) {
	loadedVal, loaded := mp.mp.LoadOrStore(key, val)
	if !loaded {
		mp.len.Add(1)
	}
	return loadedVal.(V), loaded
}

func (mp *CMap[K, V]) LoadAndDelete(key K) (V, bool) {
	v, loaded := mp.mp.LoadAndDelete(key)
	if !loaded {
		var empty V
		return empty, false
	}
	mp.len.Add(-1)
	return v.(V), true
}

func (mp *CMap[K, V]) Range(f func(key K, val V) bool) {
	mp.mp.Range(func(k, v any) bool {
		return f(k.(K), v.(V))
	})
}

func (mp *CMap[K, V]) Store(key K, val V) {
	if _, loaded := mp.mp.Swap(key, val); !loaded {
		mp.len.Add(1)
	}
}

func (mp *CMap[K, V]) Delete(key K) {
	mp.LoadAndDelete(key)
}

func (mp *CMap[K, V]) Len() int {
	return int(mp.len.Load())
}
