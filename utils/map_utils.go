package utils

import (
	"dario.cat/mergo"

	"github.com/juju/errors"
)

func CloneMap[K comparable, V any](m map[K]V) map[K]V {
	cloneM := make(map[K]V)
	for k, v := range m {
		cloneM[k] = v
	}
	return cloneM
}

func UniqueSlice[K comparable](a []K) []K {
	m := make(map[K]bool)
	for i := 0; i < len(a); {
		v := a[i]
		if !m[v] {
			m[v] = true
			i++
			continue
		}
		a = append(a[:i], a[i+1:]...)
	}
	return a
}

// MergeMaps merges src into dst with override semantics: on a key conflict
// src wins, nested maps merge recursively, slices append.
func MergeMaps(dst map[string]any, src map[string]any) (map[string]any, error) {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	if len(src) == 0 {
		return dst, nil
	}
	if err := mergo.Merge(&dst, src,
		mergo.WithOverride,
		mergo.WithAppendSlice); err != nil {
		return nil, errors.Trace(err)
	}
	return dst, nil
}
