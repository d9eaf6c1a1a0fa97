package test_utils

import (
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

var paramOpts = []cmp.Option{
	cmpopts.SortSlices(func(a, b string) bool { return a < b }),
	cmpopts.EquateEmpty(),
}

// ParamsMatcher matches the variadic params of an rpc call, string slices are compared regardless of order
func ParamsMatcher(expected ...any) func([]any) bool {
	return func(got []any) bool {
		return cmp.Equal(expected, got, paramOpts...)
	}
}
