package errors

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew_CapturesCallerAndCategory(t *testing.T) {
	err := New(CategoryPrecondition, "TEST_CODE", "something went wrong", map[string]interface{}{"k": "v"})

	require.Equal(t, CategoryPrecondition, err.Category)
	require.Equal(t, "TEST_CODE", err.Code)
	require.Contains(t, err.Error(), "TEST_CODE")
	require.Contains(t, err.Error(), "something went wrong")
	require.Contains(t, err.Caller, "TestNew_CapturesCallerAndCategory")
}

func TestThreadRegistryExhausted(t *testing.T) {
	err := ThreadRegistryExhausted(64)

	require.Equal(t, CategoryThreadRegistry, err.Category)
	require.Equal(t, 64, err.Context["max_threads"])
}

func TestInvalidBucketCount(t *testing.T) {
	err := InvalidBucketCount(0)

	require.Equal(t, CategoryPrecondition, err.Category)
}

func TestAllocationFailed(t *testing.T) {
	err := AllocationFailed("Insert")

	require.Equal(t, CategoryAllocation, err.Category)
	require.Equal(t, "Insert", err.Context["operation"])
}
