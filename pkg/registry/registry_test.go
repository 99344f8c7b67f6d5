package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelmux/modelmux/pkg/errdefs"
	"github.com/modelmux/modelmux/pkg/store"
)

func TestRegisterAssignsSequentialVersions(t *testing.T) {
	r := New(store.NewMemoryStore())
	ctx := context.Background()

	for want := 1; want <= 3; want++ {
		rec, err := r.Register(ctx, "credit_model", fmt.Sprintf("fs://a%d", want), "job-1")
		require.NoError(t, err)
		assert.Equal(t, want, rec.Version)
	}

	latest, err := r.Latest(ctx, "credit_model")
	require.NoError(t, err)
	assert.Equal(t, 3, latest.Version)
	assert.Equal(t, "fs://a3", latest.ArtifactRef)

	// Other names version independently
	rec, err := r.Register(ctx, "churn_model", "fs://b1", "job-2")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Version)
}

func TestConcurrentRegistrationsAreGapFree(t *testing.T) {
	r := New(store.NewMemoryStore())
	ctx := context.Background()

	const n = 50
	versions := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := r.Register(ctx, "credit_model", "fs://a", "job-1")
			if err != nil {
				t.Errorf("Register failed: %v", err)
				return
			}
			versions[i] = rec.Version
		}(i)
	}
	wg.Wait()

	sort.Ints(versions)
	for i, v := range versions {
		if v != i+1 {
			t.Fatalf("versions have gaps or duplicates: %v", versions)
		}
	}
}

func TestGetAndLatestNotFound(t *testing.T) {
	r := New(store.NewMemoryStore())
	ctx := context.Background()

	_, err := r.Latest(ctx, "unknown")
	assert.True(t, errdefs.IsNotFound(err))

	_, err = r.Get(ctx, "unknown", 1)
	assert.True(t, errdefs.IsNotFound(err))

	// Known name, unknown version
	_, err = r.Register(ctx, "credit_model", "fs://a1", "job-1")
	require.NoError(t, err)
	_, err = r.Get(ctx, "credit_model", 7)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestRegisterValidation(t *testing.T) {
	r := New(store.NewMemoryStore())
	ctx := context.Background()

	_, err := r.Register(ctx, "", "fs://a", "job-1")
	assert.True(t, errdefs.IsValidation(err))

	_, err = r.Register(ctx, "credit_model", "", "job-1")
	assert.True(t, errdefs.IsValidation(err))
}

func TestRecordsAreImmutable(t *testing.T) {
	r := New(store.NewMemoryStore())
	ctx := context.Background()

	_, err := r.Register(ctx, "credit_model", "fs://a1", "job-1")
	require.NoError(t, err)

	// A second registration never overwrites; it appends
	rec, err := r.Register(ctx, "credit_model", "fs://a2", "job-2")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Version)

	v1, err := r.Get(ctx, "credit_model", 1)
	require.NoError(t, err)
	assert.Equal(t, "fs://a1", v1.ArtifactRef)
	assert.Equal(t, "job-1", v1.SourceJobID)
}
