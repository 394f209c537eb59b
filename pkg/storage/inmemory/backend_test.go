package inmemory

import (
	"context"
	"testing"

	"versionstore/pkg/core"
	"versionstore/pkg/persist/persisttest"
	"versionstore/pkg/storage"
	"versionstore/pkg/types"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackend(t *testing.T) {
	persisttest.Run(t, func(t *testing.T) storage.Backend {
		return New(Config{})
	})
}

func TestBackend_HardLimit(t *testing.T) {
	persisttest.Run(t, func(t *testing.T) storage.Backend {
		return New(Config{HardObjectSizeLimit: 16 * 1024})
	})
}

func TestFactory(t *testing.T) {
	v := viper.New()
	v.Set("hard-object-size-limit", 1024)

	b, err := storage.Open(context.Background(), Name, v)
	require.NoError(t, err)
	assert.Equal(t, Name, b.Name())
	assert.Equal(t, 1024, b.HardObjectSizeLimit())

	b, err = storage.Open(context.Background(), Name, nil)
	require.NoError(t, err)
	assert.Equal(t, storage.Unbounded, b.HardObjectSizeLimit())
}

func TestBackend_CopiesData(t *testing.T) {
	ctx := context.Background()
	b := New(Config{})
	id := types.RandomObjID()
	data := []byte{1, 2, 3}

	_, err := b.StoreObjs(ctx, "r", []storage.ObjRecord{{ID: id, Type: core.TypeValue, Data: data}})
	require.NoError(t, err)
	data[0] = 9

	recs, err := b.FetchObjs(ctx, "r", []types.ObjID{id})
	require.NoError(t, err)
	require.NotNil(t, recs[0])
	assert.Equal(t, []byte{1, 2, 3}, recs[0].Data, "stored bytes are not aliased")

	recs[0].Data[1] = 9
	again, err := b.FetchObjs(ctx, "r", []types.ObjID{id})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, again[0].Data)

	assert.Equal(t, []string{"r"}, b.RepositoryIDs())
}
