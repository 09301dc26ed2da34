package docstore

import (
	"context"
	"errors"
	"sync"
	"testing"

	chroma "github.com/amikos-tech/chroma-go/pkg/api/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockCollection struct {
	mock.Mock
}

func (m *mockCollection) Add(ctx context.Context, opts ...chroma.CollectionAddOption) error {
	return m.Called(ctx, opts).Error(0)
}

func (m *mockCollection) Query(ctx context.Context, opts ...chroma.CollectionQueryOption) (chroma.QueryResult, error) {
	args := m.Called(ctx, opts)
	res, _ := args.Get(0).(chroma.QueryResult)
	return res, args.Error(1)
}

func (m *mockCollection) Get(ctx context.Context, opts ...chroma.CollectionGetOption) (chroma.GetResult, error) {
	args := m.Called(ctx, opts)
	res, _ := args.Get(0).(chroma.GetResult)
	return res, args.Error(1)
}

func (m *mockCollection) Delete(ctx context.Context, opts ...chroma.CollectionDeleteOption) error {
	return m.Called(ctx, opts).Error(0)
}

func Test_Injest(t *testing.T) {
	col := new(mockCollection)
	store := ChromaStore{
		results: 1,
		col:     col,
	}

	doc := Doc{
		File:   "facts.pdf",
		Crc:    12345,
		Chunks: []string{"Bananas are berries, but strawberries aren't."},
	}

	col.On("Add", mock.Anything, mock.Anything).Return(nil).Once()

	require.NoError(t, store.Injest(context.Background(), doc))
	col.AssertExpectations(t)
}

func Test_Injest_SplitsToBuckets(t *testing.T) {
	col := new(mockCollection)
	store := ChromaStore{
		results:     1,
		requestSize: 13,
		col:         col,
	}

	doc := Doc{
		File:   "facts.pdf",
		Crc:    12345,
		Chunks: []string{"Bananas", "are", "berries", "but", "strawberries", "aren't"},
	}

	col.On("Add", mock.Anything, mock.Anything).Return(nil).Times(4)

	require.NoError(t, store.Injest(context.Background(), doc))
	col.AssertExpectations(t)
}

func Test_Injest_Error(t *testing.T) {
	col := new(mockCollection)
	store := ChromaStore{results: 1, col: col}

	col.On("Add", mock.Anything, mock.Anything).Return(errors.New("unavailable"))

	err := store.Injest(context.Background(), Doc{File: "f.pdf", Chunks: []string{"x"}})
	assert.ErrorContains(t, err, "f.pdf")
}

func Test_Retrieve_Error(t *testing.T) {
	col := new(mockCollection)
	store := ChromaStore{results: 1, col: col}

	col.On("Query", mock.Anything, mock.Anything).Return(nil, errors.New("timeout"))

	_, err := store.Retrieve(context.Background(), "anything")
	assert.Error(t, err)
}

func Test_Forget(t *testing.T) {
	col := new(mockCollection)
	store := ChromaStore{
		results: 1,
		col:     col,
	}

	doc := InjestedDoc{
		File: "f1.txt",
		Crc:  123,
	}
	col.On("Delete", mock.Anything, mock.Anything).Return(nil).Once()

	require.NoError(t, store.Forget(context.Background(), doc))
	col.AssertExpectations(t)
}

func Test_Reset(t *testing.T) {
	old := new(mockCollection)
	fresh := new(mockCollection)
	store := ChromaStore{
		col: old,
		recreate: func(ctx context.Context) (collection, error) {
			return fresh, nil
		},
	}

	require.NoError(t, store.Reset(context.Background()))
	assert.Same(t, fresh, store.col)
}

func Test_Reset_ConcurrentRetrieve(t *testing.T) {
	newCol := func() *mockCollection {
		col := new(mockCollection)
		col.On("Query", mock.Anything, mock.Anything).Return(nil, errors.New("empty"))
		return col
	}

	store := &ChromaStore{
		results: 1,
		col:     newCol(),
		recreate: func(ctx context.Context) (collection, error) {
			return newCol(), nil
		},
	}

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, store.Reset(ctx))
		}()
		go func() {
			defer wg.Done()
			_, err := store.Retrieve(ctx, "anything")
			assert.Error(t, err)
		}()
	}
	wg.Wait()
}

func Test_batches(t *testing.T) {
	var cases = []struct {
		name   string
		chunks []string
		size   int
		output [][]string
	}{
		{name: "empty", chunks: nil, size: 10, output: nil},
		{name: "unbounded", chunks: []string{"a", "b"}, size: 0, output: [][]string{{"a", "b"}}},
		{name: "split", chunks: []string{"abc", "de", "fgh"}, size: 5, output: [][]string{{"abc", "de"}, {"fgh"}}},
		{name: "oversized", chunks: []string{"abcdefg", "h"}, size: 3, output: [][]string{{"abcdefg"}, {"h"}}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.output, batches(c.chunks, c.size))
		})
	}
}
