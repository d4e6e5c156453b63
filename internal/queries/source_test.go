package queries

import (
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadSkipsBlankAndComments(t *testing.T) {
	t.Parallel()

	src, err := Read(strings.NewReader("# heading\ndesk lamp\n\n  office chair  \n"), 1, 1, nil)
	require.NoError(t, err)
	require.Equal(t, 2, src.Len())
}

func TestSampleSizeAndMembership(t *testing.T) {
	t.Parallel()

	list := make([]string, 50)
	for i := range list {
		list[i] = "q" + string(rune('a'+i%26)) + string(rune('a'+i/26))
	}
	src, err := New(list, 10, 20, rand.New(rand.NewPCG(7, 8)))
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		sample := src.Sample()
		require.GreaterOrEqual(t, len(sample), 10)
		require.LessOrEqual(t, len(sample), 20)
		seen := map[string]bool{}
		for _, q := range sample {
			require.Contains(t, list, q)
			require.False(t, seen[q])
			seen[q] = true
		}
	}
}

func TestSampleCappedAtListSize(t *testing.T) {
	t.Parallel()

	src, err := New([]string{"a", "b", "c"}, 10, 20, nil)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b", "c"}, src.Sample())
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "product-categories.txt")
	require.NoError(t, os.WriteFile(path, []byte("lamp\nchair\n"), 0o600))
	src, err := Load(path, 1, 2, nil)
	require.NoError(t, err)
	require.Equal(t, 2, src.Len())

	_, err = Load(filepath.Join(t.TempDir(), "missing.txt"), 1, 2, nil)
	require.Error(t, err)
	_, err = New(nil, 1, 2, nil)
	require.ErrorIs(t, err, ErrEmpty)
}
