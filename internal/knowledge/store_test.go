package knowledge

import (
	"context"
	"hash/fnv"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	lcschema "github.com/tmc/langchaingo/schema"

	"github.com/rendis/codeloop/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bagOfWords embeds text as a normalized word-hash histogram so similar
// wording lands close together.
func bagOfWords(_ context.Context, text string) ([]float32, error) {
	const dims = 64
	v := make([]float32, dims)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		v[h.Sum32()%dims]++
	}
	var norm float64
	for _, x := range v {
		norm += float64(x * x)
	}
	if norm == 0 {
		v[0] = 1
		return v, nil
	}
	n := float32(math.Sqrt(norm))
	for i := range v {
		v[i] /= n
	}
	return v, nil
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenWithEmbedding(Config{Path: t.TempDir()}, bagOfWords, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_IndexSearchDelete(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	docs := []lcschema.Document{
		{PageContent: "parse csv files with the csv module", Metadata: map[string]any{"source": "a.txt"}},
		{PageContent: "send email over smtp"},
		{PageContent: "sort a list of numbers"},
		{PageContent: "   "},
	}
	require.NoError(t, s.Index(ctx, docs, "Docs"))

	names, err := s.Collections()
	require.NoError(t, err)
	assert.Equal(t, []string{"Docs"}, names)

	hits, err := s.Search(ctx, "Docs", "parse csv files", 10, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "parse csv files with the csv module", hits[0].Content)
	assert.Equal(t, "a.txt", hits[0].Source)
	assert.GreaterOrEqual(t, hits[0].Score, hits[1].Score)

	require.NoError(t, s.DeleteCollection("Docs"))
	names, err = s.Collections()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestStore_SearchMissingCollection(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Search(context.Background(), "Nope", "q", 3, 0)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestStore_SearchEmptyCollection(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.Index(ctx, nil, "Empty"))

	hits, err := s.Search(ctx, "Empty", "anything", 10, 2)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestStore_ClosedRejectsUse(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Collections()
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeStore))
}

func TestLoadFile_Text(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	body := strings.Repeat("word ", 100)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	docs, err := LoadFile(context.Background(), path, "txt", 50, 10)
	require.NoError(t, err)
	require.Greater(t, len(docs), 1)
	for _, d := range docs {
		assert.LessOrEqual(t, len(d.PageContent), 50)
		assert.Equal(t, path, d.Metadata["source"])
	}
}

func TestLoadFile_HTML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "page.html")
	require.NoError(t, os.WriteFile(path, []byte("<html><body><h1>Title</h1><p>Hello world</p></body></html>"), 0o644))

	docs, err := LoadFile(context.Background(), path, "html", 500, 0)
	require.NoError(t, err)
	require.NotEmpty(t, docs)
	assert.Contains(t, docs[0].PageContent, "# Title")
	assert.Contains(t, docs[0].PageContent, "Hello world")
}

func TestLoadFile_Unloadable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.png")
	require.NoError(t, os.WriteFile(path, []byte{0x89}, 0o644))

	_, err := LoadFile(context.Background(), path, "png", 100, 0)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeUnloadable))
}

func TestIterFiles(t *testing.T) {
	root := t.TempDir()
	for _, p := range []string{"a.py", "sub/b.md", "sub/deep/c.txt", "vendor/x.go"} {
		full := filepath.Join(root, p)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte("x"), 0o644))
	}

	all, err := IterFiles(root, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	filtered, err := IterFiles(root, Filter{Include: []string{"**/*.md", "**/*.txt", "*.py"}, Exclude: []string{"sub/deep/**"}})
	require.NoError(t, err)
	var got []string
	for _, f := range filtered {
		rel, _ := filepath.Rel(root, f.Path)
		got = append(got, filepath.ToSlash(rel)+":"+f.FileType)
	}
	assert.Equal(t, []string{"a.py:py", "sub/b.md:md"}, got)

	single, err := IterFiles(filepath.Join(root, "a.py"), Filter{Exclude: []string{"**"}})
	require.NoError(t, err)
	assert.Len(t, single, 1)

	_, err = IterFiles(filepath.Join(root, "missing"), Filter{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestFileType(t *testing.T) {
	assert.Equal(t, "py", FileType("/x/Main.PY"))
	assert.Equal(t, "unknown", FileType("/x/Makefile"))
	assert.True(t, Loadable("csv"))
	assert.False(t, Loadable("unknown"))
}
