package knowledge

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/tmc/langchaingo/documentloaders"
	lcschema "github.com/tmc/langchaingo/schema"
	"github.com/tmc/langchaingo/textsplitter"

	"github.com/rendis/codeloop/pkg/schema"
)

// Default chunking parameters.
const (
	DefaultChunkSize    = 200
	DefaultChunkOverlap = 20
)

var textTypes = map[string]bool{
	"txt": true, "md": true, "markdown": true, "rst": true, "yml": true, "yaml": true,
	"json": true, "toml": true, "ini": true, "cfg": true, "ipynb": true, "log": true,
	"py": true, "go": true, "js": true, "ts": true, "jsx": true, "tsx": true, "java": true,
	"kt": true, "c": true, "h": true, "cpp": true, "hpp": true, "cc": true, "cs": true,
	"rs": true, "rb": true, "php": true, "swift": true, "scala": true, "lua": true,
	"sh": true, "sql": true, "proto": true,
}

// Loadable reports whether files of fileType can be ingested.
func Loadable(fileType string) bool {
	switch fileType {
	case "html", "htm", "csv", "pdf":
		return true
	}
	return textTypes[fileType]
}

// FileType returns the lowercase extension of path without the dot, or
// "unknown".
func FileType(path string) string {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	if ext == "" {
		return "unknown"
	}
	return ext
}

// UnloadableError builds the UNLOADABLE error for a file type with no loader.
func UnloadableError(path, fileType string) error {
	return schema.NewErrorf(schema.ErrCodeUnloadable, "no loader for %s files", fileType).
		WithDetails(map[string]any{"path": path, "file_type": fileType})
}

// LoadFile reads path as fileType and splits it into chunks of chunkSize
// characters overlapping by chunkOverlap. Unsupported types fail with
// UNLOADABLE.
func LoadFile(ctx context.Context, path, fileType string, chunkSize, chunkOverlap int) ([]lcschema.Document, error) {
	if !Loadable(fileType) {
		return nil, UnloadableError(path, fileType)
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkOverlap < 0 || chunkOverlap >= chunkSize {
		chunkOverlap = 0
	}
	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(chunkSize),
		textsplitter.WithChunkOverlap(chunkOverlap),
	)

	f, err := os.Open(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "opening %s", path).WithCause(err)
	}
	defer f.Close()

	var loader documentloaders.Loader
	switch fileType {
	case "html", "htm":
		raw, err := io.ReadAll(f)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "reading %s", path).WithCause(err)
		}
		text, err := md.NewConverter("", true, nil).ConvertString(string(raw))
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeUnloadable, "converting %s to markdown", path).WithCause(err)
		}
		loader = documentloaders.NewText(strings.NewReader(text))
	case "csv":
		loader = documentloaders.NewCSV(f)
	case "pdf":
		info, err := f.Stat()
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "stat %s", path).WithCause(err)
		}
		loader = documentloaders.NewPDF(f, info.Size())
	default:
		loader = documentloaders.NewText(f)
	}

	docs, err := loader.LoadAndSplit(ctx, splitter)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeUnloadable, "loading %s", path).WithCause(err)
	}
	for i := range docs {
		if docs[i].Metadata == nil {
			docs[i].Metadata = map[string]any{}
		}
		docs[i].Metadata["source"] = path
		docs[i].Metadata["file_type"] = fileType
	}
	return docs, nil
}

// FileInfo is one file found by IterFiles.
type FileInfo struct {
	Path     string
	FileType string
}

// Filter limits which files IterFiles yields. Patterns use doublestar syntax
// and match the slash-separated path relative to the walked root. An empty
// Include admits everything.
type Filter struct {
	Include []string
	Exclude []string
}

func (f Filter) admits(rel string) bool {
	rel = filepath.ToSlash(rel)
	for _, p := range f.Exclude {
		if ok, _ := doublestar.Match(p, rel); ok {
			return false
		}
	}
	if len(f.Include) == 0 {
		return true
	}
	for _, p := range f.Include {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// IterFiles returns path itself when it is a file, or every regular file
// under it when it is a directory, in lexical order.
func IterFiles(path string, filter Filter) ([]FileInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "path %s does not exist", path).WithCause(err)
	}
	if !info.IsDir() {
		return []FileInfo{{Path: path, FileType: FileType(path)}}, nil
	}

	var out []FileInfo
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(path, p)
		if err != nil {
			return err
		}
		if filter.admits(rel) {
			out = append(out, FileInfo{Path: p, FileType: FileType(p)})
		}
		return nil
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "walking %s", path).WithCause(err)
	}
	return out, nil
}
