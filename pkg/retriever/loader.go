package retriever

import (
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

// Chunking defaults.
const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

// LoadMarkdown reads every .md file under fsys and splits it into chunks.
// A document's title is its first "# " heading, or the file name without
// extension.
func LoadMarkdown(fsys fs.FS, size, overlap int) ([]Document, error) {
	var files []string
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.EqualFold(path.Ext(p), ".md") {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk documents: %w", err)
	}
	sort.Strings(files)

	var docs []Document
	for _, p := range files {
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		text := string(data)
		title := titleOf(text, strings.TrimSuffix(path.Base(p), path.Ext(p)))
		for i, c := range SplitText(text, size, overlap) {
			docs = append(docs, Document{
				Content:  c,
				Title:    title,
				Filename: path.Base(p),
				ChunkID:  i,
			})
		}
	}
	return docs, nil
}

func titleOf(text, fallback string) string {
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(strings.TrimLeft(line, "#"))
		}
	}
	return fallback
}

// SplitText splits text into pieces of at most size runes. Pieces break on
// paragraph boundaries where possible and consecutive pieces share up to
// overlap runes.
func SplitText(text string, size, overlap int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	var paras []string
	for _, p := range strings.Split(text, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			paras = append(paras, p)
		}
	}

	var (
		chunks []string
		cur    []rune
	)
	for _, p := range paras {
		r := []rune(p)
		if len(cur) > 0 && len(cur)+2+len(r) > size {
			chunks = append(chunks, string(cur))
			cur = lastRunes(cur, overlap)
			if len(cur)+2+len(r) > size {
				cur = nil
			}
		}
		if len(cur) > 0 {
			cur = append(cur, '\n', '\n')
		}
		cur = append(cur, r...)
		for len(cur) > size {
			chunks = append(chunks, string(cur[:size]))
			cur = lastRunes(cur, len(cur)-size+overlap)
		}
	}
	if len(cur) > 0 {
		chunks = append(chunks, string(cur))
	}
	return chunks
}

func lastRunes(r []rune, n int) []rune {
	if n <= 0 {
		return nil
	}
	if n > len(r) {
		n = len(r)
	}
	return append([]rune(nil), r[len(r)-n:]...)
}
