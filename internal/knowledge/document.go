// Package knowledge holds the static VisitCali corpus: JSONL parsing, the
// embedded SQLite index and cosine retrieval.
package knowledge

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

const titleSuffix = " - CALI ES DONDE DEBES ESTAR"

// Document is one retrievable entry. Content is the text the agent sees.
type Document struct {
	ID        int64
	Title     string
	Content   string
	Source    string
	Embedding []float32
}

type scrapedPage struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url"`
}

// ParseJSONL reads one scraped page per line. Blank lines and pages without a
// description are skipped.
func ParseJSONL(r io.Reader) ([]Document, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)

	var docs []Document
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var p scrapedPage
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("knowledge: line %d: %w", line, err)
		}
		if strings.TrimSpace(p.Description) == "" {
			continue
		}
		title := strings.ReplaceAll(p.Title, titleSuffix, "")
		docs = append(docs, Document{
			Title:   title,
			Content: fmt.Sprintf("Título: %s\nDescripción: %s\nFuente: %s", title, p.Description, p.URL),
			Source:  p.URL,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("knowledge: read jsonl: %w", err)
	}
	return docs, nil
}
