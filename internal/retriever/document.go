package retriever

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Document is one example workflow template from the corpus, re-indented
// so chunk boundaries fall on line breaks.
type Document struct {
	Source  string // file name within the templates directory
	Name    string // workflow name, when the template has one
	Content string
}

// LoadTemplates reads every *.json file in dir. Files that are not valid
// JSON are skipped with a warning.
func LoadTemplates(dir string, logger *slog.Logger) ([]Document, error) {
	if logger == nil {
		logger = slog.Default()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read templates dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	docs := make([]Document, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read template %s: %w", name, err)
		}
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			logger.Warn("skipping invalid template", "source", name, "error", err)
			continue
		}
		pretty, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("format template %s: %w", name, err)
		}
		doc := Document{Source: name, Content: string(pretty)}
		if obj, ok := v.(map[string]any); ok {
			doc.Name, _ = obj["name"].(string)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}
