package orchestrate

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/teranos/docpulse/errors"
	"github.com/teranos/docpulse/gaps"
)

// LoadItems reads the candidate item list from path:
//   - a directory: one item per regular file, id = file name
//   - .json / .yaml / .yml: a list of {id, title, abstract}
//   - anything else: one item id per non-empty line, '#' starts a comment
func LoadItems(path string) ([]gaps.Item, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(errors.ErrNotFound, "items %s", path)
		}
		return nil, errors.Wrapf(err, "failed to stat items %s", path)
	}
	if info.IsDir() {
		return itemsFromDir(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read items %s", path)
	}

	var items []gaps.Item
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, errors.Wrapf(err, "parse items %s", path)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &items); err != nil {
			return nil, errors.Wrapf(err, "parse items %s", path)
		}
	default:
		items = itemsFromLines(data)
	}
	return dedupe(items)
}

func itemsFromDir(dir string) ([]gaps.Item, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list items in %s", dir)
	}
	var items []gaps.Item
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		name := e.Name()
		items = append(items, gaps.Item{
			ID:    name,
			Title: strings.NewReplacer("_", " ", "-", " ").Replace(strings.TrimSuffix(name, filepath.Ext(name))),
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func itemsFromLines(data []byte) []gaps.Item {
	var items []gaps.Item
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		items = append(items, gaps.Item{ID: line})
	}
	return items
}

func dedupe(items []gaps.Item) ([]gaps.Item, error) {
	seen := make(map[string]struct{}, len(items))
	out := items[:0]
	for i, it := range items {
		if it.ID == "" {
			return nil, errors.Wrapf(errors.ErrInvalidRequest, "item %d has no id", i)
		}
		if _, dup := seen[it.ID]; dup {
			continue
		}
		seen[it.ID] = struct{}{}
		out = append(out, it)
	}
	return out, nil
}

// IDs returns the ids of items in order
func IDs(items []gaps.Item) []string {
	seen := make(map[string]struct{}, len(items))
	ids := make([]string, 0, len(items))
	for _, it := range items {
		if _, dup := seen[it.ID]; dup {
			continue
		}
		seen[it.ID] = struct{}{}
		ids = append(ids, it.ID)
	}
	return ids
}
