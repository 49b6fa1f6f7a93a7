package orchestrate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/docpulse/errors"
)

func TestLoadItemsFormats(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "items.json")
	writeFile(t, jsonPath, `[{"id": "a", "title": "Sensor drift"}, {"id": "b"}, {"id": "a"}]`)
	items, err := LoadItems(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, IDs(items))
	assert.Equal(t, "Sensor drift", items[0].Title)

	yamlPath := filepath.Join(dir, "items.yaml")
	writeFile(t, yamlPath, "- id: c\n  abstract: Calibration in the field\n")
	items, err = LoadItems(yamlPath)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Calibration in the field", items[0].Abstract)

	listPath := filepath.Join(dir, "ids.txt")
	writeFile(t, listPath, "# batch 1\nx\n\ny\n")
	items, err = LoadItems(listPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, IDs(items))
}

func TestLoadItemsFromDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "sensor_calibration.pdf"), "")
	writeFile(t, filepath.Join(dir, "a-report.pdf"), "")
	writeFile(t, filepath.Join(dir, ".hidden"), "")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	items, err := LoadItems(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"a-report.pdf", "sensor_calibration.pdf"}, IDs(items))
	assert.Equal(t, "sensor calibration", items[1].Title)
}

func TestLoadItemsErrors(t *testing.T) {
	_, err := LoadItems(filepath.Join(t.TempDir(), "missing.json"))
	assert.True(t, errors.IsNotFoundError(err))

	path := filepath.Join(t.TempDir(), "items.json")
	writeFile(t, path, `[{"title": "no id"}]`)
	_, err = LoadItems(path)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestIDsDropsDuplicates(t *testing.T) {
	assert.Equal(t, []string{"b", "a", "c"}, IDs(items("b", "a", "b", "c", "a")))
	assert.Empty(t, IDs(nil))
}
