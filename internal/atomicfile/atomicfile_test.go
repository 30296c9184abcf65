package atomicfile

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	yamlv3 "gopkg.in/yaml.v3"
)

func TestWriteJSON_Success(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	data := map[string]any{"key": "value", "count": 42}
	if err := WriteJSON(path, data); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}

	var result map[string]any
	if err := ReadJSON(path, &result); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	if result["key"] != "value" {
		t.Errorf("key: got %v, want %q", result["key"], "value")
	}
}

func TestWriteJSON_CreatesBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	if err := WriteJSON(path, map[string]string{"version": "1"}); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if err := WriteJSON(path, map[string]string{"version": "2"}); err != nil {
		t.Fatalf("second write failed: %v", err)
	}

	var bak map[string]string
	if err := ReadJSON(BackupPath(path), &bak); err != nil {
		t.Fatalf("read backup: %v", err)
	}
	if bak["version"] != "1" {
		t.Errorf("backup version: got %q, want %q", bak["version"], "1")
	}

	var cur map[string]string
	if err := ReadJSON(path, &cur); err != nil {
		t.Fatalf("read current: %v", err)
	}
	if cur["version"] != "2" {
		t.Errorf("current version: got %q, want %q", cur["version"], "2")
	}
}

func TestWriteRaw_InvalidContentKeepsOriginal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	if err := WriteJSON(path, map[string]int{"n": 1}); err != nil {
		t.Fatalf("initial write: %v", err)
	}
	err := WriteRaw(path, []byte("{not json"), validateJSON)
	if err == nil {
		t.Fatal("expected validation error")
	}

	content, _ := os.ReadFile(path)
	if !json.Valid(content) {
		t.Errorf("original file was replaced by invalid content: %q", content)
	}
}

func TestWriteRaw_NoTempFilesLeft(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	for i := 0; i < 3; i++ {
		if err := WriteJSON(path, map[string]int{"i": i}); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".conductor-tmp-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestWriteRaw_CreatesMissingDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeper", "state.json")
	if err := WriteJSON(path, map[string]int{"n": 1}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("stat: %v", err)
	}
}

func TestReadJSON_NotExist(t *testing.T) {
	var v map[string]any
	err := ReadJSON(filepath.Join(t.TempDir(), "missing.json"), &v)
	if !errors.Is(err, ErrNotExist) {
		t.Fatalf("got %v, want ErrNotExist", err)
	}
}

func TestReadJSON_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte(`{"tasks": {`), 0644); err != nil {
		t.Fatal(err)
	}
	var v map[string]any
	err := ReadJSON(path, &v)
	var corrupt *CorruptError
	if !errors.As(err, &corrupt) {
		t.Fatalf("got %v, want *CorruptError", err)
	}
	if corrupt.Path != path {
		t.Errorf("path: got %q, want %q", corrupt.Path, path)
	}
}

func TestWriteYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conductor.yaml")
	if err := WriteYAML(path, map[string]any{"limits": map[string]int{"capacity": 3}}); err != nil {
		t.Fatalf("WriteYAML: %v", err)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]map[string]int
	if err := yamlv3.Unmarshal(content, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["limits"]["capacity"] != 3 {
		t.Errorf("capacity: got %d, want 3", out["limits"]["capacity"])
	}
}
