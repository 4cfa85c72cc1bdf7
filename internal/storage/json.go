package storage

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	tasksFile        = "tasks.json"
	repositoriesFile = "repositories.json"
)

//go:embed schema/*.schema.json
var schemaFS embed.FS

// JSONFiles persists snapshots as indented JSON files. Writes go to a
// temporary file that is synced and renamed over the target.
type JSONFiles struct {
	dir            string
	tasksSchema    *jsonschema.Schema
	registrySchema *jsonschema.Schema
}

// NewJSONFiles creates a backend storing its files in dir.
func NewJSONFiles(dir string) (*JSONFiles, error) {
	tasksSchema, err := compileSchema("schema/tasks.schema.json")
	if err != nil {
		return nil, err
	}
	registrySchema, err := compileSchema("schema/repositories.schema.json")
	if err != nil {
		return nil, err
	}
	return &JSONFiles{dir: dir, tasksSchema: tasksSchema, registrySchema: registrySchema}, nil
}

func compileSchema(name string) (*jsonschema.Schema, error) {
	data, err := schemaFS.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", name, err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, strings.NewReader(string(data))); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", name, err)
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return schema, nil
}

// Close implements Backend.
func (j *JSONFiles) Close() error { return nil }

// LoadTasks implements Backend.
func (j *JSONFiles) LoadTasks() (*TaskState, error) {
	state := &TaskState{}
	if err := j.load(tasksFile, j.tasksSchema, state); err != nil {
		return nil, err
	}
	return state, nil
}

// SaveTasks implements Backend.
func (j *JSONFiles) SaveTasks(state *TaskState) error {
	return j.save(tasksFile, state)
}

// LoadRegistry implements Backend.
func (j *JSONFiles) LoadRegistry() (*RegistryState, error) {
	state := &RegistryState{}
	if err := j.load(repositoriesFile, j.registrySchema, state); err != nil {
		return nil, err
	}
	return state, nil
}

// SaveRegistry implements Backend.
func (j *JSONFiles) SaveRegistry(state *RegistryState) error {
	return j.save(repositoriesFile, state)
}

// load decodes a snapshot file after validating it. A missing file leaves
// out untouched.
func (j *JSONFiles) load(name string, schema *jsonschema.Schema, out any) error {
	path := filepath.Join(j.dir, name)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("validate %s: %w", path, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (j *JSONFiles) save(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	data = append(data, '\n')
	return writeFileAtomic(filepath.Join(j.dir, name), data)
}

// writeFileAtomic replaces path with data so that readers see either the old
// or the new content, even across a crash.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		return fmt.Errorf("chmod %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
