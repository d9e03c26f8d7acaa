package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// MemorySource serves a document held in memory. Set bumps the version when
// the caller leaves it unchanged.
type MemorySource struct {
	mu  sync.RWMutex
	doc Document
}

// NewMemorySource creates a source serving doc.
func NewMemorySource(doc Document) *MemorySource {
	return &MemorySource{doc: cloneDocument(&doc)}
}

func (m *MemorySource) Load(_ context.Context) (*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d := cloneDocument(&m.doc)
	return &d, nil
}

// Set replaces the served document.
func (m *MemorySource) Set(doc Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if doc.Version <= m.doc.Version {
		doc.Version = m.doc.Version + 1
	}
	m.doc = cloneDocument(&doc)
}

// FileSource reads a YAML or JSON document from disk on every load.
// Files without a version field are versioned by modification time.
type FileSource struct {
	path string
}

// NewFileSource creates a source reading path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (f *FileSource) Load(_ context.Context) (*Document, error) {
	info, err := os.Stat(f.path)
	if err != nil {
		return nil, fmt.Errorf("stat policy file: %w", err)
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	doc, err := ParseDocument(data, filepath.Ext(f.path))
	if err != nil {
		return nil, err
	}
	if doc.Version == 0 {
		doc.Version = info.ModTime().Unix()
	}
	return doc, nil
}

// ParseDocument decodes a document. ext selects JSON for ".json" and YAML
// otherwise.
func ParseDocument(data []byte, ext string) (*Document, error) {
	var doc Document
	var err error
	if strings.EqualFold(ext, ".json") {
		err = json.Unmarshal(data, &doc)
	} else {
		err = yaml.Unmarshal(data, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return &doc, nil
}
