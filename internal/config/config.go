// Package config reads project option files for aotc. YAML and TOML are
// both accepted; the format is chosen by file extension.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/aot/internal/compiler"
	"github.com/tinyrange/aot/internal/target"
)

const (
	BackendObject = "object"
	BackendLLVM   = "llvm"

	DefaultObjectOutput = "a.out"
	DefaultLLVMOutput   = "a.ll"
)

// File is the contents of an options file. Command-line flags override it.
type File struct {
	Manifest string `yaml:"manifest,omitempty" toml:"manifest,omitempty"`
	Output   string `yaml:"output,omitempty" toml:"output,omitempty"`
	Arch     string `yaml:"arch,omitempty" toml:"arch,omitempty"`
	// Backend is "object" (default) or "llvm".
	Backend string `yaml:"backend,omitempty" toml:"backend,omitempty"`

	NoLineNumbers bool   `yaml:"noLineNumbers,omitempty" toml:"no-line-numbers,omitempty"`
	DgmlLog       string `yaml:"dgmlLog,omitempty" toml:"dgml-log,omitempty"`
	FullLog       bool   `yaml:"fullLog,omitempty" toml:"full-log,omitempty"`

	Skip []compiler.TypeAndMethod `yaml:"skip,omitempty" toml:"skip,omitempty"`
}

func (f *File) normalize() {
	f.Backend = strings.ToLower(strings.TrimSpace(f.Backend))
	if f.Backend == "" {
		f.Backend = BackendObject
	}
	if f.Output == "" {
		if f.Backend == BackendLLVM {
			f.Output = DefaultLLVMOutput
		} else {
			f.Output = DefaultObjectOutput
		}
	}
}

// Defaults returns the options used when no file is given.
func Defaults() File {
	var f File
	f.normalize()
	return f
}

// Load reads the options file at path. Relative manifest paths are resolved
// against the file's directory.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read %s: %w", path, err)
	}

	var f File
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &f)
	case ".toml":
		err = toml.Unmarshal(data, &f)
	default:
		return File{}, fmt.Errorf("%s: unknown options format %q", path, ext)
	}
	if err != nil {
		return File{}, fmt.Errorf("parse %s: %w", path, err)
	}

	if f.Manifest != "" && !filepath.IsAbs(f.Manifest) {
		f.Manifest = filepath.Join(filepath.Dir(path), f.Manifest)
	}
	f.normalize()
	if err := f.Validate(); err != nil {
		return File{}, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

func (f File) Validate() error {
	switch f.Backend {
	case BackendObject, BackendLLVM:
	default:
		return fmt.Errorf("unknown backend %q", f.Backend)
	}
	if f.Arch != "" {
		if _, err := target.ParseArchitecture(f.Arch); err != nil {
			return err
		}
	}
	for i, s := range f.Skip {
		if s.TypeName == "" || s.MethodName == "" {
			return fmt.Errorf("skip[%d]: both type and method are required", i)
		}
	}
	if f.FullLog && f.DgmlLog == "" {
		return fmt.Errorf("fullLog requires dgmlLog")
	}
	return nil
}

func (f File) Options() compiler.Options {
	return compiler.Options{
		TextualBackend: f.Backend == BackendLLVM,
		NoLineNumbers:  f.NoLineNumbers,
		DgmlLog:        f.DgmlLog,
		FullLog:        f.FullLog,
		SkipMethods:    append([]compiler.TypeAndMethod(nil), f.Skip...),
	}
}
