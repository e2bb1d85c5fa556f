// Package scaffold writes a starter node configuration.
package scaffold

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"github.com/dyluth/sidenode/internal/config"
	"github.com/dyluth/sidenode/internal/printer"
)

//go:embed templates/*
var templatesFS embed.FS

// Generated files, relative to the target directory.
const (
	ConfigFile     = "sidenode.yml"
	DockerfileFile = "Dockerfile.plugin"
)

// Options are substituted into the configuration template.
type Options struct {
	Instance   string
	ChainID    string
	StartBlock uint64
}

// FileInfo represents a file to be created during initialization
type FileInfo struct {
	Path        string
	Content     []byte
	Permissions os.FileMode
}

// Initialize writes the starter files into dir. With force, existing files
// are replaced.
func Initialize(dir string, opts Options, force bool) ([]FileInfo, error) {
	if force {
		if err := handleForce(dir); err != nil {
			return nil, err
		}
	}

	files, err := getTemplateFiles(opts)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	for _, file := range files {
		path := filepath.Join(dir, file.Path)
		if err := os.WriteFile(path, file.Content, file.Permissions); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", path, err)
		}
	}

	// The generated configuration must load as-is
	if _, err := config.Load(filepath.Join(dir, ConfigFile)); err != nil {
		return nil, fmt.Errorf("generated %s is invalid: %w", ConfigFile, err)
	}

	return files, nil
}

func handleForce(dir string) error {
	for _, name := range []string{ConfigFile, DockerfileFile} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			printer.Warning("Removing existing %s...\n", name)
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("failed to remove %s: %w", name, err)
			}
		}
	}
	return nil
}

func getTemplateFiles(opts Options) ([]FileInfo, error) {
	cfgTmpl, err := template.ParseFS(templatesFS, "templates/sidenode.yml.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to read %s template: %w", ConfigFile, err)
	}
	var cfg bytes.Buffer
	if err := cfgTmpl.Execute(&cfg, opts); err != nil {
		return nil, fmt.Errorf("failed to render %s: %w", ConfigFile, err)
	}

	dockerfile, err := templatesFS.ReadFile("templates/Dockerfile.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to read Dockerfile template: %w", err)
	}

	return []FileInfo{
		{Path: ConfigFile, Content: cfg.Bytes(), Permissions: 0644},
		{Path: DockerfileFile, Content: dockerfile, Permissions: 0644},
	}, nil
}

// PrintSuccess lists the created files and what to do next.
func PrintSuccess(files []FileInfo) {
	printer.Success("Initialized sidenode configuration\n")
	printer.Println("\nCreated:")
	for _, f := range files {
		printer.Printf("  ✓ %s\n", f.Path)
	}
	printer.Println("\nNext steps:")
	printer.Println("  1. Point storage.redis_url at your Redis and streamer.nodes at source chain RPC nodes")
	printer.Println("  2. Run 'sidenode' to start the node, or 'sidenode --replay blocks.log' to rebuild a chain")
}
