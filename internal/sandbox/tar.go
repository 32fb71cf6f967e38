package sandbox

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
)

const recipeName = "Containerfile"

// recipeContext wraps the recipe in a single-file tar stream, which is the
// build context shape the engine API expects.
func recipeContext(recipe io.Reader) (io.Reader, error) {
	data, err := io.ReadAll(recipe)
	if err != nil {
		return nil, fmt.Errorf("failed to read recipe: %w", err)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	header := &tar.Header{
		Name: recipeName,
		Mode: 0644,
		Size: int64(len(data)),
	}
	if err := tw.WriteHeader(header); err != nil {
		tw.Close()
		return nil, fmt.Errorf("failed to write tar header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		tw.Close()
		return nil, fmt.Errorf("failed to write recipe: %w", err)
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize tar archive: %w", err)
	}
	return &buf, nil
}
