package sandbox

import (
	"bytes"
	_ "embed"
	"io"
)

//go:embed Containerfile
var containerfile []byte

// Recipe returns a fresh reader over the embedded build recipe.
func Recipe() io.Reader {
	return bytes.NewReader(containerfile)
}
