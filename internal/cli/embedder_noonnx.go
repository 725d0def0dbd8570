//go:build !onnx

package cli

import (
	"errors"

	"github.com/fibzlabs/fibz-memory/memory"
)

func newONNXEmbedder() (memory.Embedder, error) {
	return nil, errors.New("this binary was built without the onnx tag; rebuild with -tags onnx")
}
