//go:build onnx

package cli

import (
	"github.com/spf13/viper"

	"github.com/fibzlabs/fibz-memory/memory"
	"github.com/fibzlabs/fibz-memory/memory/embedder/onnx"
)

func newONNXEmbedder() (memory.Embedder, error) {
	return onnx.New(onnx.Config{
		ModelPath:     viper.GetString("onnx_model"),
		TokenizerPath: viper.GetString("onnx_tokenizer"),
	})
}
