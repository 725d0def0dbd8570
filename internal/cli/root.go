// Package cli implements the fibzmem CLI commands.
package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/fibzlabs/fibz-memory/memory"
	"github.com/fibzlabs/fibz-memory/memory/embedder/mock"
	"github.com/fibzlabs/fibz-memory/memory/embedder/openai"
	"github.com/fibzlabs/fibz-memory/memory/store/chroma"
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "fibzmem",
	Short: "Inspect and manage the bot's long-term memory",
	Long: "fibzmem talks to the same vector index the bot uses: query memories,\n" +
		"dump self-context, and migrate legacy JSON histories into the index.",
	SilenceUsage: true,
}

func init() {
	RootCmd.PersistentFlags().String("chroma-url", "", "Chroma base URL (default: $CHROMA_URL or http://127.0.0.1:8000)")
	RootCmd.PersistentFlags().String("prefix", "", "Collection name prefix (default: $CHROMA_COLLECTION_PREFIX or fibz)")
	RootCmd.PersistentFlags().String("embedder", "mock", "Embedder: mock, openai, or onnx (onnx needs a binary built with the onnx tag)")
	RootCmd.PersistentFlags().String("onnx-model", "", "ONNX model file for --embedder=onnx")
	RootCmd.PersistentFlags().String("onnx-tokenizer", "", "tokenizer.json for --embedder=onnx")

	viper.BindPFlag("chroma_url", RootCmd.PersistentFlags().Lookup("chroma-url"))
	viper.BindPFlag("collection_prefix", RootCmd.PersistentFlags().Lookup("prefix"))
	viper.BindPFlag("embedder", RootCmd.PersistentFlags().Lookup("embedder"))
	viper.BindPFlag("onnx_model", RootCmd.PersistentFlags().Lookup("onnx-model"))
	viper.BindPFlag("onnx_tokenizer", RootCmd.PersistentFlags().Lookup("onnx-tokenizer"))

	viper.SetEnvPrefix("FIBZ")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func newLogger() *zap.SugaredLogger {
	log, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return log.Sugar()
}

func newService(log *zap.SugaredLogger) (*memory.Service, error) {
	cfg := chroma.ResolveConfigFromEnv()
	if url := viper.GetString("chroma_url"); url != "" {
		cfg.URL = url
	}
	if prefix := viper.GetString("collection_prefix"); prefix != "" {
		cfg.CollectionPrefix = prefix
	}
	store := chroma.New(log, cfg)

	var embedder memory.Embedder
	switch viper.GetString("embedder") {
	case "", "mock":
		embedder = mock.New()
	case "openai":
		embedder = openai.New(openai.Config{
			APIKey: os.Getenv("OPENAI_API_KEY"),
		})
	case "onnx":
		var err error
		embedder, err = newONNXEmbedder()
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown embedder %q", viper.GetString("embedder"))
	}

	return memory.NewService(store, embedder, memory.WithLogger(log)), nil
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
