package transformer

import (
	"encoding/json"
	"fmt"
	"os"
)

// PositionalStrategy selects how position information enters the embeddings.
type PositionalStrategy string

const (
	// Additive adds a sinusoidal table to the embeddings.
	Additive PositionalStrategy = "additive"
	// Projection concatenates sine and cosine tables to the embeddings and
	// maps the result back to the model width with a learned linear layer.
	Projection PositionalStrategy = "projection"
)

const (
	DefaultLayerNormEps = 1e-5
	feedForwardFactor   = 4
)

// Config fixes the architecture for the lifetime of a model.
type Config struct {
	SourceVocabSize    int                `json:"source_vocab_size"`
	TargetVocabSize    int                `json:"target_vocab_size"`
	Size               int                `json:"size"`
	NumLayers          int                `json:"n_layers"`
	NumHeads           int                `json:"n_heads"`
	FeedForwardSize    int                `json:"feed_forward_size"` // 0 means 4*Size
	Dropout            float64            `json:"dropout"`
	PaddingIdx         int                `json:"padding_idx"`
	PositionalEncoding PositionalStrategy `json:"positional_encoding"`

	// ShareEmbedding ties the output projection to the decoder embedding.
	ShareEmbedding bool `json:"share_embedding"`
	// ShareSourceEmbedding also ties the encoder embedding to the decoder
	// embedding; both vocabularies must then be the same size.
	ShareSourceEmbedding bool `json:"share_source_embedding"`

	LayerNormEps float64 `json:"layer_norm_eps"`
}

// LoadConfig reads a JSON config file and normalises it.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()
	return cfg, nil
}

// Normalize fills defaulted fields.
func (c *Config) Normalize() {
	if c.FeedForwardSize == 0 {
		c.FeedForwardSize = feedForwardFactor * c.Size
	}
	switch c.PositionalEncoding {
	case "", "addition":
		c.PositionalEncoding = Additive
	}
	if c.LayerNormEps == 0 {
		c.LayerNormEps = DefaultLayerNormEps
	}
}

// Validate reports the first problem with c. Call Normalize first.
func (c Config) Validate() error {
	switch {
	case c.SourceVocabSize <= 0 || c.TargetVocabSize <= 0:
		return fmt.Errorf("%w: vocab sizes must be positive (source %d, target %d)", ErrConfig, c.SourceVocabSize, c.TargetVocabSize)
	case c.Size <= 0 || c.NumLayers <= 0 || c.NumHeads <= 0 || c.FeedForwardSize <= 0:
		return fmt.Errorf("%w: size %d, n_layers %d, n_heads %d, feed_forward_size %d must be positive",
			ErrConfig, c.Size, c.NumLayers, c.NumHeads, c.FeedForwardSize)
	case c.Size%c.NumHeads != 0:
		return fmt.Errorf("%w: size %d not divisible by n_heads %d", ErrShape, c.Size, c.NumHeads)
	case c.Dropout < 0 || c.Dropout >= 1:
		return fmt.Errorf("%w: dropout %v outside [0, 1)", ErrConfig, c.Dropout)
	case c.PaddingIdx < 0 || c.PaddingIdx >= c.SourceVocabSize || c.PaddingIdx >= c.TargetVocabSize:
		return fmt.Errorf("%w: padding_idx %d outside vocabularies (%d, %d)", ErrConfig, c.PaddingIdx, c.SourceVocabSize, c.TargetVocabSize)
	case c.PositionalEncoding != Additive && c.PositionalEncoding != Projection:
		return fmt.Errorf("%w: unknown positional encoding %q", ErrConfig, c.PositionalEncoding)
	case c.ShareSourceEmbedding && c.SourceVocabSize != c.TargetVocabSize:
		return fmt.Errorf("%w: sharing the source embedding needs equal vocabularies, got %d and %d",
			ErrConfig, c.SourceVocabSize, c.TargetVocabSize)
	case c.LayerNormEps <= 0:
		return fmt.Errorf("%w: layer_norm_eps %v must be positive", ErrConfig, c.LayerNormEps)
	}
	return nil
}

// HeadSize is the per-head projection width.
func (c Config) HeadSize() int { return c.Size / c.NumHeads }
