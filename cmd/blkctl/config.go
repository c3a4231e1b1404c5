package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tailscale/hujson"
)

// config holds the options blkctl needs to open or format a device image.
// Precedence, lowest to highest: defaults, config file, CLI flags.
type config struct {
	BlockSize int `json:"block_size"` //nolint:tagliatelle // snake_case for config file
	NRBlocks  int `json:"nr_blocks"`  //nolint:tagliatelle // snake_case for config file
}

func defaultConfig() config {
	return config{BlockSize: 4096, NRBlocks: 256}
}

// loadConfig reads a JSON5/commented config file (hujson: JSON plus
// comments and trailing commas) and merges it over the defaults. A missing
// path is not an error; it just means no file was loaded.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()

	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}

		return config{}, fmt.Errorf("reading config %q: %w", path, err)
	}

	std, err := hujson.Standardize(raw)
	if err != nil {
		return config{}, fmt.Errorf("parsing config %q: %w", path, err)
	}

	if err := json.Unmarshal(std, &cfg); err != nil {
		return config{}, fmt.Errorf("decoding config %q: %w", path, err)
	}

	return cfg, nil
}

// applyFlagOverrides layers explicitly-set CLI flags over cfg.
func applyFlagOverrides(cfg config, blockSizeSet, nrBlocksSet bool, blockSize, nrBlocks int) config {
	if blockSizeSet {
		cfg.BlockSize = blockSize
	}

	if nrBlocksSet {
		cfg.NRBlocks = nrBlocks
	}

	return cfg
}
