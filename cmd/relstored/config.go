// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"

	"github.com/reldb-project/reldb/engine"
)

// fileConfig is the on-disk shape of a relstored deployment's config
// file: listen address plus the engine tunables, loaded as YAML and
// converted to JSON internally by sigs.k8s.io/yaml.
type fileConfig struct {
	Listen       string `json:"listen"`
	TablesDir    string `json:"tables_dir"`
	BPlusOrder   int    `json:"bplus_order"`
	LeafCapacity int    `json:"leaf_capacity"`
	BucketSize   int    `json:"bucket_size"`
}

func defaultConfig() fileConfig {
	return fileConfig{Listen: "127.0.0.1:8080", TablesDir: "tables"}
}

func loadConfig(path string) (fileConfig, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("relstored: reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return cfg, fmt.Errorf("relstored: parsing config %s: %w", path, err)
	}
	return cfg, nil
}

func (c fileConfig) engineConfig() engine.Config {
	return engine.Config{
		TablesDir:    c.TablesDir,
		BPlusOrder:   c.BPlusOrder,
		LeafCapacity: c.LeafCapacity,
		BucketSize:   c.BucketSize,
	}
}
