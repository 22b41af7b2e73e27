// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"os"

	"github.com/myriadlabs/udpchan/config"
	"github.com/myriadlabs/udpchan/pkg/log"
)

// loadConfig reads the YAML file at path (if any), layers flags on top, and
// installs the resulting log level and emitter on the global logger before
// returning the merged Config.
func loadConfig(path string, flags *config.Flags) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	flags.Apply(&cfg)

	switch cfg.LogLevel {
	case "debug":
		log.SetLevel(log.Debug)
	case "warning":
		log.SetLevel(log.Warning)
	default:
		log.SetLevel(log.Info)
	}

	w := &log.Writer{Next: os.Stderr}
	switch cfg.LogFormat {
	case config.LogFormatJSON:
		log.SetTarget(log.JSONEmitter{Writer: w})
	default:
		log.SetTarget(log.GoogleEmitter{Writer: w})
	}

	return cfg, nil
}
