// Copyright 2022 IBM Corp. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the replica configuration. Configuration problems are
// fatal at startup; nothing here is consulted after initialization.
package config

import (
	"io/ioutil"
	"time"

	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
	"gopkg.in/yaml.v2"
)

var Config configuration

type configuration struct {
	Address  string `yaml:"address"`   // local bind IP
	BasePort uint16 `yaml:"base_port"` // local port

	// Comma-separated ip:port list. The order defines the initial view;
	// member 0 is the initial leader.
	InitialMembership string `yaml:"initial_membership"`

	ReconnectTimeMs int `yaml:"reconnect_time"` // ms between reconnect attempts
	LeaderTimeoutMs int `yaml:"leader_timeout"` // ms of leader silence tolerated
	StartupGraceMs  int `yaml:"startup_grace"`  // ms to wait for peers before connecting

	CryptoName    string `yaml:"crypto_name"`    // own logical key name
	KeyFile       string `yaml:"key_file"`       // own private key (PEM)
	TruststoreDir string `yaml:"truststore_dir"` // <name>.pem certificates

	OpsStorePath string `yaml:"ops_store_path"` // empty: in-memory operation store
	JournalPath  string `yaml:"journal_path"`   // empty: journal disabled

	Logging string `yaml:"logging"` // zerolog level
}

func LoadFile(configFileName string) {
	f, err := ioutil.ReadFile(configFileName)
	if err != nil {
		logger.Fatal().Err(err).Str("file", configFileName).Msg("Could not read config file.")
	}

	if err := yaml.Unmarshal(f, &Config); err != nil {
		logger.Fatal().Err(err).Str("file", configFileName).Msg("Could not unmarshal config file.")
	}

	if Config.InitialMembership == "" {
		logger.Fatal().Str("file", configFileName).Msg("Config is missing initial_membership.")
	}
	if Config.ReconnectTimeMs <= 0 || Config.LeaderTimeoutMs <= 0 {
		logger.Fatal().Msg("Config must set positive reconnect_time and leader_timeout.")
	}
	if Config.StartupGraceMs == 0 {
		Config.StartupGraceMs = 10000
	}

	logger.Debug().Str("address", Config.Address).Msg("Loaded config.")
	logger.Debug().Uint16("basePort", Config.BasePort).Msg("Loaded config.")
	logger.Debug().Str("initialMembership", Config.InitialMembership).Msg("Loaded config.")
	logger.Debug().Int("reconnectTime", Config.ReconnectTimeMs).Msg("Loaded config.")
	logger.Debug().Int("leaderTimeout", Config.LeaderTimeoutMs).Msg("Loaded config.")
	logger.Debug().Str("cryptoName", Config.CryptoName).Msg("Loaded config.")
	logger.Debug().Str("keyFile", Config.KeyFile).Msg("Loaded config.")
	logger.Debug().Str("truststoreDir", Config.TruststoreDir).Msg("Loaded config.")
}

// LoggingLevel maps the configured level name to a zerolog level, defaulting
// to info.
func LoggingLevel() zerolog.Level {
	lvl, err := zerolog.ParseLevel(Config.Logging)
	if err != nil || Config.Logging == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

func (c *configuration) ReconnectTime() time.Duration {
	return time.Duration(c.ReconnectTimeMs) * time.Millisecond
}

func (c *configuration) LeaderTimeout() time.Duration {
	return time.Duration(c.LeaderTimeoutMs) * time.Millisecond
}

func (c *configuration) StartupGrace() time.Duration {
	return time.Duration(c.StartupGraceMs) * time.Millisecond
}
