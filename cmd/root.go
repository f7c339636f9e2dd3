// Copyright 2024 Google Inc. All Rights Reserved.
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

// Package cmd implements serverctl, a small command-line front end used
// to smoke-test a ServerContext against a data directory. It is not a
// SQL front end: there is no query execution here, just enough plumbing
// to start the storage core, touch a relation, and shut it down cleanly.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/googlecloudplatform/rdbmscore/v2/cfg"
	"github.com/googlecloudplatform/rdbmscore/v2/internal/logger"
	"github.com/googlecloudplatform/rdbmscore/v2/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile       string
	bindErr       error
	configFileErr error
	unmarshalErr  error
	Config        cfg.Config
)

var rootCmd = &cobra.Command{
	Use:   "serverctl",
	Short: "Start and smoke-test a storage-core ServerContext against a data directory",
	Long: `serverctl starts a ServerContext rooted at --data-dir, acquires the
data directory lock, logs the resulting buffer pool and VFD cache sizes,
and exits cleanly. It exists to exercise the core end-to-end without a
SQL front end, which is out of scope for this module.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if bindErr != nil {
			return bindErr
		}
		if configFileErr != nil {
			return configFileErr
		}
		if unmarshalErr != nil {
			return unmarshalErr
		}
		if err := cfg.ValidateConfig(&Config); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		return runServer(&Config)
	},
}

func runServer(c *cfg.Config) error {
	if err := logger.InitLogFile(c.Logging); err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	logger.SetLogFormat(c.Logging.Format)
	defer logger.Close()

	sc, err := server.New(c)
	if err != nil {
		return fmt.Errorf("building server context: %w", err)
	}
	if err := sc.AcquireDataDirLock(); err != nil {
		return err
	}
	defer func() {
		if err := sc.Shutdown(); err != nil {
			logger.Errorf("serverctl: shutdown: %v", err)
		}
	}()

	logger.Infof("serverctl: started against %s (n-buffers=%d, block-size=%d, max-open-files=%d)",
		c.DataDir, c.NBuffers, c.Storage.BlockSizeBytes, c.Storage.MaxOpenFiles)
	return nil
}

// Execute runs the root command, exiting the process with status 1 on
// error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "Path to a YAML config file.")
	bindErr = cfg.BindFlags(rootCmd.PersistentFlags())
}

func initConfig() {
	decodeHook := viper.DecodeHook(cfg.DecodeHook())

	if cfgFile == "" {
		unmarshalErr = viper.Unmarshal(&Config, decodeHook)
		return
	}

	resolved, err := filepath.Abs(cfgFile)
	if err != nil {
		configFileErr = fmt.Errorf("resolving config file path: %w", err)
		return
	}
	viper.SetConfigFile(resolved)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		configFileErr = fmt.Errorf("reading config file: %w", err)
		return
	}
	unmarshalErr = viper.Unmarshal(&Config, decodeHook)
}
