// Copyright 2024 Google LLC
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

package cfg

import (
	"testing"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		Engine:     GetDefaultEngineConfig(),
		FileSystem: GetDefaultFileSystemConfig(),
		Logging:    GetDefaultLoggingConfig(),
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	c := validConfig()
	require.NoError(t, c.Validate())
}

func TestValidateRejectsNonPositiveNodeCapacity(t *testing.T) {
	c := validConfig()
	c.Engine.NodeCapacity = 0
	require.Error(t, c.Validate())
}

func TestValidateRejectsEmptyRegionName(t *testing.T) {
	c := validConfig()
	c.Engine.RegionName = ""
	require.Error(t, c.Validate())
}

func TestValidateRejectsUnknownSeverity(t *testing.T) {
	c := validConfig()
	c.Logging.Severity = "VERBOSE"
	require.Error(t, c.Validate())
}

func TestBindFlagsRegistersEveryEngineFlag(t *testing.T) {
	flagSet := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.NoError(t, BindFlags(flagSet))

	for _, name := range []string{
		"node-capacity", "string-capacity", "compression-threshold",
		"region-name", "wal-path", "rebalance-interval",
		"file-perm", "dir-perm", "uid", "gid",
		"log-format", "log-severity", "log-file",
		"debug_invariants", "debug_mutex",
	} {
		require.NotNil(t, flagSet.Lookup(name), "flag %s not registered", name)
	}
}

func TestDecodeHookParsesOctalFromFlag(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	flagSet := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.NoError(t, BindFlags(flagSet))
	require.NoError(t, flagSet.Set("file-perm", "600"))

	var c Config
	tagName := func(dc *mapstructure.DecoderConfig) { dc.TagName = "yaml" }
	require.NoError(t, viper.Unmarshal(&c, viper.DecodeHook(DecodeHook()), tagName))
	require.EqualValues(t, 0o600, c.FileSystem.FilePerm)
}
