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

// GetDefaultLoggingConfig returns the configuration used before any flags
// or config file have been parsed.
func GetDefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Format:   "text",
		Severity: INFO,
		LogRotate: LogRotateConfig{
			BackupFileCount: 10,
			Compress:        true,
			MaxFileSizeMb:   512,
		},
	}
}

// GetDefaultFileSystemConfig returns the permission/ownership defaults
// spec.md §6.5 assigns when no flags override them.
func GetDefaultFileSystemConfig() FileSystemConfig {
	return FileSystemConfig{
		FilePerm: parseOctalOrDefault(DefaultFilePerm, 0o644),
		DirPerm:  parseOctalOrDefault(DefaultDirPerm, 0o755),
		Uid:      -1,
		Gid:      -1,
	}
}

// GetDefaultEngineConfig returns the C1-C7 sizing defaults.
func GetDefaultEngineConfig() EngineConfig {
	return EngineConfig{
		NodeCapacity:         DefaultNodeCapacity,
		StringCapacity:       DefaultStringCapacity,
		CompressionThreshold: DefaultCompressionThreshold,
		RegionName:           DefaultRegionName,
		RebalanceInterval:    DefaultRebalanceInterval,
	}
}
