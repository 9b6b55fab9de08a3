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

// Logging-level constants, mirrored by internal/logger's own TRACE..OFF
// strings so callers can pass cfg.Config.Logging.Severity straight through.
const (
	TRACE   string = "TRACE"
	DEBUG   string = "DEBUG"
	INFO    string = "INFO"
	WARNING string = "WARNING"
	ERROR   string = "ERROR"
	OFF     string = "OFF"
)

// Engine defaults (spec.md §6.5).
const (
	DefaultNodeCapacity         = 1 << 20
	DefaultStringCapacity       = 256 << 20
	DefaultCompressionThreshold = 65536
	DefaultRegionName           = "razorfs"
	DefaultRebalanceInterval    = 4096
	DefaultFilePerm             = "644"
	DefaultDirPerm              = "755"
)
