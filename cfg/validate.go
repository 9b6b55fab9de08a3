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

import "fmt"

// Validate rejects a Config that would leave the engine unable to mount,
// the way the teacher's own validate.go bounds-checks its metadata-cache
// TTLs before a mount is attempted.
func (c *Config) Validate() error {
	if c.Engine.NodeCapacity <= 0 {
		return fmt.Errorf("engine.node-capacity must be positive, got %d", c.Engine.NodeCapacity)
	}
	if c.Engine.StringCapacity <= 0 {
		return fmt.Errorf("engine.string-capacity must be positive, got %d", c.Engine.StringCapacity)
	}
	if c.Engine.CompressionThreshold < 0 {
		return fmt.Errorf("engine.compression-threshold cannot be negative, got %d", c.Engine.CompressionThreshold)
	}
	if c.Engine.RegionName == "" {
		return fmt.Errorf("engine.region-name cannot be empty")
	}
	if !IsValidLogSeverity(c.Logging.Severity) {
		return fmt.Errorf("logging.severity %q is not one of TRACE, DEBUG, INFO, WARNING, ERROR, OFF", c.Logging.Severity)
	}
	return nil
}
