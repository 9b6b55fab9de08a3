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
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// hookFunc teaches viper's mapstructure decoder how to turn the plain
// strings flags and YAML produce into Octal and LogSeverity, the same way
// the teacher's own hookFunc does for its (larger) set of custom types.
func hookFunc() mapstructure.DecodeHookFuncType {
	return func(f, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		s := data.(string)
		switch t {
		case reflect.TypeOf(Octal(0)):
			return strconv.ParseInt(s, 8, 32)
		case reflect.TypeOf(LogSeverity("")):
			level := strings.ToUpper(s)
			if !IsValidLogSeverity(level) {
				return nil, fmt.Errorf("invalid log severity: %s", s)
			}
			return level, nil
		default:
			return data, nil
		}
	}
}

// DecodeHook is passed to viper.Unmarshal via viper.DecodeHook so that
// Config's Octal fields and its log severity string decode correctly from
// flags, environment variables and YAML alike.
func DecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		hookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
	)
}
