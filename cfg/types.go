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
	"strconv"
	"strings"
)

// Octal is the datatype for params such as file-mode and dir-mode which
// accept a base-8 value.
type Octal int

func (o *Octal) UnmarshalText(text []byte) error {
	v, err := strconv.ParseInt(string(text) /*base=*/, 8 /*bitSize=*/, 32)
	if err != nil {
		return err
	}
	*o = Octal(v)
	return nil
}

func (o Octal) MarshalText() ([]byte, error) {
	return []byte(strconv.FormatInt(int64(o), 8)), nil
}

func (o Octal) String() string { return fmt.Sprintf("%o", int(o)) }

// LogSeverity represents the logging severity and can accept the following
// values: "TRACE", "DEBUG", "INFO", "WARNING", "ERROR", "OFF".
type LogSeverity string

const (
	TraceLogSeverity   LogSeverity = "TRACE"
	DebugLogSeverity   LogSeverity = "DEBUG"
	InfoLogSeverity    LogSeverity = "INFO"
	WarningLogSeverity LogSeverity = "WARNING"
	ErrorLogSeverity   LogSeverity = "ERROR"
	OffLogSeverity     LogSeverity = "OFF"
)

var severityRanking = map[LogSeverity]int{
	TraceLogSeverity:   0,
	DebugLogSeverity:   1,
	InfoLogSeverity:    2,
	WarningLogSeverity: 3,
	ErrorLogSeverity:   4,
	OffLogSeverity:     5,
}

func (l *LogSeverity) UnmarshalText(text []byte) error {
	level := LogSeverity(strings.ToUpper(string(text)))
	if _, ok := severityRanking[level]; !ok {
		return fmt.Errorf("invalid log severity level: %s. Must be one of [TRACE, DEBUG, INFO, WARNING, ERROR, OFF]", text)
	}
	*l = level
	return nil
}

// Rank returns the integer representation of the severity rank, used to
// decide whether a given call site's level is enabled. Returns -1 if the
// severity is unknown.
func (l LogSeverity) Rank() int {
	if rank, ok := severityRanking[l]; ok {
		return rank
	}
	return -1
}

// IsValidLogSeverity reports whether s is one of the six recognized severity strings.
func IsValidLogSeverity(s string) bool {
	_, ok := severityRanking[LogSeverity(strings.ToUpper(s))]
	return ok
}

// parseOctalOrDefault is used by defaults.go to seed Octal fields without
// risking a malformed literal at compile time.
func parseOctalOrDefault(s string, def Octal) Octal {
	v, err := strconv.ParseInt(s, 8, 32)
	if err != nil {
		return def
	}
	return Octal(v)
}
