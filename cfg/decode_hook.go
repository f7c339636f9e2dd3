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
	"encoding"
	"reflect"

	"github.com/mitchellh/mapstructure"
)

// DecodeHook composes the decode hooks viper needs to turn the raw
// key/value map it assembles from flags, env vars and config files into a
// Config: the stock string-to-duration and string-to-slice hooks, plus a
// hook that defers to any field type implementing encoding.TextUnmarshaler
// (LogSeverity, ResolvedPath).
func DecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		textUnmarshalerHookFunc(),
	)
}

// textUnmarshalerHookFunc lets any destination type implementing
// encoding.TextUnmarshaler parse its own string representation, which is
// how LogSeverity and ResolvedPath validate themselves during decode
// instead of after the fact.
func textUnmarshalerHookFunc() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if from.Kind() != reflect.String {
			return data, nil
		}

		toPtr := reflect.New(to)
		unmarshaler, ok := toPtr.Interface().(encoding.TextUnmarshaler)
		if !ok {
			return data, nil
		}

		if err := unmarshaler.UnmarshalText([]byte(data.(string))); err != nil {
			return nil, err
		}
		return toPtr.Elem().Interface(), nil
	}
}
