/*
 * Copyright 2024 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package nullinterp

import (
	"bytes"
	"encoding/gob"
)

// Encode serializes a Program to the byte buffer Service.LoadSource expects
// as "source code". This stands in for compiling real script source.
func Encode(p Program) []byte {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(p); err != nil {
		panic(err) // Program contains no unencodable types; a failure here is a bug
	}
	return buf.Bytes()
}

// Decode is the inverse of Encode.
func Decode(b []byte) (Program, error) {
	var p Program
	if len(b) == 0 {
		return p, nil
	}
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&p); err != nil {
		return nil, ErrNotProgram
	}
	return p, nil
}
