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

package crashlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteAppendsRecord(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "crash.log")

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Write("worker.1", "boom", "nullinterp:3: in main chunk"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "worker.1: boom\nnullinterp:3: in main chunk\n", string(data))
}

func TestEmptyPathDiscards(t *testing.T) {
	s, err := Open("")
	require.NoError(t, err)
	require.NoError(t, s.Write("x", "y", "z"))
	require.NoError(t, s.Close())
}
