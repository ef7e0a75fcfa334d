// Copyright 2018 The gVisor Authors.
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

package addrgen

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/talismancer/psocket-trace/internal/config"
)

func TestRandomFromRespectsPrefix(t *testing.T) {
	cidr := &config.CIDR{PrefixLen: 16}
	cidr.Base[0], cidr.Base[1] = 0xfd, 0x00

	entropy := bytes.NewReader(bytes.Repeat([]byte{0xff}, 16))
	addr := RandomFrom(cidr, entropy)

	require.Equal(t, byte(0xfd), addr[0])
	require.Equal(t, byte(0x00), addr[1])
	for i := 2; i < 16; i++ {
		require.Equal(t, byte(0xff), addr[i])
	}
}

func TestRandomFromZeroPrefixDrawsWholeAddress(t *testing.T) {
	cidr := &config.CIDR{PrefixLen: 0}
	entropy := bytes.NewReader(bytes.Repeat([]byte{0xab}, 16))
	addr := RandomFrom(cidr, entropy)
	for _, b := range addr {
		require.Equal(t, byte(0xab), b)
	}
}

func TestRandomFromFullPrefixIgnoresEntropy(t *testing.T) {
	cidr := &config.CIDR{PrefixLen: 128}
	for i := range cidr.Base {
		cidr.Base[i] = byte(i)
	}
	addr := RandomFrom(cidr, bytes.NewReader(nil))
	require.Equal(t, cidr.Base, addr)
}
