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

// Package addrgen draws pseudo-random IPv6 addresses from a byte-aligned
// CIDR pool (C3 in the component design).
package addrgen

import (
	"crypto/rand"
	"io"

	"github.com/talismancer/psocket-trace/internal/config"
)

// Random produces a 16-byte IPv6 address whose top cidr.PrefixLen bits
// equal cidr.Base and whose remaining bits are drawn uniformly at random.
//
// Precondition: cidr.PrefixLen is a multiple of 8 and at most 128 (enforced
// by config.Config.Validate / config.ParseCIDR upstream).
func Random(cidr *config.CIDR) [16]byte {
	return RandomFrom(cidr, rand.Reader)
}

// RandomFrom is Random with an injectable entropy source, for testing the
// uniform-low-bits property deterministically.
func RandomFrom(cidr *config.CIDR, entropy io.Reader) [16]byte {
	left := int(cidr.PrefixLen / 8)
	var out [16]byte
	if left < 16 {
		if _, err := io.ReadFull(entropy, out[left:]); err != nil {
			// crypto/rand.Reader does not fail in practice; a failure here
			// would indicate a broken host RNG, which nothing downstream
			// can recover from meaningfully.
			panic("addrgen: entropy source failed: " + err.Error())
		}
	}
	for i := 0; i < left; i++ {
		out[i] = 0
	}
	for i := range out {
		out[i] |= cidr.Base[i]
	}
	return out
}
