// Copyright (c) 2023 HostVirt Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParsePciAddress(t *testing.T) {
	type testData struct {
		addrStr  string
		expected PciAddress
		valid    bool
	}

	data := []testData{
		{"0000:03:00.0", PciAddress{0, 3, 0, 0}, true},
		{"0000:03:00.1", PciAddress{0, 3, 0, 1}, true},
		{"0001:a0:1f.7", PciAddress{1, 0xa0, 0x1f, 7}, true},
		{"03:00.0", PciAddress{}, false},
		{"0000:03:00", PciAddress{}, false},
		{"0000:03:00.8", PciAddress{}, false},
		{"garbage", PciAddress{}, false},
		{"", PciAddress{}, false},
	}

	for _, d := range data {
		addr, err := ParsePciAddress(d.addrStr)
		if !d.valid {
			assert.Error(t, err, "address %q", d.addrStr)
			continue
		}
		assert.NoError(t, err, "address %q", d.addrStr)
		assert.Equal(t, d.expected, addr)
		assert.Equal(t, d.addrStr, addr.String())
	}
}

func TestPciAddressCompare(t *testing.T) {
	assert := assert.New(t)

	a := PciAddress{0, 3, 0, 0}
	b := PciAddress{0, 3, 0, 1}
	c := PciAddress{1, 0, 0, 0}

	assert.Equal(0, a.Compare(a))
	assert.Equal(-1, a.Compare(b))
	assert.Equal(1, b.Compare(a))
	assert.Equal(-1, b.Compare(c))
	assert.Equal(1, c.Compare(a))
}

func TestPciAddressOnSameSlot(t *testing.T) {
	assert := assert.New(t)

	a := PciAddress{0, 3, 0, 0}

	assert.True(a.OnSameSlot(PciAddress{0, 3, 0, 1}))
	assert.True(a.OnSameSlot(a))
	assert.False(a.OnSameSlot(PciAddress{0, 3, 1, 0}))
	assert.False(a.OnSameSlot(PciAddress{0, 4, 0, 0}))
	assert.False(a.OnSameSlot(PciAddress{1, 3, 0, 0}))
}
