package wire

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zde37/dhtp/pkg/hash"
)

func TestHashRangeSplit(t *testing.T) {
	tests := []struct {
		name         string
		r            HashRange
		lower, upper HashRange
	}{
		{
			name:  "full ring",
			r:     FullRange(),
			lower: HashRange{Low: 0, High: 1073741823},
			upper: HashRange{Low: 1073741824, High: hash.MaxHash},
		},
		{
			name:  "upper half again",
			r:     HashRange{Low: 1073741824, High: hash.MaxHash},
			lower: HashRange{Low: 1073741824, High: 1610612735},
			upper: HashRange{Low: 1610612736, High: hash.MaxHash},
		},
		{
			name:  "two values",
			r:     HashRange{Low: 7, High: 8},
			lower: HashRange{Low: 7, High: 7},
			upper: HashRange{Low: 8, High: 8},
		},
		{
			name:  "odd size",
			r:     HashRange{Low: 10, High: 14},
			lower: HashRange{Low: 10, High: 12},
			upper: HashRange{Low: 13, High: 14},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.True(t, tt.r.CanSplit())
			lower, upper := tt.r.Split()
			assert.Equal(t, tt.lower, lower)
			assert.Equal(t, tt.upper, upper)

			// halves are adjacent and cover the whole range
			assert.Equal(t, lower.High+1, upper.Low)
			assert.Equal(t, tt.r.Size(), lower.Size()+upper.Size())
		})
	}

	assert.False(t, HashRange{Low: 5, High: 5}.CanSplit())
}

func TestHashRangeContains(t *testing.T) {
	r := HashRange{Low: 100, High: 200}
	assert.True(t, r.Contains(100))
	assert.True(t, r.Contains(150))
	assert.True(t, r.Contains(200))
	assert.False(t, r.Contains(99))
	assert.False(t, r.Contains(201))

	assert.True(t, FullRange().Contains(0))
	assert.True(t, FullRange().Contains(hash.MaxHash))
	assert.Equal(t, uint64(hash.RingSize), FullRange().Size())
}

func TestParseHashRange(t *testing.T) {
	r, err := ParseHashRange("0:2147483647")
	require.NoError(t, err)
	assert.Equal(t, FullRange(), r)
	assert.Equal(t, "0:2147483647", r.String())

	for _, bad := range []string{"", "12", "a:b", "5:4", "-1:4", "1:2147483648"} {
		_, err := ParseHashRange(bad)
		assert.Error(t, err, bad)
	}
}

func TestPeerRef(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		p := NewPeerRef(netip.MustParseAddrPort("123.45.6.7:5678"), 987654321)
		assert.Equal(t, "123.45.6.7:5678:987654321", p.String())

		got, err := ParsePeerRef(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	})

	t.Run("ipv6", func(t *testing.T) {
		got, err := ParsePeerRef("[::1]:4000:12")
		require.NoError(t, err)
		assert.Equal(t, uint16(4000), got.Addr.Port())
		assert.Equal(t, uint32(12), got.FirstHash)
	})

	t.Run("ipv4-mapped addresses are unmapped", func(t *testing.T) {
		got, err := ParsePeerRef("[::ffff:10.0.0.1]:4000:0")
		require.NoError(t, err)
		assert.Equal(t, netip.MustParseAddrPort("10.0.0.1:4000"), got.Addr)
	})

	t.Run("equality is on both parts", func(t *testing.T) {
		addr := netip.MustParseAddrPort("10.0.0.1:4000")
		assert.Equal(t, NewPeerRef(addr, 1), NewPeerRef(addr, 1))
		assert.NotEqual(t, NewPeerRef(addr, 1), NewPeerRef(addr, 2))
	})

	t.Run("zero", func(t *testing.T) {
		assert.True(t, PeerRef{}.IsZero())
		assert.False(t, NewPeerRef(netip.MustParseAddrPort("10.0.0.1:1"), 0).IsZero())
	})

	t.Run("errors", func(t *testing.T) {
		for _, bad := range []string{"", "10.0.0.1", "10.0.0.1:4000", "10.0.0.1:4000:x", "host:4000:1"} {
			_, err := ParsePeerRef(bad)
			assert.Error(t, err, bad)
		}
	})
}
