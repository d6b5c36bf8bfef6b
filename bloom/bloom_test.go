package bloom

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddAndMightContain(t *testing.T) {
	f := New(100, 0.01)
	keys := make([][]byte, 0, 100)
	for i := 0; i < 100; i++ {
		k := []byte(fmt.Sprintf("key-%03d", i))
		keys = append(keys, k)
		f.Add(k)
	}
	for _, k := range keys {
		require.True(t, f.MightContain(k), "inserted key must never be a false negative")
	}
}

func TestFalsePositiveRateWithinSlack(t *testing.T) {
	const n = 2000
	const p = 0.01
	f := New(n, p)
	for i := 0; i < n; i++ {
		f.Add([]byte(fmt.Sprintf("present-%d", i)))
	}
	fp := 0
	const probes = 20000
	for i := 0; i < probes; i++ {
		if f.MightContain([]byte(fmt.Sprintf("absent-%d", i))) {
			fp++
		}
	}
	rate := float64(fp) / float64(probes)
	require.Lessf(t, rate, 2*p, "false positive rate %f exceeds 2x target %f", rate, p)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f := New(50, 0.001)
	for i := 0; i < 50; i++ {
		f.Add([]byte(fmt.Sprintf("rt-%d", i)))
	}
	encoded := f.Encode()
	decoded, ok := Decode(encoded)
	require.True(t, ok)
	require.Equal(t, encoded, decoded.Encode())
	for i := 0; i < 50; i++ {
		require.True(t, decoded.MightContain([]byte(fmt.Sprintf("rt-%d", i))))
	}
}

func TestDecodeRejectsTruncated(t *testing.T) {
	_, ok := Decode([]byte{1, 2, 3})
	require.False(t, ok)
}
