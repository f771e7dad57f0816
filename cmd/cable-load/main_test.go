package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPctlFn(t *testing.T) {
	cases := []struct {
		in  []time.Duration
		pct int
		out time.Duration
	}{
		{nil, 50, 0},
		{[]time.Duration{time.Second}, 50, time.Second},
		{[]time.Duration{time.Second}, 99, time.Second},
		{[]time.Duration{time.Second, 2 * time.Second}, 50, 1500 * time.Millisecond},
		{[]time.Duration{2 * time.Second, time.Second}, 90, 2 * time.Second},
		{[]time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, 50, 2 * time.Second},
		{[]time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, 10, time.Second},
		{[]time.Duration{3 * time.Second, time.Second, 4 * time.Second, 2 * time.Second}, 50, 2500 * time.Millisecond},
		{[]time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 4 * time.Second}, 100, 4 * time.Second},
	}

	for i, c := range cases {
		got := pctlFn(c.pct, c.in)
		assert.Equal(t, c.out, got, "%d", i)
	}
}

func TestExpVarsURL(t *testing.T) {
	cases := []struct {
		in, out string
	}{
		{"ws://localhost:9000/cable", "http://localhost:9000/debug/vars"},
		{"wss://example.com/cable?x=1", "https://example.com/debug/vars"},
	}
	for _, c := range cases {
		got, err := expVarsURL(c.in)
		require.NoError(t, err)
		assert.Equal(t, c.out, got)
	}
}

func TestByteSize(t *testing.T) {
	assert.Equal(t, "512.00B", byteSize(512).String())
	assert.Equal(t, "1.50KB", byteSize(1536).String())
	assert.Equal(t, "-2.00MB", byteSize(-2*mb).String())
}
