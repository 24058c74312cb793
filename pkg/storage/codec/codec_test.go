package codec_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/storage/codec"
)

type sample struct {
	Name string
	N    int
}

func TestMsgPackRoundTrip(t *testing.T) {
	in := sample{Name: "x", N: 7}
	b, err := codec.MsgPack.Encode(in)
	require.NoError(t, err)

	var out sample
	require.NoError(t, codec.MsgPack.Decode(b, &out))
	require.Equal(t, in, out)
}

func TestJSONRoundTrip(t *testing.T) {
	in := sample{Name: "y", N: 3}
	b, err := codec.JSON.Encode(in)
	require.NoError(t, err)

	var out sample
	require.NoError(t, codec.JSON.Decode(b, &out))
	require.Equal(t, in, out)
}

func TestCompressedPreservesInnerName(t *testing.T) {
	c, err := codec.NewCompressed(codec.MsgPack)
	require.NoError(t, err)
	require.Equal(t, codec.CompactBinary, c.Name())

	in := sample{Name: "z", N: 42}
	b, err := c.Encode(in)
	require.NoError(t, err)

	var out sample
	require.NoError(t, c.Decode(b, &out))
	require.Equal(t, in, out)
}

func TestNeedsMigrationDetectsMismatch(t *testing.T) {
	require.True(t, codec.NeedsMigration(codec.SelfDescribingText, codec.CompactBinary))
	require.False(t, codec.NeedsMigration(codec.CompactBinary, codec.CompactBinary))
	require.False(t, codec.NeedsMigration("", codec.CompactBinary), "no prior stamp means nothing to migrate")
}

func TestForSelectsCompression(t *testing.T) {
	c, err := codec.For(codec.CompactBinary, true)
	require.NoError(t, err)
	_, ok := c.(*codec.Compressed)
	require.True(t, ok)

	plain, err := codec.For(codec.SelfDescribingText, false)
	require.NoError(t, err)
	require.Equal(t, codec.SelfDescribingText, plain.Name())
}
