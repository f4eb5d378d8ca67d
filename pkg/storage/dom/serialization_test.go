package dom

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeElement(t *testing.T) {
	n := NewElement(14, "book:chapter")
	n.ChildCount = 5
	n.AttrCount = 2

	got, err := DecodeNode(EncodeNode(n))
	require.NoError(t, err)
	assert.Equal(t, n, got)
}

func TestEncodeDecodeAttribute(t *testing.T) {
	n := NewAttribute(15, "xml:lang", "de")

	got, err := DecodeNode(EncodeNode(n))
	require.NoError(t, err)
	assert.Equal(t, n, got)
}

func TestEncodeDecodeText(t *testing.T) {
	n := NewText(41, "ein Text mit Umlauten: äöü")

	got, err := DecodeNode(EncodeNode(n))
	require.NoError(t, err)
	assert.Equal(t, n, got)
}

func TestEncodeDecodeComment(t *testing.T) {
	n := NewComment(2, "-- generated --")

	got, err := DecodeNode(EncodeNode(n))
	require.NoError(t, err)
	assert.Equal(t, n, got)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := DecodeNode(nil)
	assert.Error(t, err)

	_, err = DecodeNode([]byte{0xff, 0x01, 0x00})
	assert.Error(t, err, "unknown kind byte")

	elem := EncodeNode(NewElement(1, "root"))
	_, err = DecodeNode(elem[:len(elem)-1])
	assert.Error(t, err, "truncated record")

	_, err = DecodeNode(append(elem, 0x00))
	assert.Error(t, err, "trailing bytes")
}

func TestShallowRecordsStaySmall(t *testing.T) {
	n := NewText(3, "x")
	assert.LessOrEqual(t, len(EncodeNode(n)), 8)
}
