//go:build linux

package backend

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSchemataRoundTrip(t *testing.T) {
	doc := parseSchemata("L3:0=fff;1=ff0\nMB:0=100;1=90\n")

	v, ok := doc.get("L3", 0)
	require.True(t, ok)
	require.Equal(t, "fff", v)

	require.NoError(t, doc.set("L3", 1, "f00"))
	require.NoError(t, doc.set("MB", 0, "50"))

	out := parseSchemata(doc.String())
	v, ok = out.get("L3", 1)
	require.True(t, ok)
	require.Equal(t, "f00", v)

	v, ok = out.get("MB", 0)
	require.True(t, ok)
	require.Equal(t, "50", v)
}

func TestSchemataSetUnknownClusterFails(t *testing.T) {
	doc := parseSchemata("L3:0=fff\n")
	err := doc.set("L3", 9, "f")
	require.Error(t, err)
}

func TestSchemataSetUnknownResourceFails(t *testing.T) {
	doc := parseSchemata("L3:0=fff\n")
	err := doc.set("L2", 0, "f")
	require.Error(t, err)
}

func TestSchemataCDPLines(t *testing.T) {
	doc := parseSchemata("L3CODE:0=f0\nL3DATA:0=0f\n")
	code, ok := doc.get("L3CODE", 0)
	require.True(t, ok)
	require.Equal(t, "f0", code)
	data, ok := doc.get("L3DATA", 0)
	require.True(t, ok)
	require.Equal(t, "0f", data)
}
