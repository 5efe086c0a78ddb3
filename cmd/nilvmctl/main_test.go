package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	require.True(t, strings.Contains(out.String(), version))
}

func TestPreprocessStatusCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{
		"preprocess", "status",
		"--self", "p1", "--members", "p1,p2",
		"--data-dir", t.TempDir(),
		"--prep-batch", "4",
	})
	require.NoError(t, root.Execute())
	require.Contains(t, out.String(), "\"Kind\"")
}
