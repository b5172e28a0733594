package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "supernova dev\n", out.String())
}

func TestToolsCommand(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("SUPERNOVA_LOGGER_OUTPUT", "discard")

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"tools", "--config", filepath.Join(t.TempDir(), "missing.yaml")})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "NAME")
	assert.Contains(t, out.String(), "filesystem")
	assert.Contains(t, out.String(), "terminal_command")
	assert.Contains(t, out.String(), "DESCRIPTION")
	assert.NotContains(t, out.String(), "\t", "rendered as a table, not tab separated")
	// filesystem sorts before terminal_command.
	assert.Less(t, strings.Index(out.String(), "filesystem"), strings.Index(out.String(), "terminal_command"))
}

func TestChatCommand_BadConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SUPERNOVA_LLM_PROVIDER", "nope")

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"chat", "--config", filepath.Join(dir, "missing.yaml")})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "llm.provider")
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup (equivalent of testing.T.Chdir, added in Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}
