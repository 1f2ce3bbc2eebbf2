package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/policyrun/opawasm/internal/policytest"
)

func writePolicy(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.wasm")
	require.NoError(t, os.WriteFile(path, policytest.Build(t, policytest.Guest{Minor: 2}), 0o644))
	return path
}

func TestEvalCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"eval", "--policy", writePolicy(t), "--input", `{"user":"alice"}`})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "true\n", out.String())
}

func TestEvalCommandRequiresSource(t *testing.T) {
	cmd := rootCmd()
	cmd.SetArgs([]string{"eval"})
	require.Error(t, cmd.Execute())
}

func TestInspectCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"inspect", writePolicy(t)})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "abi version: 1.2")
	assert.Contains(t, out.String(), "opa_eval")
	assert.Contains(t, out.String(), "env.memory")
}
