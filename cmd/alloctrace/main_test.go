package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func newTestRoot() *cobra.Command {
	root := &cobra.Command{Use: "alloctrace"}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	root.PersistentFlags().StringVar(&policyScript, "policy-script", "", "path to a YAML install-policy config")
	root.AddCommand(infoCmd(), runCmd(), dashboardCmd())
	return root
}

func TestSubcommandsRegistered(t *testing.T) {
	root := newTestRoot()

	names := make(map[string]bool)
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	require.True(t, names["info"])
	require.True(t, names["run"])
	require.True(t, names["dashboard"])
}

func TestPolicyScriptFlagParses(t *testing.T) {
	policyScript = ""
	root := newTestRoot()

	// Parsing flags alone (not RunE) is enough to exercise cobra's flag
	// wiring without actually installing interceptors in the test binary.
	err := root.ParseFlags([]string{"--policy-script", "/tmp/policy.yaml"})
	require.NoError(t, err)
	require.Equal(t, "/tmp/policy.yaml", policyScript)
}

func TestVerboseFlagDefaultsFalse(t *testing.T) {
	verbose = true
	defer func() { verbose = false }()
	root := newTestRoot()
	err := root.ParseFlags(nil)
	require.NoError(t, err)
	require.False(t, verbose) // registering the flag resets it to its default
}
