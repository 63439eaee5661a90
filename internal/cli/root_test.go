package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	root := GetRootCmd()
	assert.Equal(t, "kindling", root.Use)
	assert.Equal(t, version, root.Version)
}

func TestRegisteredSubcommands(t *testing.T) {
	root := GetRootCmd()

	expected := []string{"start", "stop", "status", "apps"}
	for _, name := range expected {
		t.Run(name, func(t *testing.T) {
			cmd, _, err := root.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, cmd.Name())
		})
	}
}

func TestAppsSubcommands(t *testing.T) {
	root := GetRootCmd()

	for _, name := range []string{"register", "list", "disable", "enable"} {
		cmd, _, err := root.Find([]string{"apps", name})
		require.NoError(t, err)
		assert.Equal(t, name, cmd.Name())
	}
}
