package agent

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dhouse/branchforge/internal/graph"
)

func TestNewCLIDefaultsBinaryPath(t *testing.T) {
	c := NewCLI("", false)
	assert.Equal(t, "claude", c.BinaryPath)

	c = NewCLI("/usr/local/bin/other-agent", true)
	assert.Equal(t, "/usr/local/bin/other-agent", c.BinaryPath)
	assert.True(t, c.BypassPermissions)
}

func TestPromptCombinesTitleAndBody(t *testing.T) {
	p := prompt(graph.WorkItem{Title: "do it", Body: "the details"})
	assert.True(t, strings.HasPrefix(p, "do it"))
	assert.Contains(t, p, "the details")

	assert.Equal(t, "just title", prompt(graph.WorkItem{Title: "just title"}))
}

func TestCleanEnvRedirectsTmpdir(t *testing.T) {
	env := cleanEnv()
	var tmpdirs []string
	for _, kv := range env {
		if strings.HasPrefix(kv, "TMPDIR=") {
			tmpdirs = append(tmpdirs, kv)
		}
	}
	assert.Len(t, tmpdirs, 1)
	assert.Contains(t, tmpdirs[0], "branchforge-agent")
}
