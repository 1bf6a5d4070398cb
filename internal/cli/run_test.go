package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhouse/branchforge/internal/graph"
)

func TestAllNumeric(t *testing.T) {
	assert.True(t, allNumeric([]string{"1", "42", "7"}))
	assert.False(t, allNumeric([]string{"1", "plan.yaml"}))
	assert.False(t, allNumeric([]string{"plan.yaml"}))
}

func TestSplitRepo(t *testing.T) {
	owner, repo, err := splitRepo("octocat/hello")
	require.NoError(t, err)
	assert.Equal(t, "octocat", owner)
	assert.Equal(t, "hello", repo)

	_, _, err = splitRepo("just-a-name")
	require.Error(t, err)

	_, _, err = splitRepo("/missing-owner")
	require.Error(t, err)
}

func TestItemConversionRoundTrip(t *testing.T) {
	ref := 12
	in := []graph.WorkItem{
		{ID: 1, Title: "a", Body: "body", Dependencies: []int{2}, AffectedPaths: []string{"x.go"}, NoWorkNeeded: true, ExternalRef: &ref},
		{ID: 2, Title: "b"},
	}

	out := toGraphItems(toStoreItems(in))
	assert.Equal(t, in, out)
}

func TestFirstLineStatus(t *testing.T) {
	assert.Equal(t, "first", firstLineStatus("first\nsecond"))
	assert.Equal(t, "only", firstLineStatus("only"))
	assert.Equal(t, "", firstLineStatus(""))
}
