package node

import (
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_Transitions(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{Initialising(), Running(), true},
		{Initialising(), Stopped(true), true},
		{Running(), Stopped(false), true},
		{Running(), Initialising(), false},
		{Running(), Running(), false},
		{Stopped(false), Running(), false},
		{Stopped(true), Stopped(false), false},
	}
	for _, c := range cases {
		assert.Equal(t, c.ok, c.from.CanTransition(c.to), "%s -> %s", c.from, c.to)
	}
}

func TestStatus_CrashedOnlyOnStopped(t *testing.T) {
	st, err := FromParts(KindRunning, true)
	require.NoError(t, err)
	assert.False(t, st.Crashed())
	assert.Equal(t, Running(), st)

	assert.True(t, Stopped(true).Crashed())
	assert.False(t, Stopped(false).Crashed())
	assert.Equal(t, "crashed", Stopped(true).Label())
	assert.Equal(t, "Stopped{crashed: false}", Stopped(false).String())
}

func TestStatus_JSON(t *testing.T) {
	n := Node{Name: "a", ExecutablePath: "/bin/true", Status: Stopped(true)}
	b, err := json.Marshal(n)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"a","executable_path":"/bin/true","status":{"kind":"Stopped","crashed":true}}`, string(b))

	var back Node
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, n, back)

	b, err = json.Marshal(Running())
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"Running"}`, string(b))

	var st Status
	assert.Error(t, json.Unmarshal([]byte(`{"kind":"Zombie"}`), &st))
}

func TestNode_Validate(t *testing.T) {
	assert.NoError(t, Node{Name: "a", ExecutablePath: "/bin/true"}.Validate())
	assert.ErrorIs(t, Node{ExecutablePath: "/bin/true"}.Validate(), ErrInvalidNode)
	assert.ErrorIs(t, Node{Name: "a"}.Validate(), ErrInvalidNode)
	assert.ErrorIs(t, Node{Name: "a\nb", ExecutablePath: "/x"}.Validate(), ErrInvalidNode)
}

func TestSpawnError_Is(t *testing.T) {
	err := SpawnFailed(os.ErrNotExist)
	assert.True(t, errors.Is(err, ErrFailedToSpawn))
	assert.False(t, errors.Is(err, ErrNodeAlreadyExists))
	var se *SpawnError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, os.ErrNotExist.Error(), se.Reason)
	assert.Nil(t, SpawnFailed(nil))
}
