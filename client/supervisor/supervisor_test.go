package supervisor

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dragonflyoss/dfget/client/config"
	"github.com/dragonflyoss/dfget/client/errs"
	"github.com/dragonflyoss/dfget/client/session"
)

func TestSplitFilterOnAmpersand(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, splitFilter("a&b&c"))
	assert.Equal(t, []string{"a"}, splitFilter("a"))
	assert.Nil(t, splitFilter(""))
}

func TestRemainderAfterMovesTriedNodeToEnd(t *testing.T) {
	got := remainderAfter([]string{"n1", "n2", "n3"}, "n2")
	assert.Equal(t, []string{"n1", "n3", "n2"}, got)
}

func TestAssertSpaceSucceedsWhenDataDirHasRoom(t *testing.T) {
	dir := t.TempDir()
	sess := session.New(filepath.Join(dir, "out.bin"), "127.0.0.1", dir)
	sess.DataDir = dir + string(filepath.Separator)
	sess.FileLength = 1024

	assert.True(t, assertSpace(sess))
}

func TestFilteredParamsEmptyWhenNoFilterFlag(t *testing.T) {
	assert.Nil(t, filteredParams(config.NewClientOption()))
}

func TestProbeNodesReturnsNilSessionWhenNoCandidates(t *testing.T) {
	sess, node, ip := probeNodes(nil, t.TempDir(), "/tmp/out.bin")
	assert.Nil(t, sess)
	assert.Equal(t, "", node)
	assert.Equal(t, "", ip)
}

// TestRunFallsBackWithReasonNodeEmptyWhenNoSupernodeReachable exercises the
// path Run takes when probeNodes can't find a reachable bootstrap node: it
// builds a minimal session carrying ReasonNodeEmpty and still routes through
// runFallback instead of failing outright, matching env.py's fall-through to
// back-source when no node responds.
func TestRunFallsBackWithReasonNodeEmptyWhenNoSupernodeReachable(t *testing.T) {
	homeDir := t.TempDir()
	sess := session.New(filepath.Join(homeDir, "out.bin"), "", homeDir)
	sess.SetBackReason(errs.ReasonNodeEmpty)

	opt := config.NewClientOption()
	opt.NotBackSource = true

	err := runFallback(sess, opt)
	require.Error(t, err)

	var needBack *errs.NeedBack
	require.ErrorAs(t, err, &needBack)
	assert.Equal(t, errs.ReasonNodeEmpty+errs.ReasonBackAddition, needBack.Reason)
}
