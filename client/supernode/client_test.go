package supernode

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPullResultPiecesDecoding(t *testing.T) {
	r := &PullResult{Code: TaskCodeContinue, RawData: []byte(`[{"range":"0-100","peerIp":"1.2.3.4"}]`)}
	pieces, err := r.Pieces()
	assert.NoError(t, err)
	assert.Len(t, pieces, 1)
	assert.Equal(t, "0-100", pieces[0].Range)
	assert.Equal(t, "1.2.3.4", pieces[0].PeerIP)
}

func TestPullResultFinishMD5Decoding(t *testing.T) {
	r := &PullResult{Code: TaskCodeFinish, RawData: []byte(`{"md5":"abc123"}`)}
	md5, err := r.FinishMD5()
	assert.NoError(t, err)
	assert.Equal(t, "abc123", md5)
}

func TestRegisterExhaustsNodesOnFailure(t *testing.T) {
	c := New()
	_, err := c.Register(context.Background(), []string{"127.0.0.1:0"}, RegisterOptions{URL: "http://x"})
	assert.Error(t, err)
}

func TestRegisterNoNodes(t *testing.T) {
	c := New()
	_, err := c.Register(context.Background(), nil, RegisterOptions{})
	assert.Error(t, err)
}
