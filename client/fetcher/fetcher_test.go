package fetcher

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dragonflyoss/dfget/client/supernode"
)

func TestFetchSuccess(t *testing.T) {
	body := []byte("piece-body-content")
	sum := md5.Sum(body)
	md5hex := hex.EncodeToString(sum[:])

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	task := supernode.PieceTask{
		CID:       "peer-cid",
		Range:     "0-18",
		PeerIP:    u.Hostname(),
		PeerPort:  port,
		Path:      "/",
		PieceNum:  0,
		PieceSize: 4 * 1024 * 1024,
		PieceMD5:  fmt.Sprintf("%s:%d", md5hex, len(body)),
	}

	item := Fetch("task-1", "node-self", task, nil)
	assert.Equal(t, supernode.ResultSemiSuc, item.Result)
	assert.Equal(t, task.Range, item.Range)
	assert.Equal(t, task.PieceSize, item.PieceSize)

	var got []byte
	for _, c := range item.PieceCont {
		got = append(got, c...)
	}
	assert.Equal(t, body, got)
}

func TestFetchMD5MismatchYieldsFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("wrong content"))
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	task := supernode.PieceTask{
		Range:     "0-5",
		PeerIP:    u.Hostname(),
		PeerPort:  port,
		Path:      "/",
		PieceSize: 4096,
		PieceMD5:  "deadbeefdeadbeefdeadbeefdeadbeef:13",
	}

	item := Fetch("task-1", "node-self", task, nil)
	assert.Equal(t, supernode.ResultFail, item.Result)
}

func TestFetchUnreachablePeerYieldsFail(t *testing.T) {
	task := supernode.PieceTask{
		Range:     "0-5",
		PeerIP:    "127.0.0.1",
		PeerPort:  1, // reserved, nothing listening
		Path:      "/",
		PieceSize: 4096,
		PieceMD5:  "deadbeefdeadbeefdeadbeefdeadbeef:6",
	}

	item := Fetch("task-1", "node-self", task, nil)
	assert.Equal(t, supernode.ResultFail, item.Result)
}
