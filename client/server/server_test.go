package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dragonflyoss/dfget/client/piece"
	"github.com/dragonflyoss/dfget/client/supernode"
)

func newTestServer() *Server {
	return New(supernode.New())
}

func paramHeader(t *testing.T, m map[string]interface{}) string {
	t.Helper()
	b, err := json.Marshal(m)
	require.NoError(t, err)
	return string(b)
}

func TestCheckThenUploadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	taskFileName := "myfile-123"
	taskPath := filepath.Join(dir, taskFileName)

	body := []byte("0123456789abcdef")
	require.NoError(t, os.WriteFile(taskPath, body, 0644))

	s := newTestServer()
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+localPathCheck+taskFileName, nil)
	req.Header.Set("param", paramHeader(t, map[string]interface{}{"dataDir": dir + string(os.PathSeparator)}))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	entry := s.tasks.Read(taskFileName)
	require.NotNil(t, entry)
	assert.Equal(t, dir+string(os.PathSeparator), entry.DataDir)

	// piece 0 covers framed bytes 0..len(body)+4 (body plus 5 framing bytes)
	upReq, _ := http.NewRequest(http.MethodGet, srv.URL+peerHTTPPathPrefix+taskFileName, nil)
	upReq.Header.Set("Range", fmt.Sprintf("bytes=0-%d", len(body)+4))
	upReq.Header.Set("pieceNum", "0")
	upReq.Header.Set("pieceSize", "4096")
	upResp, err := http.DefaultClient.Do(upReq)
	require.NoError(t, err)
	defer upResp.Body.Close()
	assert.Equal(t, http.StatusOK, upResp.StatusCode)

	framed, err := io.ReadAll(upResp.Body)
	require.NoError(t, err)
	assert.Equal(t, piece.Frame(body, 4096), framed)
}

func TestHandleRateNoLimitReturnsEmpty(t *testing.T) {
	s := newTestServer()
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+localPathRate+"taskX", nil)
	req.Header.Set("param", paramHeader(t, map[string]interface{}{"rateLimit": 0}))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "", string(got))
}

func TestHandleFinishMarksTaskFinished(t *testing.T) {
	s := newTestServer()
	s.tasks.Update("taskY", func(e *TaskEntry) { e.TaskFileName = "taskY" })

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+localPathClient+"finish", nil)
	req.Header.Set("param", paramHeader(t, map[string]interface{}{
		"taskFileName": "taskY", "taskId": "t1", "cid": "c1", "superNode": "n1",
	}))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	entry := s.tasks.Read("taskY")
	require.NotNil(t, entry)
	assert.True(t, entry.Finished)
}

func TestTaskMapParseRateApportionsAcrossTasks(t *testing.T) {
	m := NewTaskMap()
	m.SetTotalLimit(1000)
	m.Update("a", func(e *TaskEntry) { e.RateLimit = 800 })
	m.Update("b", func(e *TaskEntry) { e.RateLimit = 800 })

	rate := m.ParseRate("a")
	assert.NotEqual(t, "800", rate)
}

func TestTaskMapParseRateUnderTotalReturnsRequested(t *testing.T) {
	m := NewTaskMap()
	m.SetTotalLimit(1000)
	m.Update("a", func(e *TaskEntry) { e.RateLimit = 200 })

	assert.Equal(t, "200", m.ParseRate("a"))
}
