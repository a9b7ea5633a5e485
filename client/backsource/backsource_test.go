package backsource

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dragonflyoss/dfget/client/errs"
	"github.com/dragonflyoss/dfget/client/session"
)

func TestRunDownloadsAndMovesToTarget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("source content"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	target := filepath.Join(dir, "out.bin")
	sess := session.New(target, "127.0.0.1", dir)

	err := Run(sess, Options{URL: srv.URL, Target: target})
	require.NoError(t, err)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "source content", string(got))
}

func TestRunDeclinesWhenNotBackSet(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out.bin")
	sess := session.New(target, "127.0.0.1", dir)

	err := Run(sess, Options{Target: target, NotBack: true})
	require.NoError(t, err)
	assert.Greater(t, int32(sess.BackReason()), int32(errs.ReasonBackAddition))
}

func TestRunDeclinesWhenReasonIsNoSpace(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out.bin")
	sess := session.New(target, "127.0.0.1", dir)
	sess.SetBackReason(errs.ReasonNoSpace)

	err := Run(sess, Options{Target: target})
	require.NoError(t, err)
	assert.Equal(t, errs.ReasonNoSpace+errs.ReasonBackAddition, sess.BackReason())
}

func TestRunMD5Mismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("source content"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	target := filepath.Join(dir, "out.bin")
	sess := session.New(target, "127.0.0.1", dir)

	err := Run(sess, Options{URL: srv.URL, Target: target, MD5: "deadbeefdeadbeefdeadbeefdeadbeef"})
	require.Error(t, err)
	var mismatch *errs.Md5NotMatchError
	assert.ErrorAs(t, err, &mismatch)
}
