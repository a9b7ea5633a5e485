package cmd

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/dragonflyoss/dfget/client/errs"
	"github.com/dragonflyoss/dfget/client/supernode"
)

func TestExitCodeForNeedAuthIs22(t *testing.T) {
	err := errors.Wrap(&supernode.NeedAuthError{}, "register")
	assert.Equal(t, 22, exitCodeFor(err))
}

func TestExitCodeForNeedBackUsesReason(t *testing.T) {
	err := &errs.NeedBack{Reason: errs.ReasonNoSpace}
	assert.Equal(t, int(errs.ReasonNoSpace), exitCodeFor(err))
}

func TestExitCodeForParamErrorIsInitError(t *testing.T) {
	err := &errs.ParamError{Msg: "no reachable supernode"}
	assert.Equal(t, int(errs.ReasonInitError), exitCodeFor(err))
}

func TestExitCodeForUnknownErrorIsOne(t *testing.T) {
	assert.Equal(t, 1, exitCodeFor(errors.New("boom")))
}
