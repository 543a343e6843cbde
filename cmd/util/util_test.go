package util

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelierhq/livesync/pkg/errors"
)

func TestPromptYesOrNo(t *testing.T) {
	tests := []struct {
		name  string
		input string
		exp   bool
	}{
		{name: "Yes", input: "y\n", exp: true},
		{name: "YesWord", input: "YES\n", exp: true},
		{name: "No", input: "n\n", exp: false},
		{name: "NoWord", input: "No\n", exp: false},
		{name: "RetryUntilValid", input: "maybe\n\nno\n", exp: false},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			out := bytes.NewBuffer(nil)
			stdout = out
			stdin = strings.NewReader(test.input)

			actual, err := PromptYesOrNo("Push the local version?")
			require.NoError(t, err)
			assert.Equal(t, test.exp, actual)
			assert.Contains(t, out.String(), "Push the local version? (y/n): ")
		})
	}
}

func TestPromptYesOrNoEOF(t *testing.T) {
	stdout = bytes.NewBuffer(nil)
	stdin = strings.NewReader("")

	_, err := PromptYesOrNo("Push the local version?")
	assert.Error(t, err)
}

func TestHandleFatalError(t *testing.T) {
	out := bytes.NewBuffer(nil)
	stderr = out

	var code int
	exit = func(c int) { code = c }
	defer func() { exit = os.Exit }()

	friendly := errors.NewFriendlyError("The project has never been saved.")
	HandleFatalError(errors.WithContext(friendly, "load project"))

	assert.Equal(t, 1, code)
	assert.Equal(t, "The project has never been saved.\n", out.String())
}

func TestHandlePanic(t *testing.T) {
	out := bytes.NewBuffer(nil)
	stderr = out

	var code int
	exit = func(c int) { code = c }
	defer func() { exit = os.Exit }()

	func() {
		defer HandlePanic()
		panic("boom")
	}()

	assert.Equal(t, 1, code)
	assert.Contains(t, out.String(), "Livesync unexpectedly exited.")
}
