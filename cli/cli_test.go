package cli

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phimask.evalgo.org/store"
)

func TestStoreExitCode(t *testing.T) {
	assert.Equal(t, ExitConnection, storeExitCode(fmt.Errorf("%w: refused", store.ErrConnection)))
	assert.Equal(t, ExitFatal, storeExitCode(fmt.Errorf("%w: denied", store.ErrAuth)))
	assert.Equal(t, ExitFatal, storeExitCode(errors.New("boom")))
}

func TestRunSeedStable(t *testing.T) {
	assert.Equal(t, runSeed("run-1"), runSeed("run-1"))
	assert.NotEqual(t, runSeed("run-1"), runSeed("run-2"))
}

func TestExecuteMaskWithoutCollection(t *testing.T) {
	RootCmd.SetArgs([]string{"mask"})
	RootCmd.SetOut(&bytes.Buffer{})
	RootCmd.SetErr(&bytes.Buffer{})

	assert.Equal(t, ExitConfig, Execute())
}

func TestExecuteVersion(t *testing.T) {
	var out bytes.Buffer
	RootCmd.SetArgs([]string{"version"})
	RootCmd.SetOut(&out)

	assert.Equal(t, ExitOK, Execute())
	assert.Contains(t, out.String(), "phimask")
}

func TestWriteCoverageReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coverage.json")
	require.NoError(t, writeCoverageReport(path, map[string]int64{
		"FirstName": 12,
		"SSN":       0,
	}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"FirstName": 12`)
}

func TestExitErrorUnwrap(t *testing.T) {
	inner := errors.New("inner")
	err := exitWith(ExitPartial, inner)
	assert.ErrorIs(t, err, inner)

	var ee *exitError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, ExitPartial, ee.code)
}
