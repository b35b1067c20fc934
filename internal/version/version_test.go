package version_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ramiqadoumi/go-bgrunner/internal/version"
)

func TestString(t *testing.T) {
	out := version.String("bgrunner")
	assert.Contains(t, out, "bgrunner "+version.Version)
	assert.Contains(t, out, "commit:     "+version.GitCommit)
	assert.Contains(t, out, version.GoVersion())
}
