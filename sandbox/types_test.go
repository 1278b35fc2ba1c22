package sandbox

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLanguage(t *testing.T) {
	for _, valid := range []string{"python", "javascript", "cpp"} {
		lang, err := ParseLanguage(valid)
		require.NoError(t, err)
		assert.Equal(t, Language(valid), lang)
	}

	for _, invalid := range []string{"", "ruby", "Python", "c++"} {
		_, err := ParseLanguage(invalid)
		assert.Error(t, err, "language %q should be rejected", invalid)
	}
}

func TestStatusInfrastructure(t *testing.T) {
	assert.True(t, StatusEngineUnavailable.Infrastructure())
	assert.True(t, StatusInternalError.Infrastructure())

	for _, s := range []Status{StatusSuccess, StatusCompileError, StatusRuntimeError, StatusTimeout, StatusMemoryExceeded} {
		assert.False(t, s.Infrastructure(), "%s is a candidate outcome", s)
	}
}

func TestResourceLimitsNormalize(t *testing.T) {
	t.Run("ZeroFieldsGetDefaults", func(t *testing.T) {
		limits := ResourceLimits{}.Normalize(ResourceLimits{})
		assert.Equal(t, DefaultWallTimeout, limits.WallTimeout)
		assert.Equal(t, DefaultMemoryCeilingMB, limits.MemoryCeilingMB)
		assert.Equal(t, DefaultCPUShare, limits.CPUShare)
		assert.Equal(t, DefaultMaxOutputKB, limits.MaxOutputKB)
	})

	t.Run("ConfiguredDefaultsWin", func(t *testing.T) {
		limits := ResourceLimits{}.Normalize(ResourceLimits{WallTimeout: 10 * time.Second, MemoryCeilingMB: 512})
		assert.Equal(t, 10*time.Second, limits.WallTimeout)
		assert.Equal(t, 512, limits.MemoryCeilingMB)
		assert.Equal(t, DefaultCPUShare, limits.CPUShare)
	})

	t.Run("ExplicitFieldsKept", func(t *testing.T) {
		limits := ResourceLimits{WallTimeout: time.Second, MemoryCeilingMB: 64, CPUShare: 0.5, MaxOutputKB: 8}
		assert.Equal(t, limits, limits.Normalize(ResourceLimits{}))
	})

	t.Run("NegativeFieldsNeverSurvive", func(t *testing.T) {
		limits := ResourceLimits{WallTimeout: -time.Second, MemoryCeilingMB: -1}.Normalize(ResourceLimits{})
		assert.Equal(t, DefaultWallTimeout, limits.WallTimeout)
		assert.Equal(t, DefaultMemoryCeilingMB, limits.MemoryCeilingMB)
	})
}

func TestTruncateOutput(t *testing.T) {
	short, truncated := truncateOutput([]byte("hello"), 1)
	assert.Equal(t, "hello", short)
	assert.False(t, truncated)

	exact, truncated := truncateOutput([]byte(strings.Repeat("a", 1024)), 1)
	assert.Len(t, exact, 1024)
	assert.False(t, truncated)

	long, truncated := truncateOutput([]byte(strings.Repeat("a", 1025)), 1)
	assert.Len(t, long, 1024)
	assert.True(t, truncated)
}
