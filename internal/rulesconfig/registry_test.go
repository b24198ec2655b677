package rulesconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestRegistry_LoadInitial_StrictFailsOnBadYAML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "rules.yml", "groups: [not: closed: yaml")

	r, err := New(dir, map[string]string{"rules": "rules.yml"}, nil)
	require.NoError(t, err)
	require.Error(t, r.LoadInitial())
}

func TestRegistry_LoadInitial_PublishesVersionedSnapshot(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "rules.yml", "scoring:\n  thresholds:\n    opportunity: 15\n    caution: -5\n")

	r, err := New(dir, map[string]string{"rules": "rules.yml"}, nil)
	require.NoError(t, err)
	require.NoError(t, r.LoadInitial())

	require.NotEmpty(t, r.SnapshotVersion())
	require.Len(t, r.SnapshotVersion(), 12)

	v := r.GetPath("rules.scoring.thresholds.opportunity", nil)
	require.Equal(t, 15, v)
}

func TestRegistry_GetPath_ReturnsDefaultOnMiss(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "rules.yml", "scoring:\n  thresholds:\n    opportunity: 15\n")
	r, err := New(dir, map[string]string{"rules": "rules.yml"}, nil)
	require.NoError(t, err)
	require.NoError(t, r.LoadInitial())

	require.Equal(t, "fallback", r.GetPath("rules.nope.missing", "fallback"))
	require.Equal(t, "fallback", r.GetPath("missing_ns.x", "fallback"))
}

func TestRegistry_ReloadIfStale_BadSubsequentParseKeepsLastGood(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yml")
	writeFile(t, dir, "rules.yml", "scoring:\n  thresholds:\n    opportunity: 15\n")

	r, err := New(dir, map[string]string{"rules": "rules.yml"}, nil)
	require.NoError(t, err)
	require.NoError(t, r.LoadInitial())
	oldVersion := r.SnapshotVersion()

	// Corrupt the file; touch mtime forward so the stat-based staleness
	// check notices the change.
	require.NoError(t, os.WriteFile(path, []byte("not: [valid: yaml"), 0o644))
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))

	changed, err := r.ReloadIfStale(true)
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, oldVersion, r.SnapshotVersion())

	v := r.GetPath("rules.scoring.thresholds.opportunity", nil)
	require.Equal(t, 15, v)
}

func TestRegistry_ReloadIfStale_ThrottledUnlessForced(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "rules.yml", "scoring:\n  thresholds:\n    opportunity: 15\n")
	r, err := New(dir, map[string]string{"rules": "rules.yml"}, nil)
	require.NoError(t, err)
	require.NoError(t, r.LoadInitial())

	changed, err := r.ReloadIfStale(false)
	require.NoError(t, err)
	require.False(t, changed)

	// Change the file right away: an unforced call inside MinCooldown is
	// throttled and sees nothing, a forced one picks the change up.
	writeFile(t, dir, "rules.yml", "scoring:\n  thresholds:\n    opportunity: 20\n")
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "rules.yml"), future, future))

	changed, err = r.ReloadIfStale(false)
	require.NoError(t, err)
	require.False(t, changed)

	changed, err = r.ReloadIfStale(true)
	require.NoError(t, err)
	require.True(t, changed)
}

func TestRegistry_New_RejectsInvalidNamespaceOrFilename(t *testing.T) {
	dir := t.TempDir()
	_, err := New(dir, map[string]string{"Bad Namespace": "rules.yml"}, nil)
	require.Error(t, err)

	_, err = New(dir, map[string]string{"rules": "Rules.YML"}, nil)
	require.Error(t, err)
}

func TestSubstituteEnvTokens_WhitelistedNameHonored(t *testing.T) {
	os.Setenv("THETA_LIQ", "12.5")
	defer os.Unsetenv("THETA_LIQ")
	out := substituteEnvTokens("threshold: ${THETA_LIQ:10}")
	require.Equal(t, "threshold: 12.5", out)
}

func TestSubstituteEnvTokens_UnlistedNameLeftLiteral(t *testing.T) {
	out := substituteEnvTokens("threshold: ${SOME_RANDOM_NAME:10}")
	require.Equal(t, "threshold: ${SOME_RANDOM_NAME:10}", out)
}

func TestSubstituteEnvTokens_DefaultUsedWhenUnset(t *testing.T) {
	os.Unsetenv("THETA_VOL")
	out := substituteEnvTokens("threshold: ${THETA_VOL:7}")
	require.Equal(t, "threshold: 7", out)
}
