// Package rulesconfig is the hot-reload config registry: it loads a
// configured set of YAML rule files from a directory, publishes an
// immutable RCU snapshot versioned by a combined content hash, and
// reloads on a throttled poll or SIGHUP, never replacing a good namespace
// with a bad one.
package rulesconfig

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cryptopulse/signalpipe/pkg/apperrors"
	"github.com/cryptopulse/signalpipe/pkg/telemetry/logger"
	"github.com/cryptopulse/signalpipe/pkg/telemetry/metrics"
)

// MaxFileBytes is the hard safety limit on a single rule file's size.
const MaxFileBytes = 256 * 1024

// MinCooldown throttles ReloadIfStale to at most one filesystem check per
// this interval.
const MinCooldown = time.Second

var namespacePattern = regexp.MustCompile(`^[-_a-z0-9]+$`)
var filenamePattern = regexp.MustCompile(`^[-_a-z0-9]+\.yml$`)

// Snapshot is the immutable, versioned set of parsed namespaces published
// by the registry. Readers obtain a pointer to one via atomic load; it is
// never mutated in place.
type Snapshot struct {
	Namespaces map[string]map[string]interface{}
	Version    string
	fileHashes map[string]string
	fileMtimes map[string]time.Time
}

// Registry owns the live Snapshot pointer and the per-file state needed to
// detect changes cheaply (stat before read, hash before parse).
type Registry struct {
	dir   string
	files map[string]string // namespace -> filename

	mu          sync.Mutex // serializes reload attempts; readers never block on this
	lastCheck   time.Time
	snapshotPtr atomic.Pointer[Snapshot]
	log         *logger.Logger
}

// New constructs a Registry for dir, watching the given namespace->filename
// map (e.g. {"thresholds": "thresholds.yml", "risk_rules": "risk_rules.yml"}).
func New(dir string, files map[string]string, log *logger.Logger) (*Registry, error) {
	for ns, fname := range files {
		if !namespacePattern.MatchString(ns) {
			return nil, apperrors.Validation("invalid namespace %q", ns)
		}
		if !filenamePattern.MatchString(fname) {
			return nil, apperrors.Validation("invalid rule filename %q", fname)
		}
	}
	if log == nil {
		log = logger.NewFromEnv("rulesconfig")
	}
	r := &Registry{dir: dir, files: files, log: log}
	return r, nil
}

// LoadInitial performs the strict initial load: any file that fails to
// parse or validate fails startup entirely.
func (r *Registry) LoadInitial() error {
	snap := &Snapshot{
		Namespaces: make(map[string]map[string]interface{}),
		fileHashes: make(map[string]string),
		fileMtimes: make(map[string]time.Time),
	}
	for ns, fname := range r.files {
		path := filepath.Join(r.dir, fname)
		parsed, hash, mtime, err := r.readAndParse(path)
		if err != nil {
			return apperrors.Parse(fname, err)
		}
		snap.Namespaces[ns] = parsed
		snap.fileHashes[fname] = hash
		snap.fileMtimes[fname] = mtime
	}
	snap.Version = combinedVersion(snap.fileHashes, r.sortedFilenames())
	r.snapshotPtr.Store(snap)
	metrics.SetConfigVersion(snap.Version)
	return nil
}

func (r *Registry) sortedFilenames() []string {
	names := make([]string, 0, len(r.files))
	for _, fname := range r.files {
		names = append(names, fname)
	}
	sort.Strings(names)
	return names
}

// ReloadIfStale re-checks every configured file's mtime, throttled to at
// most one filesystem scan per MinCooldown unless force is true. A file
// whose content hash changed is re-parsed; a parse or validation failure
// logs and keeps that namespace's previous snapshot value, never
// replacing a good version with a bad one. Returns whether any namespace
// actually changed.
func (r *Registry) ReloadIfStale(force bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if !force && now.Sub(r.lastCheck) < MinCooldown {
		return false, nil
	}
	r.lastCheck = now

	prev := r.snapshotPtr.Load()
	if prev == nil {
		return false, apperrors.New(apperrors.KindNotFound, "registry has no initial snapshot loaded")
	}

	next := &Snapshot{
		Namespaces: make(map[string]map[string]interface{}, len(prev.Namespaces)),
		fileHashes: make(map[string]string, len(prev.fileHashes)),
		fileMtimes: make(map[string]time.Time, len(prev.fileMtimes)),
	}
	for ns, v := range prev.Namespaces {
		next.Namespaces[ns] = v
	}
	for f, v := range prev.fileHashes {
		next.fileHashes[f] = v
	}
	for f, v := range prev.fileMtimes {
		next.fileMtimes[f] = v
	}

	changed := false
	for ns, fname := range r.files {
		path := filepath.Join(r.dir, fname)
		info, err := os.Stat(path)
		if err != nil {
			r.log.WithFields(nil, map[string]interface{}{"file": fname, "error": err.Error()}).Warn("rule file stat failed, keeping last-good snapshot")
			metrics.IncConfigReloadError()
			continue
		}
		if info.ModTime().Equal(next.fileMtimes[fname]) {
			continue
		}

		parsed, hash, mtime, err := r.readAndParse(path)
		if err != nil {
			r.log.WithFields(nil, map[string]interface{}{"file": fname, "error": err.Error()}).Warn("rule file parse failed, keeping last-good snapshot")
			metrics.IncConfigReloadError()
			continue
		}
		if hash == next.fileHashes[fname] {
			next.fileMtimes[fname] = mtime
			continue
		}

		next.Namespaces[ns] = parsed
		next.fileHashes[fname] = hash
		next.fileMtimes[fname] = mtime
		changed = true
	}

	if !changed {
		return false, nil
	}

	next.Version = combinedVersion(next.fileHashes, r.sortedFilenames())
	r.snapshotPtr.Store(next)
	metrics.IncConfigReload()
	metrics.SetConfigVersion(next.Version)
	return true, nil
}

// readAndParse stats, reads (bounded to MaxFileBytes), hashes, and parses
// one rule file as a generic YAML map.
func (r *Registry) readAndParse(path string) (map[string]interface{}, string, time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, "", time.Time{}, err
	}
	if info.Size() > MaxFileBytes {
		return nil, "", time.Time{}, fmt.Errorf("rule file %s exceeds %d bytes", path, MaxFileBytes)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, "", time.Time{}, err
	}
	defer f.Close()

	limited := io.LimitReader(f, MaxFileBytes+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		return nil, "", time.Time{}, err
	}
	if len(raw) > MaxFileBytes {
		return nil, "", time.Time{}, fmt.Errorf("rule file %s exceeds %d bytes", path, MaxFileBytes)
	}

	sum := sha1.Sum(raw)
	hash := hex.EncodeToString(sum[:])

	substituted := substituteEnvTokens(string(raw))

	var parsed map[string]interface{}
	if err := yaml.Unmarshal([]byte(substituted), &parsed); err != nil {
		return nil, "", time.Time{}, err
	}
	if parsed == nil {
		parsed = map[string]interface{}{}
	}
	return parsed, hash, info.ModTime(), nil
}

// combinedVersion is the first 12 hex chars of sha1 over the concatenated
// per-file sha1s in sorted namespace (filename) order.
func combinedVersion(fileHashes map[string]string, sortedFiles []string) string {
	var sb strings.Builder
	for _, fname := range sortedFiles {
		sb.WriteString(fileHashes[fname])
	}
	sum := sha1.Sum([]byte(sb.String()))
	return hex.EncodeToString(sum[:])[:12]
}

// GetNS returns a deep copy of namespace ns's parsed tree, or (nil, false)
// if unknown. The copy protects the immutable published snapshot from
// caller mutation.
func (r *Registry) GetNS(ns string) (map[string]interface{}, bool) {
	snap := r.snapshotPtr.Load()
	if snap == nil {
		return nil, false
	}
	v, ok := snap.Namespaces[ns]
	if !ok {
		return nil, false
	}
	return deepCopyMap(v), true
}

// GetPath navigates dotted (first segment = namespace, remaining = nested
// map keys) and returns def on any miss.
func (r *Registry) GetPath(dotted string, def interface{}) interface{} {
	parts := strings.Split(dotted, ".")
	if len(parts) == 0 {
		return def
	}
	ns, ok := r.GetNS(parts[0])
	if !ok {
		return def
	}
	var cur interface{} = ns
	for _, key := range parts[1:] {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return def
		}
		v, ok := m[key]
		if !ok {
			return def
		}
		cur = v
	}
	return cur
}

// SnapshotVersion returns the current 12-char combined hash.
func (r *Registry) SnapshotVersion() string {
	snap := r.snapshotPtr.Load()
	if snap == nil {
		return ""
	}
	return snap.Version
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}

// envWhitelist is the closed set of ${NAME:default} tokens the registry
// honors; any other name is left literal.
var envWhitelist = map[string]bool{
	"THETA_LIQ":  true,
	"THETA_VOL":  true,
	"THETA_SENT": true,
}

var envTokenPattern = regexp.MustCompile(`\$\{([A-Za-z0-9_]+):([^}]*)\}`)

// substituteEnvTokens replaces ${NAME:default} tokens for whitelisted names
// with the environment value (or default if unset). Values are substituted
// bare, so numeric-looking ones parse as YAML numbers rather than strings.
func substituteEnvTokens(raw string) string {
	return envTokenPattern.ReplaceAllStringFunc(raw, func(tok string) string {
		m := envTokenPattern.FindStringSubmatch(tok)
		name, def := m[1], m[2]
		if !envWhitelist[name] {
			return tok
		}
		if val := os.Getenv(name); val != "" {
			return val
		}
		return def
	})
}
