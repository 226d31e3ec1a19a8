package generator

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/sal-scripts-packager/internal/domain/script"
	"github.com/oshokin/sal-scripts-packager/internal/service/guard"
	"github.com/oshokin/sal-scripts-packager/internal/service/packager"
)

const (
	inventoryManifest = `[{"plugin":"inventory","filename":"collect.sh"}]`
	inventoryScript   = `[{"content":"#!/bin/sh\necho hi"}]`
)

// salServer serves fixed bodies per path and counts every request.
type salServer struct {
	*httptest.Server

	hits        atomic.Int32
	scriptHits  atomic.Int32
	routesMutex sync.Mutex
	routes      map[string]string
}

func newSalServer(t *testing.T, routes map[string]string) *salServer {
	t.Helper()

	s := &salServer{routes: routes}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)

		if strings.Contains(r.URL.Path, "/get-script/") {
			s.scriptHits.Add(1)
		}

		s.routesMutex.Lock()
		body, ok := s.routes[r.URL.Path]
		s.routesMutex.Unlock()

		if !ok {
			http.NotFound(w, r)
			return
		}

		if html, found := strings.CutPrefix(body, "<404>"); found {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(html))

			return
		}

		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(s.Close)

	return s
}

// pkgbuildStub records invocations and writes a fake artifact.
type pkgbuildStub struct {
	mutex  sync.Mutex
	calls  int
	args   []string
	staged map[string]string
}

func (p *pkgbuildStub) Run(_ context.Context, _ string, args ...string) ([]byte, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.calls++
	p.args = append([]string(nil), args...)
	p.staged = make(map[string]string)

	root := args[1]

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}

		contents, readErr := os.ReadFile(path)
		if readErr != nil {
			return readErr
		}

		p.staged[filepath.ToSlash(rel)] = string(contents)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return []byte("pkgbuild: Wrote package"), os.WriteFile(args[len(args)-1], []byte("xar!"), 0o600)
}

func (p *pkgbuildStub) Calls() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.calls
}

func testClock() time.Time {
	return time.Date(2024, time.March, 7, 9, 30, 0, 0, time.Local)
}

func rootEnvironment(stub *pkgbuildStub) environment {
	return environment{
		geteuid:  func() int { return 0 },
		commands: stub,
		now:      testClock,
	}
}

func testOptions(t *testing.T, serverURL string) *Options {
	t.Helper()

	return &Options{
		ServerURL:      serverURL,
		OutputDir:      t.TempDir(),
		ConnectTimeout: time.Second,
		RequestTimeout: 5 * time.Second,
		LockPath:       filepath.Join(t.TempDir(), guard.LockFileName),
		Clean:          true,
		Stdout:         &bytes.Buffer{},
	}
}

func artifactsIn(t *testing.T, dir string) []string {
	t.Helper()

	matches, err := filepath.Glob(filepath.Join(dir, "*"+packager.ArtifactExtension))
	require.NoError(t, err)

	return matches
}

// TestRun_RequiresPrivilege fails before any request is made.
func TestRun_RequiresPrivilege(t *testing.T) {
	t.Parallel()

	server := newSalServer(t, map[string]string{"/preflight-v2/": inventoryManifest})
	stub := &pkgbuildStub{}
	opts := testOptions(t, server.URL)

	env := rootEnvironment(stub)
	env.geteuid = func() int { return 501 }

	_, err := run(context.Background(), opts, env)
	require.ErrorIs(t, err, script.ErrPrivilege)
	require.Zero(t, server.hits.Load())
	require.Zero(t, stub.Calls())
	require.Empty(t, artifactsIn(t, opts.OutputDir))
}

// TestRun_StagesAndBuilds covers a single-script manifest end to end.
func TestRun_StagesAndBuilds(t *testing.T) {
	t.Parallel()

	server := newSalServer(t, map[string]string{
		"/preflight-v2/": inventoryManifest,
		"/preflight-v2/get-script/inventory/collect.sh/": inventoryScript,
	})
	stub := &pkgbuildStub{}
	opts := testOptions(t, server.URL)
	opts.Clean = false
	stdout := &bytes.Buffer{}
	opts.Stdout = stdout

	result, err := run(context.Background(), opts, rootEnvironment(stub))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = os.RemoveAll(result.PayloadRoot)
	})

	require.Equal(t, result.ScriptsDir+"\n", stdout.String())
	require.NotEmpty(t, result.RunID)
	require.Equal(t, 1, result.Scripts)
	require.Equal(t, "2024.03.07", result.Version)
	require.Equal(t, filepath.Join(opts.OutputDir, "sal_external_scripts-2024.03.07.pkg"), result.Artifact)
	require.FileExists(t, result.Artifact)

	staged := filepath.Join(result.ScriptsDir, "inventory", "collect.sh")
	contents, err := os.ReadFile(staged)
	require.NoError(t, err)
	require.Equal(t, "#!/bin/sh\necho hi", string(contents))

	info, err := os.Stat(staged)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	require.Equal(t, 1, stub.Calls())
	require.Equal(t, result.PayloadRoot, stub.args[1])
	require.Equal(t, map[string]string{
		"usr/local/sal/external_scripts/inventory/collect.sh": "#!/bin/sh\necho hi",
	}, stub.staged)
}

// TestRun_MalformedManifest never fetches scripts nor builds.
func TestRun_MalformedManifest(t *testing.T) {
	t.Parallel()

	server := newSalServer(t, map[string]string{
		"/preflight-v2/": "<html><body>Server Error</body></html>",
		"/preflight-v2/get-script/inventory/collect.sh/": inventoryScript,
	})
	stub := &pkgbuildStub{}
	opts := testOptions(t, server.URL)

	_, err := run(context.Background(), opts, rootEnvironment(stub))
	require.ErrorIs(t, err, script.ErrManifestFormat)
	require.Zero(t, server.scriptHits.Load())
	require.Zero(t, stub.Calls())
	require.Empty(t, artifactsIn(t, opts.OutputDir))
}

// TestRun_BadScript aborts without an artifact when any script is malformed.
func TestRun_BadScript(t *testing.T) {
	t.Parallel()

	server := newSalServer(t, map[string]string{
		"/preflight-v2/": `[{"plugin":"inventory","filename":"collect.sh"},{"plugin":"munki","filename":"facts.py"}]`,
		"/preflight-v2/get-script/inventory/collect.sh/": inventoryScript,
		"/preflight-v2/get-script/munki/facts.py/":       `[{"id":7}]`,
	})
	stub := &pkgbuildStub{}
	opts := testOptions(t, server.URL)

	_, err := run(context.Background(), opts, rootEnvironment(stub))
	require.ErrorIs(t, err, script.ErrScriptContent)
	require.Zero(t, stub.Calls())
	require.Empty(t, artifactsIn(t, opts.OutputDir))
}

// TestRun_MissingScript treats a failed script request as a transport failure.
func TestRun_MissingScript(t *testing.T) {
	t.Parallel()

	server := newSalServer(t, map[string]string{"/preflight-v2/": inventoryManifest})
	stub := &pkgbuildStub{}
	opts := testOptions(t, server.URL)

	_, err := run(context.Background(), opts, rootEnvironment(stub))
	require.ErrorIs(t, err, script.ErrTransport)
	require.Zero(t, stub.Calls())
}

// TestRun_EmptyManifest still produces an artifact.
func TestRun_EmptyManifest(t *testing.T) {
	t.Parallel()

	for name, routes := range map[string]map[string]string{
		"empty": {"/preflight-v2/": "[]"},
		"null":  {"/preflight-v2/": "null"},
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			server := newSalServer(t, routes)
			stub := &pkgbuildStub{}
			opts := testOptions(t, server.URL)

			result, err := run(context.Background(), opts, rootEnvironment(stub))
			require.NoError(t, err)
			require.Zero(t, result.Scripts)
			require.FileExists(t, result.Artifact)
			require.Equal(t, 1, stub.Calls())
			require.Empty(t, stub.staged)

			// Clean removed the staging tree.
			require.NoDirExists(t, result.PayloadRoot)
		})
	}
}

// TestRun_ManifestNotFound never builds a package that would only wipe the install directory.
func TestRun_ManifestNotFound(t *testing.T) {
	t.Parallel()

	for name, tc := range map[string]struct {
		routes map[string]string
		want   error
	}{
		"no route":  {routes: nil, want: script.ErrTransport},
		"html 404":  {routes: map[string]string{"/preflight-v2/": "<404><h1>Page not found</h1>"}, want: script.ErrTransport},
		"blank 200": {routes: map[string]string{"/preflight-v2/": ""}, want: script.ErrManifestFormat},
		"html 200":  {routes: map[string]string{"/preflight-v2/": "<h1>Page not found</h1>"}, want: script.ErrManifestFormat},
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			server := newSalServer(t, tc.routes)
			stub := &pkgbuildStub{}
			opts := testOptions(t, server.URL)

			_, err := run(context.Background(), opts, rootEnvironment(stub))
			require.ErrorIs(t, err, tc.want)
			require.Zero(t, server.scriptHits.Load())
			require.Zero(t, stub.Calls())
			require.Empty(t, artifactsIn(t, opts.OutputDir))
		})
	}

	// A mistyped server path answers 404 for everything below it.
	server := newSalServer(t, map[string]string{"/preflight-v2/": inventoryManifest})
	stub := &pkgbuildStub{}
	opts := testOptions(t, server.URL+"/typo")

	_, err := run(context.Background(), opts, rootEnvironment(stub))
	require.ErrorIs(t, err, script.ErrTransport)
	require.Zero(t, stub.Calls())
	require.Empty(t, artifactsIn(t, opts.OutputDir))
}

// TestRun_Idempotent stages byte-identical payloads for an unchanged manifest.
func TestRun_Idempotent(t *testing.T) {
	t.Parallel()

	server := newSalServer(t, map[string]string{
		"/preflight-v2/": `[{"plugin":"inventory","filename":"collect.sh"},{"plugin":"inventory","filename":"disk.sh"}]`,
		"/preflight-v2/get-script/inventory/collect.sh/": inventoryScript,
		"/preflight-v2/get-script/inventory/disk.sh/":    `[{"content":"#!/bin/sh\ndf -h\n"}]`,
	})

	first := &pkgbuildStub{}
	_, err := run(context.Background(), testOptions(t, server.URL), rootEnvironment(first))
	require.NoError(t, err)

	second := &pkgbuildStub{}
	_, err = run(context.Background(), testOptions(t, server.URL), rootEnvironment(second))
	require.NoError(t, err)

	require.Len(t, first.staged, 2)
	require.Equal(t, first.staged, second.staged)
}

// TestRun_Report writes the build description next to the artifact.
func TestRun_Report(t *testing.T) {
	t.Parallel()

	server := newSalServer(t, map[string]string{
		"/preflight-v2/": inventoryManifest,
		"/preflight-v2/get-script/inventory/collect.sh/": inventoryScript,
	})
	opts := testOptions(t, server.URL)
	opts.Report = true

	result, err := run(context.Background(), opts, rootEnvironment(&pkgbuildStub{}))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(opts.OutputDir, "sal_external_scripts-2024.03.07.yaml"), result.Description)

	contents, err := os.ReadFile(result.Description)
	require.NoError(t, err)
	require.Contains(t, string(contents), "inventory/collect.sh")
	require.Contains(t, string(contents), result.RunID)
}

// TestRun_InvalidOptions rejects bad output directories and server URLs.
func TestRun_InvalidOptions(t *testing.T) {
	t.Parallel()

	server := newSalServer(t, nil)

	opts := testOptions(t, server.URL)
	file := filepath.Join(opts.OutputDir, "file")
	require.NoError(t, os.WriteFile(file, nil, 0o600))
	opts.OutputDir = file

	_, err := run(context.Background(), opts, rootEnvironment(&pkgbuildStub{}))
	require.ErrorIs(t, err, errOutputNotDir)

	opts = testOptions(t, "")

	_, err = run(context.Background(), opts, rootEnvironment(&pkgbuildStub{}))
	require.ErrorIs(t, err, errServerURLRequired)

	opts = testOptions(t, "ftp://sal")

	_, err = run(context.Background(), opts, rootEnvironment(&pkgbuildStub{}))
	require.Error(t, err)

	_, err = run(context.Background(), nil, rootEnvironment(&pkgbuildStub{}))
	require.ErrorIs(t, err, errNilOptions)
	require.Zero(t, server.hits.Load())
}

// TestRun_AlreadyRunning refuses to run while another run holds the lock.
func TestRun_AlreadyRunning(t *testing.T) {
	t.Parallel()

	server := newSalServer(t, map[string]string{"/preflight-v2/": "[]"})
	opts := testOptions(t, server.URL)

	lock, err := guard.Acquire(context.Background(), opts.LockPath)
	require.NoError(t, err)

	defer func() {
		_ = lock.Release()
	}()

	_, err = run(context.Background(), opts, rootEnvironment(&pkgbuildStub{}))
	require.ErrorIs(t, err, guard.ErrAlreadyRunning)
	require.Zero(t, server.hits.Load())
}
