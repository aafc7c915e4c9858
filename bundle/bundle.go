// Package bundle compiles the module graph rooted at a single entry file into
// one browser script, prepending a live-reload client to the entry module.
package bundle

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/evanw/esbuild/pkg/api"
)

// Artifact is one compiled bundle. It is never modified after Build returns.
type Artifact struct {
	// Seq is the build sequence number. It's assigned by the caller that
	// publishes the artifact.
	Seq uint64
	// Code is the bundled script, reload client included.
	Code []byte
	// Inputs are the absolute paths of the source files in the module graph.
	Inputs   []string
	Duration time.Duration
}

// BuildError holds the compiler diagnostics for a failed build.
type BuildError struct {
	Messages []string
}

func (e *BuildError) Error() string {
	return "bundle: build failed:\n" + strings.Join(e.Messages, "\n")
}

type Options struct {
	// Entry is the absolute path of the entry module.
	Entry string
	// Root is the directory the entry's imports resolve from. Defaults to the
	// entry's directory.
	Root string
	// ReloadURL is the websocket address the injected client connects to.
	ReloadURL string
}

// Builder compiles Options.Entry. Builds reuse esbuild's incremental context,
// so only changed modules are reparsed. Build is not safe to call
// concurrently.
type Builder struct {
	opts Options

	mu  sync.Mutex
	ctx api.BuildContext
}

func New(opts Options) *Builder {
	if opts.Root == "" {
		opts.Root = filepath.Dir(opts.Entry)
	}
	return &Builder{opts: opts}
}

// Build compiles the entry and returns the artifact with Seq unset. Compile
// failures are returned as *BuildError.
func (b *Builder) Build(ctx context.Context) (*Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	start := time.Now()
	if b.ctx == nil {
		bctx, cerr := api.Context(b.options())
		if cerr != nil {
			return nil, &BuildError{format(cerr.Errors)}
		}
		b.ctx = bctx
	}
	result := b.ctx.Rebuild()
	if len(result.Errors) > 0 {
		return nil, &BuildError{format(result.Errors)}
	}
	if len(result.OutputFiles) == 0 {
		return nil, &BuildError{[]string{"no output for " + b.opts.Entry}}
	}
	var code []byte
	for _, file := range result.OutputFiles {
		if strings.HasSuffix(file.Path, ".js") {
			code = file.Contents
			break
		}
	}
	if code == nil {
		code = result.OutputFiles[0].Contents
	}
	inputs, err := metaInputs(b.opts.Root, result.Metafile)
	if err != nil {
		return nil, err
	}
	return &Artifact{
		Code:     code,
		Inputs:   inputs,
		Duration: time.Since(start),
	}, nil
}

// Close releases the incremental build context.
func (b *Builder) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx != nil {
		b.ctx.Dispose()
		b.ctx = nil
	}
}

func (b *Builder) options() api.BuildOptions {
	return api.BuildOptions{
		EntryPoints:   []string{b.opts.Entry},
		AbsWorkingDir: b.opts.Root,
		Outfile:       filepath.Join(b.opts.Root, "bundle.js"),
		Bundle:        true,
		Write:         false,
		Metafile:      true,
		Format:        api.FormatIIFE,
		Platform:      api.PlatformBrowser,
		Sourcemap:     api.SourceMapInline,
		LogLevel:      api.LogLevelSilent,
		Plugins:       []api.Plugin{b.reloadPlugin()},
	}
}

// reloadPlugin prepends the reload client to the entry module. Every other
// module loads untouched.
func (b *Builder) reloadPlugin() api.Plugin {
	snippet := Snippet(b.opts.ReloadURL)
	return api.Plugin{
		Name: "livereload",
		Setup: func(build api.PluginBuild) {
			build.OnLoad(api.OnLoadOptions{
				Filter:    entryFilter(b.opts.Entry),
				Namespace: "file",
			}, func(args api.OnLoadArgs) (api.OnLoadResult, error) {
				source, err := readFile(args.Path)
				if err != nil {
					return api.OnLoadResult{}, err
				}
				contents := snippet + source
				return api.OnLoadResult{
					Contents:   &contents,
					Loader:     loader(args.Path),
					ResolveDir: filepath.Dir(args.Path),
					WatchFiles: []string{args.Path},
				}, nil
			})
		},
	}
}

// entryFilter matches the entry as given and as resolved. esbuild loads
// modules by their real path, so an entry reached through a symlink
// wouldn't match otherwise.
func entryFilter(entry string) string {
	entry = filepath.Clean(entry)
	paths := []string{regexp.QuoteMeta(entry)}
	if real, err := filepath.EvalSymlinks(entry); err == nil && real != entry {
		paths = append(paths, regexp.QuoteMeta(real))
	}
	return "^(" + strings.Join(paths, "|") + ")$"
}

func loader(path string) api.Loader {
	switch filepath.Ext(path) {
	case ".jsx":
		return api.LoaderJSX
	case ".ts", ".mts", ".cts":
		return api.LoaderTS
	case ".tsx":
		return api.LoaderTSX
	default:
		return api.LoaderJS
	}
}

type metafile struct {
	Inputs map[string]json.RawMessage `json:"inputs"`
}

// metaInputs returns the absolute paths of the file-backed inputs, skipping
// installed dependencies.
func metaInputs(root, meta string) ([]string, error) {
	if meta == "" {
		return nil, nil
	}
	var mf metafile
	if err := json.Unmarshal([]byte(meta), &mf); err != nil {
		return nil, fmt.Errorf("bundle: decoding metafile: %w", err)
	}
	inputs := make([]string, 0, len(mf.Inputs))
	for path := range mf.Inputs {
		// Inputs from other namespaces look like "ns:path"
		if i := strings.Index(path, ":"); i > 1 && !filepath.IsAbs(path) {
			continue
		}
		if strings.Contains(filepath.ToSlash(path), "node_modules/") {
			continue
		}
		if !filepath.IsAbs(path) {
			path = filepath.Join(root, filepath.FromSlash(path))
		}
		inputs = append(inputs, path)
	}
	sort.Strings(inputs)
	return inputs, nil
}

func format(msgs []api.Message) []string {
	return api.FormatMessages(msgs, api.FormatMessagesOptions{
		Kind: api.ErrorMessage,
	})
}
