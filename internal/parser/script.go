package parser

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dop251/goja"
	json "github.com/goccy/go-json"

	"github.com/dropwire/dropwire/errs"
	"github.com/dropwire/dropwire/internal/schema"
)

// ScriptKeyPrefix namespaces parser keys backed by JavaScript extractors.
const ScriptKeyPrefix = "script:"

// scriptParser runs a compiled JavaScript extractor. Each Parse call uses a
// fresh runtime with no I/O host functions, so extractors stay pure.
type scriptParser struct {
	name    string
	program *goja.Program
}

// CompileScript validates and compiles an extractor. The script must export
// an extract(payload) function via module.exports.
func CompileScript(name, source string) (Parser, error) {
	program, err := goja.Compile(name, source, true)
	if err != nil {
		return nil, errs.New("parser", errs.CodeInvalid,
			errs.WithMessage("compile extractor script"),
			errs.WithField("script", name),
			errs.WithCause(err))
	}
	p := &scriptParser{name: name, program: program}
	// Run once with an empty payload so broken exports fail at registry
	// build, not on the first live fetch.
	if _, err := p.run("", []byte("{}")); err != nil {
		if e, ok := err.(*errs.E); !ok || e.Code != errs.CodeParse {
			return nil, err
		}
	}
	return p, nil
}

// Parse implements Parser.
func (p *scriptParser) Parse(source string, payload []byte) ([]schema.RawRelease, error) {
	return p.run(source, payload)
}

func (p *scriptParser) run(source string, payload []byte) ([]schema.RawRelease, error) {
	rt := goja.New()
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	module := rt.NewObject()
	exports := rt.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, scriptError(p.name, "module init", err)
	}
	if err := rt.Set("exports", exports); err != nil {
		return nil, scriptError(p.name, "module init", err)
	}
	if err := rt.Set("module", module); err != nil {
		return nil, scriptError(p.name, "module init", err)
	}
	if err := rt.Set("console", noopConsole(rt)); err != nil {
		return nil, scriptError(p.name, "module init", err)
	}

	if _, err := rt.RunProgram(p.program); err != nil {
		return nil, scriptError(p.name, "run extractor", err)
	}

	exported := module.Get("exports").ToObject(rt)
	if exported == nil {
		return nil, scriptError(p.name, "module.exports must be an object", nil)
	}
	extractValue := exported.Get("extract")
	extract, ok := goja.AssertFunction(extractValue)
	if !ok {
		return nil, scriptError(p.name, "module.exports.extract must be a function", nil)
	}

	result, err := extract(goja.Undefined(), rt.ToValue(string(payload)), rt.ToValue(source))
	if err != nil {
		return nil, parseError(fmt.Sprintf("extractor %s raised", p.name), err)
	}
	if goja.IsUndefined(result) || goja.IsNull(result) {
		return nil, nil
	}

	encoded, err := json.Marshal(result.Export())
	if err != nil {
		return nil, parseError(fmt.Sprintf("extractor %s returned unencodable value", p.name), err)
	}
	var records []schema.RawRelease
	if err := json.Unmarshal(encoded, &records); err != nil {
		return nil, parseError(fmt.Sprintf("extractor %s must return an array of releases", p.name), err)
	}
	for i := range records {
		records[i].StatusRaw = inferStatusRaw(records[i].StatusRaw, records[i].Title)
	}
	return records, nil
}

// LoadScripts compiles every .js file under dir and registers it as
// script:<basename>. A compile failure aborts the load.
func (r *Registry) LoadScripts(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.New("parser", errs.CodeUnavailable,
			errs.WithMessage("read extractor directory"),
			errs.WithField("dir", dir),
			errs.WithCause(err))
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(strings.ToLower(entry.Name()), ".js") {
			continue
		}
		fullPath := filepath.Join(dir, entry.Name())
		// #nosec G304 -- fullPath originates from os.ReadDir within the catalog directory.
		source, err := os.ReadFile(fullPath)
		if err != nil {
			return errs.New("parser", errs.CodeUnavailable,
				errs.WithMessage("read extractor script"),
				errs.WithField("script", fullPath),
				errs.WithCause(err))
		}
		name := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		compiled, err := CompileScript(name, string(source))
		if err != nil {
			return err
		}
		if err := r.Register(ScriptKeyPrefix+name, compiled); err != nil {
			return err
		}
	}
	return nil
}

func noopConsole(rt *goja.Runtime) *goja.Object {
	console := rt.NewObject()
	noop := func(goja.FunctionCall) goja.Value { return goja.Undefined() }
	_ = console.Set("log", noop)
	_ = console.Set("error", noop)
	_ = console.Set("warn", noop)
	_ = console.Set("info", noop)
	return console
}

// scriptError reports a structural problem with the extractor module itself,
// as opposed to a payload mismatch. CompileScript rejects these at load.
func scriptError(name, message string, cause error) error {
	opts := []errs.Option{
		errs.WithMessage(message),
		errs.WithField("script", name),
	}
	if cause != nil {
		opts = append(opts, errs.WithCause(cause))
	}
	return errs.New("parser", errs.CodeInvalid, opts...)
}
