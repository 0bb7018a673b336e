package plan

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"sync"

	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/pmclSF/monotize/internal/fsops"
)

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "https://github.com/pmclSF/monotize/schemas/plan-v1.json"

// ErrSchema matches every *SchemaError.
var ErrSchema = errors.New("invalid plan")

// ValidationError is a single plan violation with its location.
type ValidationError struct {
	Phase   string `json:"phase"` // structural, domain
	Path    string `json:"path"`  // e.g. "sources/0/path"
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("[%s] %s", e.Phase, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Phase, e.Path, e.Message)
}

// SchemaError reports that a plan failed validation.
type SchemaError struct {
	Errors []*ValidationError
}

func (e *SchemaError) Error() string {
	if len(e.Errors) == 0 {
		return ErrSchema.Error()
	}
	msg := fmt.Sprintf("%s: %s", ErrSchema, e.Errors[0])
	if n := len(e.Errors) - 1; n > 0 {
		msg += fmt.Sprintf(" (and %d more)", n)
	}
	return msg
}

// Is reports whether target is ErrSchema.
func (e *SchemaError) Is(target error) bool {
	return target == ErrSchema
}

var compiledSchema = sync.OnceValues(func() (*sjsonschema.Schema, error) {
	doc, err := sjsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal plan schema: %w", err)
	}
	c := sjsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("add plan schema resource: %w", err)
	}
	return c.Compile(schemaURL)
})

var printer = message.NewPrinter(language.English)

// Valid reports whether doc is a structurally and semantically valid plan.
func Valid(doc any) bool {
	return len(Validate(doc)) == 0
}

// Validate checks an untyped, parsed plan document. It never panics and
// reports every violation it finds; an empty result means the plan is safe
// to hand to the engine.
//
// Phase 1 (structural) checks the document against the embedded JSON Schema.
// Phase 2 (domain) runs only when phase 1 passes and checks path safety and
// name uniqueness.
func Validate(doc any) []*ValidationError {
	if errs := validateStructural(doc); len(errs) > 0 {
		return errs
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return []*ValidationError{{Phase: "structural", Message: fmt.Sprintf("marshal document: %v", err)}}
	}
	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return []*ValidationError{{Phase: "structural", Message: fmt.Sprintf("decode document: %v", err)}}
	}
	return validateDomain(&p)
}

func validateStructural(doc any) []*ValidationError {
	sch, err := compiledSchema()
	if err != nil {
		return []*ValidationError{{Phase: "structural", Message: fmt.Sprintf("compile schema: %v", err)}}
	}

	err = sch.Validate(doc)
	if err == nil {
		return nil
	}

	var ve *sjsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []*ValidationError{{Phase: "structural", Message: err.Error()}}
	}

	var errs []*ValidationError
	for _, cause := range flattenValidationErrors(ve) {
		errs = append(errs, &ValidationError{
			Phase:   "structural",
			Path:    strings.Join(cause.InstanceLocation, "/"),
			Message: cause.ErrorKind.LocalizedString(printer),
		})
	}
	return errs
}

// flattenValidationErrors recursively collects all leaf validation errors.
func flattenValidationErrors(ve *sjsonschema.ValidationError) []*sjsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*sjsonschema.ValidationError{ve}
	}
	var flat []*sjsonschema.ValidationError
	for _, cause := range ve.Causes {
		flat = append(flat, flattenValidationErrors(cause)...)
	}
	return flat
}

func validateDomain(p *Plan) []*ValidationError {
	var errs []*ValidationError
	add := func(at, format string, args ...any) {
		errs = append(errs, &ValidationError{Phase: "domain", Path: at, Message: fmt.Sprintf(format, args...)})
	}

	pkgsDir := ""
	if err := fsops.ValidateRelPath(p.PackagesDir); err != nil {
		add("packagesDir", "%v", err)
	} else {
		pkgsDir = cleanRel(p.PackagesDir)
	}

	seenNames := make(map[string]int, len(p.Sources))
	srcPaths := make([]string, len(p.Sources))
	for i, src := range p.Sources {
		loc := fmt.Sprintf("sources/%d", i)
		if err := fsops.ValidateIdentifier(src.Name); err != nil {
			add(loc+"/name", "%v", err)
		} else if prev, dup := seenNames[src.Name]; dup {
			add(loc+"/name", "duplicate package name %q (also sources/%d)", src.Name, prev)
		} else {
			seenNames[src.Name] = i
		}
		if !filepath.IsAbs(src.Path) {
			add(loc+"/path", "source path must be absolute, got %q", src.Path)
			continue
		}
		cleaned := filepath.Clean(src.Path)
		for j, other := range srcPaths[:i] {
			if other == "" {
				continue
			}
			switch {
			case other == cleaned:
				add(loc+"/path", "duplicate source path %q (also sources/%d)", src.Path, j)
			case within(cleaned, other, string(filepath.Separator)), within(other, cleaned, string(filepath.Separator)):
				add(loc+"/path", "source path %q overlaps sources/%d (%s)", src.Path, j, other)
			}
		}
		srcPaths[i] = cleaned
	}

	seenFiles := make(map[string]int, len(p.Files))
	for i, f := range p.Files {
		loc := fmt.Sprintf("files/%d/relativePath", i)
		if err := fsops.ValidateRelPath(f.RelativePath); err != nil {
			add(loc, "%v", err)
			continue
		}
		cleaned := cleanRel(f.RelativePath)
		if cleaned == RootManifestName {
			add(loc, "%s is reserved for the root manifest", RootManifestName)
		}
		if pkgsDir != "" {
			if cleaned == pkgsDir || within(pkgsDir, cleaned, "/") {
				add(loc, "%q collides with packagesDir %q", cleaned, pkgsDir)
			}
			for d := cleaned; d != "." && d != "/"; d = path.Dir(d) {
				if _, ok := seenNames[path.Base(d)]; ok && path.Dir(d) == pkgsDir {
					add(loc, "%q is inside package %q", cleaned, path.Base(d))
				}
			}
		}
		if prev, dup := seenFiles[cleaned]; dup {
			add(loc, "duplicate file path %q (also files/%d)", cleaned, prev)
		} else {
			seenFiles[cleaned] = i
		}
	}

	for i, f := range p.Files {
		cleaned := cleanRel(f.RelativePath)
		for d := path.Dir(cleaned); d != "." && d != "/"; d = path.Dir(d) {
			if j, ok := seenFiles[d]; ok {
				add(fmt.Sprintf("files/%d/relativePath", i), "%q is below files/%d, which is a file", cleaned, j)
			}
		}
	}

	return errs
}

// cleanRel returns a relative path in cleaned slash form.
func cleanRel(rel string) string {
	return filepath.ToSlash(filepath.Clean(filepath.FromSlash(rel)))
}

// within reports whether p lies strictly below dir.
func within(p, dir, sep string) bool {
	return strings.HasPrefix(p, strings.TrimSuffix(dir, sep)+sep)
}
