package plan

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/pmclSF/monotize/internal/hash"
)

// ErrPlanNotFound indicates the plan file does not exist.
var ErrPlanNotFound = errors.New("plan file not found")

// Load reads, fingerprints and validates the plan file at path.
// The file is read exactly once; the fingerprint covers its raw bytes.
func Load(path string) (*Loaded, error) {
	return LoadWith(path, hash.NewDigestHasher())
}

// LoadWith is Load with an explicit hasher.
func LoadWith(path string, hasher hash.Hasher) (*Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, path)
		}
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}

	p, err := Parse(data)
	if err != nil {
		return nil, err
	}

	return &Loaded{
		Path:        path,
		Raw:         data,
		Fingerprint: hasher.HashBytes(data),
		Plan:        p,
	}, nil
}

// Parse validates and decodes plan JSON.
func Parse(data []byte) (*Plan, error) {
	doc, err := sjsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, &SchemaError{Errors: []*ValidationError{{
			Phase:   "structural",
			Message: fmt.Sprintf("plan is not valid JSON: %v", err),
		}}}
	}

	if errs := Validate(doc); len(errs) > 0 {
		return nil, &SchemaError{Errors: errs}
	}

	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode plan: %w", err)
	}
	return &p, nil
}
