package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/schema"
	"gopkg.in/yaml.v3"

	schemasassets "github.com/3leaps/courtsync/internal/assets/schemas"
	"github.com/3leaps/courtsync/pkg/quota"
)

// ErrValidationFailed indicates a settings document failed schema validation.
var ErrValidationFailed = errors.New("settings validation failed")

// Document is a settings file as imported by `courtsync settings import`.
// Nil fields are left untouched on import.
type Document struct {
	Schema       string        `json:"$schema,omitempty" yaml:"$schema,omitempty"`
	Environment  string        `json:"environment,omitempty" yaml:"environment,omitempty"`
	Databases    []string      `json:"databases,omitempty" yaml:"databases,omitempty"`
	APILimits    *quota.Limits `json:"api_limits,omitempty" yaml:"api_limits,omitempty"`
	CityVariants [][]string    `json:"city_variants,omitempty" yaml:"city_variants,omitempty"`
	GoogleAPIKey string        `json:"google_api_key,omitempty" yaml:"google_api_key,omitempty"`
}

// ValidationError is a single schema violation.
type ValidationError struct {
	Path    string
	Message string
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors collects every violation in a document.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 1 {
		return e[0].Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "settings validation failed with %d errors:", len(e))
	for _, err := range e {
		b.WriteString("\n  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

func (e ValidationErrors) Unwrap() error {
	return ErrValidationFailed
}

var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

func getValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		validator, validatorErr = schema.NewValidator(schemasassets.SettingsDocumentSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("compile settings schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}

// LoadDocument reads and validates a settings file. YAML and JSON are both
// accepted; JSON is a subset of YAML.
func LoadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("settings file not found: %s", path)
		}
		return nil, fmt.Errorf("read settings file: %w", err)
	}
	return ParseDocument(data, filepath.Base(path))
}

// ParseDocument validates data against the settings schema and decodes it.
// name is only used in error messages.
func ParseDocument(data []byte, name string) (*Document, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, fmt.Errorf("settings file %s is empty", name)
	}

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML in %s: %w", name, err)
	}
	jsonData, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("convert %s to JSON: %w", name, err)
	}

	if err := ValidateRaw(jsonData); err != nil {
		return nil, err
	}

	var doc Document
	if err := json.Unmarshal(jsonData, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return &doc, nil
}

// ValidateRaw checks JSON data against the embedded settings schema.
func ValidateRaw(jsonData []byte) error {
	v, err := getValidator()
	if err != nil {
		return err
	}

	diags, err := v.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	var errs ValidationErrors
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			errs = append(errs, ValidationError{Path: d.Pointer, Message: d.Message})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}
