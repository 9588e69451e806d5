// Package costconfig loads the action cost table from YAML.
package costconfig

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strings"

	"github.com/MarkoPoloResearchLab/videocredits/pkg/ledger"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

//go:embed default_costs.yaml
var defaultCostsYAML []byte

const actionIDTag = "action_id"

var actionIDPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// File is the on-disk shape of a cost table.
type File struct {
	Actions []ActionCost `yaml:"actions" validate:"required,min=1,dive"`
}

// ActionCost prices one action in both credit types.
type ActionCost struct {
	Action      string `yaml:"action" validate:"required,action_id"`
	SCRD        int64  `yaml:"s_crd" validate:"gte=0"`
	ECRD        int64  `yaml:"e_crd" validate:"gte=0"`
	Description string `yaml:"description" validate:"max=200"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	instance := validator.New()
	instance.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	if err := instance.RegisterValidation(actionIDTag, func(level validator.FieldLevel) bool {
		return actionIDPattern.MatchString(level.Field().String())
	}); err != nil {
		panic(err)
	}
	return instance
}

// Load reads the table at path, or the embedded default table when path is empty.
func Load(path string) (*ledger.CostTable, error) {
	if strings.TrimSpace(path) == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cost table: %w", err)
	}
	return Parse(data)
}

// Default returns the embedded cost table.
func Default() (*ledger.CostTable, error) {
	return Parse(defaultCostsYAML)
}

// Parse decodes, validates and builds a cost table. Unknown keys are rejected.
func Parse(data []byte) (*ledger.CostTable, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	var file File
	if err := decoder.Decode(&file); err != nil {
		return nil, fmt.Errorf("%w: parse: %v", ledger.ErrInvalidCostTable, err)
	}
	if err := validate.Struct(file); err != nil {
		return nil, fmt.Errorf("%w: %s", ledger.ErrInvalidCostTable, describe(err))
	}
	entries := make([]ledger.CostEntry, 0, len(file.Actions))
	for _, actionCost := range file.Actions {
		action, err := ledger.NewActionID(actionCost.Action)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ledger.ErrInvalidCostTable, err)
		}
		entries = append(entries, ledger.CostEntry{
			Action:      action,
			Cost:        ledger.Cost{SCRD: ledger.Credits(actionCost.SCRD), ECRD: ledger.Credits(actionCost.ECRD)},
			Description: strings.TrimSpace(actionCost.Description),
		})
	}
	return ledger.NewCostTable(entries)
}

func describe(err error) string {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err.Error()
	}
	messages := make([]string, 0, len(validationErrors))
	for _, fieldError := range validationErrors {
		messages = append(messages, fmt.Sprintf("%s failed %s", fieldError.Namespace(), fieldError.Tag()))
	}
	return strings.Join(messages, "; ")
}
