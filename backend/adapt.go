package backend

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-playground/validator/v10"
	"gonum.org/v1/gonum/diff/fd"
	"gopkg.in/yaml.v3"

	"github.com/curioloop/derivop/numdiff"
)

// Config selects and tunes the differentiation backend.
//
//	kind: sparse
//	formula: central
//	hessian_step: 1e-4
//	threshold: 1e-8
type Config struct {
	Kind Kind `yaml:"kind" validate:"gte=0,lte=1"`
	// Formula is "forward" or "central"; empty means central.
	Formula     string  `yaml:"formula" validate:"omitempty,oneof=forward central"`
	Step        float64 `yaml:"step" validate:"gte=0"`
	HessianStep float64 `yaml:"hessian_step" validate:"gte=0"`
	// Threshold only applies to sparse probing.
	Threshold  float64 `yaml:"threshold" validate:"gte=0,lt=1"`
	Concurrent bool    `yaml:"concurrent"`
}

func (k *Kind) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "dense":
		*k = DenseKind
	case "sparse":
		*k = SparseKind
	default:
		return fmt.Errorf("unknown backend kind %q", text)
	}
	return nil
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

const configOp = "config"

// Validate checks the field constraints of the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verr validator.ValidationErrors
		if errors.As(err, &verr) && len(verr) > 0 {
			fe := verr[0]
			return &OpError{Op: configOp, Err: fmt.Errorf("%w: %s fails %q on %v", ErrConfiguration, fe.Field(), fe.Tag(), fe.Value())}
		}
		return &OpError{Op: configOp, Err: fmt.Errorf("%w: %v", ErrConfiguration, err)}
	}
	return nil
}

// LoadConfig decodes a YAML configuration, rejecting unknown fields, and validates it.
func LoadConfig(r io.Reader) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, &OpError{Op: configOp, Err: fmt.Errorf("%w: %v", ErrConfiguration, err)}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Adapt builds the handles used by the operator factory.
//
// In dense mode both handles are the same FiniteDiff and there is no fallback.
// In sparse mode both handles are the same Sparse backend, and its FiniteDiff
// serves products as the dense fallback.
func Adapt(cfg Config) (Handles, error) {
	if err := cfg.Validate(); err != nil {
		return Handles{}, err
	}

	dense := &FiniteDiff{
		Step:        cfg.Step,
		HessianStep: cfg.HessianStep,
		Concurrent:  cfg.Concurrent,
	}
	method := numdiff.Central
	if cfg.Formula == "forward" {
		dense.Formula = fd.Forward
		method = numdiff.Forward
	}

	switch cfg.Kind {
	case DenseKind:
		return Handles{First: dense, Second: dense}, nil
	case SparseKind:
		sparse := &Sparse{Dense: dense, Method: method, Threshold: cfg.Threshold}
		return Handles{First: sparse, Second: sparse, Dense: dense}, nil
	}
	return Handles{}, &OpError{Op: configOp, Err: fmt.Errorf("%w: unknown backend kind %d", ErrConfiguration, cfg.Kind)}
}
