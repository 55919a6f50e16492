package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/objectwire/objectwire/actor"
	"github.com/objectwire/objectwire/rpcerrors"
	"github.com/objectwire/objectwire/wire"
)

// targetPattern is the only accepted target identifier syntax.
var targetPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

type (
	// ValidationConfig parameterizes pre-dispatch envelope validation.
	ValidationConfig struct {
		// MaxArgumentBytes bounds each encoded argument. Defaults to 1 MiB.
		MaxArgumentBytes int
		// MaxArguments bounds the argument count. Defaults to 32.
		MaxArguments int
	}

	// Validator enforces size, arity and syntax limits on invocations and
	// optionally validates arguments against per-target JSON Schemas.
	Validator struct {
		cfg ValidationConfig

		mu      sync.RWMutex
		schemas map[string]*jsonschema.Schema
	}
)

// NewValidator builds a validator from cfg, applying defaults.
func NewValidator(cfg ValidationConfig) *Validator {
	if cfg.MaxArgumentBytes <= 0 {
		cfg.MaxArgumentBytes = 1 << 20
	}
	if cfg.MaxArguments <= 0 {
		cfg.MaxArguments = 32
	}
	return &Validator{
		cfg:     cfg,
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// RegisterSchema compiles schemaBytes and enforces it on every argument of
// invocations addressed to target.
func (v *Validator) RegisterSchema(target string, schemaBytes []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaBytes))
	if err != nil {
		return fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	v.mu.Lock()
	v.schemas[target] = schema
	v.mu.Unlock()
	return nil
}

// Middleware rejects invocations that violate the configured limits before
// any downstream work runs.
func (v *Validator) Middleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, inv *wire.Invocation, def *actor.Definition) *wire.Response {
			if err := v.check(inv); err != nil {
				return wire.FailureResponse(inv.CallID, err.Error())
			}
			return next(ctx, inv, def)
		}
	}
}

func (v *Validator) check(inv *wire.Invocation) error {
	if !targetPattern.MatchString(inv.Target) {
		return &rpcerrors.ValidationError{Reason: fmt.Sprintf("invalid target identifier %q", inv.Target)}
	}
	if len(inv.Arguments) > v.cfg.MaxArguments {
		return &rpcerrors.ValidationError{Reason: fmt.Sprintf("too many arguments: %d > %d", len(inv.Arguments), v.cfg.MaxArguments)}
	}
	for i, arg := range inv.Arguments {
		if len(arg) > v.cfg.MaxArgumentBytes {
			return &rpcerrors.ValidationError{Reason: fmt.Sprintf("argument %d exceeds %d bytes", i, v.cfg.MaxArgumentBytes)}
		}
	}

	v.mu.RLock()
	schema := v.schemas[inv.Target]
	v.mu.RUnlock()
	if schema == nil {
		return nil
	}
	for i, arg := range inv.Arguments {
		var instance any
		if err := json.Unmarshal(arg, &instance); err != nil {
			return &rpcerrors.ValidationError{Reason: fmt.Sprintf("argument %d is not valid JSON: %s", i, err)}
		}
		if err := schema.Validate(instance); err != nil {
			return &rpcerrors.ValidationError{Reason: fmt.Sprintf("argument %d: %s", i, err)}
		}
	}
	return nil
}
