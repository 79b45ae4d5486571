// Package policy implements the optional scripted install-policy consulted
// by internal/patcher's dlopen re-install pass: a small JavaScript
// predicate deciding whether a newly-discovered shared object should
// actually be patched. With no policy configured, the Patcher patches
// everything, matching the original spec behaviour.
package policy

import (
	"fmt"
	"os"

	"github.com/dop251/goja"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	glog "github.com/zboralski/alloctrace/internal/log"
	"github.com/zboralski/alloctrace/internal/patcher"
)

// Config is the on-disk policy configuration.
type Config struct {
	// Script is inline JavaScript source defining shouldPatch(objectName).
	// Takes precedence over ScriptFile if both are set.
	Script string `yaml:"script"`
	// ScriptFile is a path to a file containing the same kind of source.
	ScriptFile string `yaml:"script_file"`
}

// LoadConfig parses a YAML policy configuration.
func LoadConfig(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("policy: parse config: %w", err)
	}
	return &c, nil
}

// Source resolves the actual script text the config points at.
func (c *Config) Source() (string, error) {
	if c.Script != "" {
		return c.Script, nil
	}
	if c.ScriptFile != "" {
		data, err := os.ReadFile(c.ScriptFile)
		if err != nil {
			return "", fmt.Errorf("policy: read script file: %w", err)
		}
		return string(data), nil
	}
	return "", fmt.Errorf("policy: config has neither script nor script_file")
}

// Scripted is a patcher.Policy backed by a goja-evaluated JavaScript
// function: `function shouldPatch(objectName) { return true }`. The
// function may instead return an object `{patch: bool, reason: string}` to
// attach a reason for logging; a bare bool result carries no reason.
type Scripted struct {
	vm *goja.Runtime
	fn goja.Callable
}

// NewScripted compiles source and binds its shouldPatch function.
func NewScripted(source string) (*Scripted, error) {
	vm := goja.New()
	if _, err := vm.RunString(source); err != nil {
		return nil, fmt.Errorf("policy: evaluate script: %w", err)
	}
	fn, ok := goja.AssertFunction(vm.Get("shouldPatch"))
	if !ok {
		return nil, fmt.Errorf("policy: script must define function shouldPatch(objectName)")
	}
	return &Scripted{vm: vm, fn: fn}, nil
}

// Decide implements patcher.Policy. A script error or a malformed result
// defaults to Patch: true — a broken policy must never silently stop
// tracking an object, only ever opt it out deliberately.
func (s *Scripted) Decide(objectName string) patcher.Decision {
	result, err := s.fn(goja.Undefined(), s.vm.ToValue(objectName))
	if err != nil {
		if glog.L != nil {
			glog.L.Warn("policy: shouldPatch threw, defaulting to patch",
				zap.String("obj", objectName), zap.Error(err))
		}
		return patcher.Decision{Patch: true, Reason: "script error: " + err.Error()}
	}

	exported := result.Export()
	switch v := exported.(type) {
	case bool:
		return patcher.Decision{Patch: v}
	case map[string]interface{}:
		patch, ok := v["patch"].(bool)
		if !ok {
			return patcher.Decision{Patch: true, Reason: "script returned object without boolean patch field"}
		}
		reason, _ := v["reason"].(string)
		return patcher.Decision{Patch: patch, Reason: reason}
	default:
		return patcher.Decision{Patch: true, Reason: "script returned non-bool, non-object result"}
	}
}
