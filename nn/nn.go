// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package nn provides a minimal module-graph abstraction for models built as
// trees of named layers, plus full-precision reference layers (Conv2D,
// ConvTranspose2D, Linear) backed by model.Variable weights.
//
// A model is a tree of Module values. Leaves are computational layers;
// containers (anything implementing Container) hold named children in a
// stable, deterministic order. The qat package walks this tree to substitute
// layers with quantized equivalents, so the contract every Container must
// honor is: Children always enumerates in the same order, and Replace swaps
// the child registered under a name without disturbing its siblings.
//
// All layers keep their variables reachable through exported fields, so
// model.IterVariables enumerates them for checkpointing tooling.
//
// Graph building follows the usual GoMLX conventions: Forward methods take
// and return graph nodes and are meant to run under a model.Exec (which
// feeds variable values as side inputs); invalid configurations panic with
// exceptions carrying stack traces.
package nn

import (
	"strconv"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/model"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/pkg/errors"
)

// Module is a node in a model tree: anything that can transform one tensor
// into another during graph building and deep-copy itself.
type Module interface {
	// Forward applies the module to x and returns the result. It must be
	// called while building a graph managed by a model.Exec, so that
	// variables can resolve their graph nodes.
	Forward(x *Node) *Node

	// Clone returns a deep copy of the module: cloned containers hold cloned
	// children, and cloned layers hold new variables with copied tensors
	// (no storage aliasing with the original).
	Clone() Module
}

// Container is a Module with named children that can be individually
// replaced. Children must enumerate in a deterministic, stable order --
// layer-counting in the qat rewriter depends on it.
type Container interface {
	Module

	// Children returns the immediate children in stable order.
	Children() []NamedModule

	// Replace substitutes the child registered under name. It panics if no
	// child has that name.
	Replace(name string, m Module)
}

// NamedModule pairs a child module with the name it is registered under in
// its parent container.
type NamedModule struct {
	Name   string
	Module Module
}

// Sequential chains modules: the output of each is the input of the next.
//
// Children are named by their position ("0", "1", ...) unless added with an
// explicit name via Add.
type Sequential struct {
	Layers []NamedModule
}

// Compile-time check that Sequential is a Container.
var _ Container = (*Sequential)(nil)

// NewSequential creates a Sequential container with the given modules,
// named by their position.
func NewSequential(modules ...Module) *Sequential {
	s := &Sequential{}
	for _, m := range modules {
		s.Add("", m)
	}
	return s
}

// Add appends a child under the given name -- or under its position index if
// name is empty. It returns the Sequential to allow chaining, and panics on
// duplicate names.
func (s *Sequential) Add(name string, m Module) *Sequential {
	if name == "" {
		name = strconv.Itoa(len(s.Layers))
	}
	for _, child := range s.Layers {
		if child.Name == name {
			Panicf("nn.Sequential: duplicate child name %q", name)
		}
	}
	s.Layers = append(s.Layers, NamedModule{Name: name, Module: m})
	return s
}

// Forward applies the children in order.
func (s *Sequential) Forward(x *Node) *Node {
	for _, child := range s.Layers {
		x = child.Module.Forward(x)
	}
	return x
}

// Children returns the children in insertion order.
func (s *Sequential) Children() []NamedModule {
	return s.Layers
}

// Replace substitutes the child registered under name.
func (s *Sequential) Replace(name string, m Module) {
	for ii, child := range s.Layers {
		if child.Name == name {
			s.Layers[ii].Module = m
			return
		}
	}
	Panicf("nn.Sequential: no child named %q to replace", name)
}

// Clone returns a deep copy: every child is cloned recursively.
func (s *Sequential) Clone() Module {
	clone := &Sequential{Layers: make([]NamedModule, len(s.Layers))}
	for ii, child := range s.Layers {
		clone.Layers[ii] = NamedModule{Name: child.Name, Module: child.Module.Clone()}
	}
	return clone
}

// cloneVariable deep-copies a variable: new tensor storage, same name.
// A nil variable (e.g. a disabled bias) clones to nil.
func cloneVariable(v *model.Variable) *model.Variable {
	if v == nil {
		return nil
	}
	value, err := v.Value().Clone()
	if err != nil {
		panic(errors.WithMessagef(err, "nn: failed to clone tensor of variable %q", v.Name()))
	}
	clone, err := model.VariableWithValue(v.Name(), value)
	if err != nil {
		panic(errors.WithMessagef(err, "nn: failed to recreate variable %q", v.Name()))
	}
	return clone
}
