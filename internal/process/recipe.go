// ============================================================================
// concurrent-buffer Child Processes - recipes and strategies
// ============================================================================
//
// Package: internal/process
// File: recipe.go
// Purpose: Start dispatcher and worker child processes and rebuild their
//          world on the child side.
//
// Children are re-executions of the running binary. The parent writes a
// JSON Recipe to the child's stdin; the child recognises its role from the
// environment, reads the recipe and attaches to the shared resources.
//
// Strategies:
//   DuplicateOnStart   every region file and the order pipe are inherited
//                      as extra descriptors; the child maps what it holds
//                      and looks nothing up by name
//   FreshStart         the child reopens each region by path; only the
//                      anonymous order pipe is inherited
//
// Descriptor numbering:
//   ExtraFiles[i] becomes fd 3+i in the child. Recipe fields carry that fd,
//   or -1 when the resource is not inherited.
//
// ============================================================================

package process

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/martvanrijthoven/concurrent-buffer/pkg/types"
)

// Role identifies what a child process runs.
type Role string

const (
	RoleDispatcher Role = "dispatcher"
	RoleWorker     Role = "worker"
)

// EnvRole marks a child process; its value is the Role.
const EnvRole = "CBUFFER_CHILD_ROLE"

// firstExtraFD is the descriptor number of ExtraFiles[0] in the child.
const firstExtraFD = 3

// RegionRef locates one shared region for a child.
type RegionRef struct {
	Name string `json:"name"`
	Path string `json:"path"`
	FD   int    `json:"fd"` // inherited descriptor, -1 to open by path
}

// Recipe is everything a child needs to rebuild its side of the pool.
type Recipe struct {
	Role      Role            `json:"role"`
	Index     int             `json:"index"`
	Pool      string          `json:"pool"`
	Info      types.Info      `json:"info"`
	State     RegionRef       `json:"state"`
	Queue     RegionRef       `json:"queue"`
	Data      []RegionRef     `json:"data"`
	OrderFD   int             `json:"order_fd"` // write end of the order pipe, -1 if none
	Callback  string          `json:"callback"` // registered factory name
	Config    json.RawMessage `json:"config,omitempty"`
	ParentPid int             `json:"parent_pid"`
	LogLevel  string          `json:"log_level,omitempty"`
}

// Validate checks the recipe before a child acts on it.
func (r *Recipe) Validate() error {
	switch r.Role {
	case RoleDispatcher, RoleWorker:
	default:
		return fmt.Errorf("process: unknown role %q", r.Role)
	}
	if err := r.Info.Validate(); err != nil {
		return err
	}
	if len(r.Data) != len(r.Info.Shapes) {
		return fmt.Errorf("process: recipe has %d data regions for %d shapes", len(r.Data), len(r.Info.Shapes))
	}
	if r.Callback == "" {
		return fmt.Errorf("process: recipe has no callback name")
	}
	return nil
}

// Encode writes the recipe as JSON.
func (r *Recipe) Encode(w io.Writer) error {
	return json.NewEncoder(w).Encode(r)
}

// DecodeRecipe reads a recipe written by Encode.
func DecodeRecipe(rd io.Reader) (*Recipe, error) {
	var r Recipe
	if err := json.NewDecoder(rd).Decode(&r); err != nil {
		return nil, fmt.Errorf("process: decode recipe: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}
