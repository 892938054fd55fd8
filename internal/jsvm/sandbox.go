// Package jsvm implements the single-threaded JS expression sandbox that
// DDF `eval` strings run in (spec §4.E). There is no JS engine anywhere in
// the example pack; github.com/dop251/goja is the out-of-pack ecosystem
// pick (see SPEC_FULL.md §2b) because it is the standard pure-Go embeddable
// ECMAScript engine, with no in-pack substitute to ground on instead.
package jsvm

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/dop251/goja"

	"github.com/dresden-elektronik/gwcore/internal/resource"
)

// ErrNotReset is returned by Evaluate when called without a preceding Reset.
var ErrNotReset = errors.New("jsvm: evaluate called before reset")

// ErrWriteOutsideDeclaredItem is the type error raised when a script writes
// to an Item proxy other than the one bound for the current access.
var ErrWriteOutsideDeclaredItem = errors.New("jsvm: write to item other than the declared one")

// ZclAttribute is the Attr global's backing value for one parse evaluation.
type ZclAttribute struct {
	Val      any
	ID       uint16
	Index    int
	DataType uint8
}

// ZclFrameView is the ZclFrame global's backing value.
type ZclFrameView struct {
	Cmd         uint8
	PayloadSize int
	IsClCmd     bool
	At          func(i int) any
}

// Context supplies everything one evaluation needs beyond the expression
// text itself: the declared item being read/parsed/written, the resolver
// access functions use for R.item(suffix), and the current indication's
// attribute/frame/addressing data.
type Context struct {
	// DeclaredItem is the item bound to the global `Item`; only writes to
	// this item's .val are legal (others raise ErrWriteOutsideDeclaredItem).
	DeclaredItem *resource.Item
	ItemName     string

	ResolveItem func(suffix string) (*resource.Item, bool)
	Endpoints   func() []uint8
	HasCluster  func(ep uint8, cluster uint16, side string) bool

	Attr      ZclAttribute
	Frame     ZclFrameView
	SrcEp     uint8
	ClusterID uint16
}

// Sandbox evaluates DDF `eval` expressions against the frozen object model
// of §4.E. It is not safe for concurrent use; callers serialize access
// (matching the single-threaded core loop of §5).
type Sandbox struct {
	vm          *goja.Runtime
	wasReset    bool
	itemsSet    []string
	declaredVal *resource.Item
	declaredSuf string
}

// New returns an empty, unreset Sandbox.
func New() *Sandbox {
	return &Sandbox{}
}

// Reset discards the previous goja.Runtime (if any) and builds a fresh one
// bound to ctx. goja has no arena/snapshot primitive to rewind in place, so
// "reset to a captured snapshot" (spec §4.E) is modeled as recreating the
// runtime from scratch — the idiomatic goja equivalent of the same
// guarantee: no state survives from one evaluation to the next.
func (s *Sandbox) Reset(ctx Context) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.UncapFieldNameMapper())

	s.vm = vm
	s.itemsSet = nil
	s.declaredVal = ctx.DeclaredItem
	s.declaredSuf = ctx.ItemName
	s.wasReset = true

	vm.Set("R", s.buildR(ctx))
	vm.Set("Item", s.buildDeclaredItem(ctx))
	vm.Set("Attr", s.buildAttr(ctx.Attr))
	vm.Set("ZclFrame", s.buildFrame(ctx.Frame))
	vm.Set("SrcEp", ctx.SrcEp)
	vm.Set("ClusterId", ctx.ClusterID)
	vm.Set("Utils", s.buildUtils())
}

// Evaluate runs expr against the runtime built by the last Reset call.
func (s *Sandbox) Evaluate(expr string) error {
	if !s.wasReset {
		return ErrNotReset
	}
	_, err := s.vm.RunString(expr)
	if err != nil {
		if werr, ok := err.(*goja.Exception); ok {
			return fmt.Errorf("jsvm: %s", werr.Error())
		}
		return fmt.Errorf("jsvm: %w", err)
	}
	return nil
}

// ItemsSet returns the suffixes written to during the last Evaluate call,
// used by the driver to decide whether a change occurred.
func (s *Sandbox) ItemsSet() []string {
	return s.itemsSet
}

func (s *Sandbox) buildDeclaredItem(ctx Context) *goja.Object {
	obj := s.vm.NewObject()
	obj.DefineAccessorProperty("val", s.vm.ToValue(func(goja.FunctionCall) goja.Value {
		if s.declaredVal == nil {
			return goja.Undefined()
		}
		return s.vm.ToValue(ToJSValue(s.declaredVal.Value()))
	}), s.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		if s.declaredVal == nil {
			panic(s.vm.NewGoError(ErrWriteOutsideDeclaredItem))
		}
		var v any
		if len(call.Arguments) > 0 {
			v = call.Arguments[0].Export()
		}
		if _, err := s.declaredVal.SetValue(v, resource.SourceRule, time.Now()); err != nil {
			panic(s.vm.NewGoError(err))
		}
		if !contains(s.itemsSet, s.declaredSuf) {
			s.itemsSet = append(s.itemsSet, s.declaredSuf)
		}
		return goja.Undefined()
	}), goja.FLAG_FALSE, goja.FLAG_TRUE)
	obj.DefineAccessorProperty("name", s.vm.ToValue(func(goja.FunctionCall) goja.Value {
		return s.vm.ToValue(s.declaredSuf)
	}), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)
	return obj
}

// buildItemView returns a read-only Item proxy for R.item(suffix) lookups
// other than the globally declared item.
func (s *Sandbox) buildItemView(it *resource.Item, suffix string) *goja.Object {
	obj := s.vm.NewObject()
	obj.DefineAccessorProperty("val", s.vm.ToValue(func(goja.FunctionCall) goja.Value {
		return s.vm.ToValue(ToJSValue(it.Value()))
	}), s.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		panic(s.vm.NewGoError(ErrWriteOutsideDeclaredItem))
	}), goja.FLAG_FALSE, goja.FLAG_TRUE)
	obj.DefineAccessorProperty("name", s.vm.ToValue(func(goja.FunctionCall) goja.Value {
		return s.vm.ToValue(suffix)
	}), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)
	return obj
}

func (s *Sandbox) buildR(ctx Context) *goja.Object {
	obj := s.vm.NewObject()
	obj.Set("item", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return goja.Undefined()
		}
		suffix := call.Arguments[0].String()
		if suffix == s.declaredSuf && s.declaredVal != nil {
			return s.buildDeclaredItem(ctx)
		}
		if ctx.ResolveItem == nil {
			return goja.Undefined()
		}
		it, ok := ctx.ResolveItem(suffix)
		if !ok {
			return goja.Undefined()
		}
		return s.buildItemView(it, suffix)
	})
	obj.Set("endpoints", func(goja.FunctionCall) goja.Value {
		if ctx.Endpoints == nil {
			return s.vm.ToValue([]uint8{})
		}
		return s.vm.ToValue(ctx.Endpoints())
	})
	obj.Set("hasCluster", func(call goja.FunctionCall) goja.Value {
		if ctx.HasCluster == nil || len(call.Arguments) < 2 {
			return s.vm.ToValue(false)
		}
		ep := uint8(call.Arguments[0].ToInteger())
		cluster := uint16(call.Arguments[1].ToInteger())
		side := "server"
		if len(call.Arguments) > 2 {
			side = call.Arguments[2].String()
		}
		return s.vm.ToValue(ctx.HasCluster(ep, cluster, side))
	})
	return obj
}

func (s *Sandbox) buildAttr(a ZclAttribute) *goja.Object {
	obj := s.vm.NewObject()
	obj.Set("val", ToJSValue(a.Val))
	obj.Set("id", a.ID)
	obj.Set("index", a.Index)
	obj.Set("dataType", a.DataType)
	return obj
}

func (s *Sandbox) buildFrame(f ZclFrameView) *goja.Object {
	obj := s.vm.NewObject()
	obj.Set("cmd", f.Cmd)
	obj.Set("payloadSize", f.PayloadSize)
	obj.Set("isClCmd", f.IsClCmd)
	obj.Set("at", func(call goja.FunctionCall) goja.Value {
		if f.At == nil || len(call.Arguments) == 0 {
			return goja.Undefined()
		}
		i := int(call.Arguments[0].ToInteger())
		return s.vm.ToValue(ToJSValue(f.At(i)))
	})
	return obj
}

func (s *Sandbox) buildUtils() *goja.Object {
	obj := s.vm.NewObject()
	obj.Set("padStart", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 2 {
			return s.vm.ToValue("")
		}
		str := call.Arguments[0].String()
		target := int(call.Arguments[1].ToInteger())
		pad := " "
		if len(call.Arguments) > 2 {
			pad = call.Arguments[2].String()
		}
		for len(str) < target && pad != "" {
			str = pad + str
		}
		return s.vm.ToValue(str)
	})
	obj.Set("log10", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return s.vm.ToValue(math.NaN())
		}
		return s.vm.ToValue(math.Log10(call.Arguments[0].ToFloat()))
	})
	return obj
}

// ToJSValue converts a Go value into the representation §4.E requires:
// 64-bit integers unrepresentable exactly as a float64 become strings so
// scripts never silently lose precision.
func ToJSValue(v any) any {
	switch n := v.(type) {
	case uint64:
		if n > 1<<53 {
			return fmt.Sprintf("%d", n)
		}
		return n
	case int64:
		if n > 1<<53 || n < -(1<<53) {
			return fmt.Sprintf("%d", n)
		}
		return n
	default:
		return v
	}
}

func contains(xs []string, x string) bool {
	for _, s := range xs {
		if s == x {
			return true
		}
	}
	return false
}
