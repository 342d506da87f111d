package module

import (
	"fmt"

	"evorl/internal/tensor"
)

// TransplantReport summarizes what Transplant did.
type TransplantReport struct {
	// Copied counts parameters that received overlapping values.
	Copied int
	// Fresh lists parameters of the new module that kept their initialization.
	Fresh []string
	// Discarded lists parameters that only existed in the old module.
	Discarded []string
	Notes     []string
}

// Transplant copies every overlapping weight of old into next. Parameters are
// matched by hierarchical name; for each axis the first min(old,new) entries
// are copied and the remainder of next keeps its fresh initialization. A rank
// change keeps the fresh tensor and records a note. Composite children are
// matched by name; a child whose kind changed is treated as a new subtree.
func Transplant(old, next Module) TransplantReport {
	var r TransplantReport
	transplant("", old, next, &r)
	return r
}

func transplant(prefix string, old, next Module, r *TransplantReport) {
	if old.Kind() != next.Kind() {
		r.Notes = append(r.Notes, fmt.Sprintf("%s: kind changed %s -> %s, kept fresh subtree", pathOrRoot(prefix), old.Kind(), next.Kind()))
		for _, p := range next.Parameters() {
			r.Fresh = append(r.Fresh, prefix+p.Name)
		}
		for _, p := range old.Parameters() {
			r.Discarded = append(r.Discarded, prefix+p.Name)
		}
		return
	}

	oldOwn, nextOwn := old.Parameters(), next.Parameters()
	oc, oldIsContainer := old.(Container)
	nc, nextIsContainer := next.(Container)
	if oldIsContainer && nextIsContainer {
		oldOwn, nextOwn = oc.OwnParameters(), nc.OwnParameters()

		oldChildren := make(map[string]Module)
		for _, c := range oc.Children() {
			oldChildren[c.Name] = c.Module
		}
		for _, c := range nc.Children() {
			prev, ok := oldChildren[c.Name]
			if !ok {
				for _, p := range c.Module.Parameters() {
					r.Fresh = append(r.Fresh, prefix+c.Name+"."+p.Name)
				}
				r.Notes = append(r.Notes, fmt.Sprintf("%s%s: new branch", prefix, c.Name))
				continue
			}
			delete(oldChildren, c.Name)
			transplant(prefix+c.Name+".", prev, c.Module, r)
		}
		for _, c := range oc.Children() {
			if _, dropped := oldChildren[c.Name]; !dropped {
				continue
			}
			for _, p := range c.Module.Parameters() {
				r.Discarded = append(r.Discarded, prefix+c.Name+"."+p.Name)
			}
			r.Notes = append(r.Notes, fmt.Sprintf("%s%s: branch removed", prefix, c.Name))
		}
	}

	oldParams := make(map[string]*tensor.Tensor, len(oldOwn))
	for _, p := range oldOwn {
		oldParams[p.Name] = p.Value
	}
	for _, p := range nextOwn {
		src, ok := oldParams[p.Name]
		if !ok {
			r.Fresh = append(r.Fresh, prefix+p.Name)
			continue
		}
		delete(oldParams, p.Name)
		if err := tensor.CopyOverlap(p.Value, src); err != nil {
			r.Fresh = append(r.Fresh, prefix+p.Name)
			r.Notes = append(r.Notes, fmt.Sprintf("%s%s: rank changed %v -> %v, kept fresh values", prefix, p.Name, src.Shape, p.Value.Shape))
			continue
		}
		r.Copied++
		if !src.SameShape(p.Value) {
			r.Notes = append(r.Notes, fmt.Sprintf("%s%s: %v -> %v", prefix, p.Name, src.Shape, p.Value.Shape))
		}
	}
	for _, p := range oldOwn {
		if _, left := oldParams[p.Name]; left {
			r.Discarded = append(r.Discarded, prefix+p.Name)
		}
	}
}

func pathOrRoot(prefix string) string {
	if prefix == "" {
		return "<root>"
	}
	return prefix[:len(prefix)-1]
}
