package model

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"

	cue "cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
)

// FieldError explains one violated constraint of a configuration.
type FieldError struct {
	Path    string // pool.concurrent, jobs.0.task
	Code    string // unknown_field, missing_required, type_mismatch, invalid_value or validation_error
	Message string
	File    string
	Line    int
	Column  int
}

func (f FieldError) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", f.Code),
		slog.String("path", f.Path),
		slog.String("message", f.Message),
		slog.String("file", f.File),
		slog.Int("line", f.Line),
		slog.Int("column", f.Column),
	)
}

// fieldCodes are matched in order against a lowercase CUE message.
var fieldCodes = []struct {
	code    string
	needles []string
}{
	{"unknown_field", []string{"not allowed", "unknown field"}},
	{"missing_required", []string{"incomplete value"}},
	{"type_mismatch", []string{"mismatched types"}},
	{"invalid_value", []string{"conflicting values", "out of bound", "invalid value", "does not match", "empty disjunction"}},
}

// FieldErrors explains an error returned by LoadConfig field by field. An
// error CUE can't split is returned as a single validation_error.
func FieldErrors(err error) []FieldError {
	if err == nil {
		return nil
	}
	type key struct{ path, code string }
	seen := make(map[key]bool)

	var ret []FieldError
	for _, e := range cueerrors.Errors(err) {
		f := fieldError(e)
		k := key{f.Path, f.Code}
		if seen[k] {
			continue
		}
		seen[k] = true
		ret = append(ret, f)
	}
	if len(ret) == 0 {
		ret = append(ret, FieldError{Code: "validation_error", Message: err.Error()})
	}
	return ret
}

func fieldError(e cueerrors.Error) FieldError {
	format, args := e.Msg()
	raw := e.Error()
	if format != "" {
		raw = fmt.Sprintf(format, args...)
	}

	path := e.Path()
	if len(path) > 0 && strings.HasPrefix(path[0], "#") {
		path = path[1:]
	}
	f := FieldError{
		Path:    strings.Join(path, "."),
		Code:    "validation_error",
		Message: raw,
	}
	for _, p := range cueerrors.Positions(e) {
		if p.Filename() != "" {
			f.File, f.Line, f.Column = p.Filename(), p.Line(), p.Column()
			break
		}
	}

	lower := strings.ToLower(raw)
	for _, c := range fieldCodes {
		if slices.ContainsFunc(c.needles, func(n string) bool { return strings.Contains(lower, n) }) {
			f.Code = c.code
			break
		}
	}

	switch f.Code {
	case "unknown_field":
		f.Message = "unknown field " + lastField(f.Path)
	case "missing_required":
		f.Message = "field " + lastField(f.Path) + " is required"
	case "invalid_value":
		if allowed := allowedValues(f.Path); len(allowed) > 0 {
			f.Message += ": allowed values are " + strings.Join(allowed, ", ")
		}
	}
	return f
}

// allowedValues lists string alternatives of an enum field of the schema,
// like pool.codec or service.mode.
func allowedValues(path string) []string {
	if path == "" {
		return nil
	}
	v := schema.LookupPath(cue.ParsePath(path))
	if !v.Exists() {
		return nil
	}
	op, args := v.Expr()
	if op != cue.OrOp {
		return nil
	}
	var ret []string
	for _, a := range args {
		if s, err := a.String(); err == nil && !slices.Contains(ret, s) {
			ret = append(ret, s)
		}
	}
	return ret
}

func lastField(path string) string {
	return path[strings.LastIndexByte(path, '.')+1:]
}
