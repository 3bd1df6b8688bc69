package intelsync

import (
	"errors"
	"html"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
)

var (
	validate      = newValidator()
	contentPolicy = bluemonday.UGCPolicy()
	plainPolicy   = bluemonday.StrictPolicy()
)

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// checkStruct runs the struct tags and converts failures to *ValidationError.
func checkStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &ValidationError{Fields: map[string]string{"_": err.Error()}}
	}
	out := &ValidationError{Fields: make(map[string]string, len(verrs))}
	for _, fe := range verrs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		out.Fields[fieldPath(fe)] = rule
	}
	return out
}

// fieldPath drops the struct name from the namespace: "CreateInput.tags[2]" -> "tags[2]".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return fe.Field()
}

// sanitizeContent strips unsafe markup from report bodies. Plain text is
// left untouched so ampersands and quotes survive.
func sanitizeContent(s string) string {
	if !strings.Contains(s, "<") {
		return s
	}
	return contentPolicy.Sanitize(s)
}

// sanitizePlain removes all markup from single-line fields.
func sanitizePlain(s string) string {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, "<") {
		return s
	}
	return strings.TrimSpace(html.UnescapeString(plainPolicy.Sanitize(s)))
}

func sanitizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = sanitizePlain(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
