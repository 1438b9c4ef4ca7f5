package manifest

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterStructValidation(validateSource, Manifest{})
	return v
}

// validateSource enforces exactly one provisioning source.
func validateSource(sl validator.StructLevel) {
	m := sl.Current().Interface().(Manifest)
	n := 0
	for _, s := range []string{m.CloneTemplate, m.ISOImage, m.CTTemplate} {
		if s != "" {
			n++
		}
	}
	switch {
	case n == 0:
		sl.ReportError(m.CloneTemplate, "clone_template", "CloneTemplate", "one_source", "")
	case n > 1:
		sl.ReportError(m.CloneTemplate, "clone_template", "CloneTemplate", "single_source", "")
	}
}

// FieldError is one failed rule.
type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
	Param string `json:"param,omitempty"`
}

func (e FieldError) String() string {
	switch e.Rule {
	case "required":
		return e.Field + " is required"
	case "one_source":
		return "one of clone_template, iso_image or ct_template is required"
	case "single_source":
		return "only one of clone_template, iso_image or ct_template may be set"
	case "gte":
		return fmt.Sprintf("%s must be at least %s", e.Field, e.Param)
	case "lte", "max":
		return fmt.Sprintf("%s must be at most %s", e.Field, e.Param)
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", e.Field, e.Param)
	case "hostname_rfc1123":
		return e.Field + " must be a valid DNS name (letters, digits and hyphens)"
	case "startswith":
		return fmt.Sprintf("%s must start with %q", e.Field, e.Param)
	case "excludesall":
		return e.Field + " must not contain commas or semicolons"
	}
	if e.Param != "" {
		return fmt.Sprintf("%s fails %s=%s", e.Field, e.Rule, e.Param)
	}
	return fmt.Sprintf("%s fails %s", e.Field, e.Rule)
}

// ValidationErrors lists every rule the manifest breaks.
type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, fe := range v {
		msgs[i] = fe.String()
	}
	return "invalid manifest: " + strings.Join(msgs, "; ")
}

// Feedback renders the errors as a bullet list for a refinement prompt.
func (v ValidationErrors) Feedback() string {
	var b strings.Builder
	for _, fe := range v {
		b.WriteString("- ")
		b.WriteString(fe.String())
		b.WriteString("\n")
	}
	return b.String()
}

// Validate checks the manifest. It returns ValidationErrors when rules fail.
func (m *Manifest) Validate() error {
	err := validate.Struct(m)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return errors.Wrap(err, "validating manifest")
	}
	out := make(ValidationErrors, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, FieldError{
			Field: fieldPath(fe.Namespace()),
			Rule:  fe.Tag(),
			Param: fe.Param(),
		})
	}
	return out
}

// fieldPath drops the root type from a validator namespace:
// "Manifest.disk.size_gb" becomes "disk.size_gb".
func fieldPath(ns string) string {
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}
