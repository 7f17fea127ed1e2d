package config

import (
	"errors"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate
var uniTrans *ut.UniversalTranslator

func init() {
	validate = validator.New()
	en := en.New()
	uniTrans = ut.New(en, en)
	enTrans, _ := uniTrans.GetTranslator("en")

	// report fields by their config key
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "" {
			return strings.ToLower(field.Name)
		}
		return name
	})

	translations := map[string]string{
		"required":      "{0} is a required field",
		"url":           "{0} must be a valid URL",
		"hostname_port": "{0} must be a host:port address",
		"gt":            "{0} must be greater than {1}",
		"gte":           "{0} must be at least {1}",
		"min":           "{0} must be at least {1}",
		"max":           "{0} must be at most {1}",
		"oneof":         "{0} must be one of [{1}]",
		"gtefield":      "{0} must not be less than {1}",
	}
	for tag, msg := range translations {
		tag, msg := tag, msg
		validate.RegisterTranslation(tag, enTrans, func(ut ut.Translator) error {
			return ut.Add(tag, msg, true)
		}, func(ut ut.Translator, fe validator.FieldError) string {
			t, _ := ut.T(tag, strings.TrimPrefix(fe.Namespace(), "Config."), fe.Param())
			return t
		})
	}
}

// FormatValidationErrors renders the errors returned by Validate one per
// line. It returns an empty string for other errors.
func FormatValidationErrors(err error) string {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return ""
	}
	trans, _ := uniTrans.GetTranslator("en")
	lines := make([]string, 0, len(errs))
	for _, v := range errs.Translate(trans) {
		lines = append(lines, v)
	}
	sort.Strings(lines)

	var sb strings.Builder
	for _, l := range lines {
		sb.WriteString(l)
		sb.WriteString("\n")
	}
	return sb.String()
}
