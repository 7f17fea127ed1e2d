package chat

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

var validate *validator.Validate
var trans ut.Translator

func init() {
	validate = validator.New()
	locale := en.New()
	uni := ut.New(locale, locale)
	trans, _ = uni.GetTranslator("en")
	_ = en_translations.RegisterDefaultTranslations(validate, trans)

	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return strings.ToLower(field.Name)
		}
		return name
	})

	registerEnum("role", "{0} must be one of client, guide or vendor", func(fl validator.FieldLevel) bool {
		return Role(fl.Field().String()).Valid()
	})
	registerEnum("roomkind", "{0} must be one of direct, group or guide", func(fl validator.FieldLevel) bool {
		return RoomKind(fl.Field().String()).Valid()
	})
	registerEnum("mediatype", "{0} must be one of image, video, file or voice", func(fl validator.FieldLevel) bool {
		return MediaType(fl.Field().String()).Valid()
	})
}

func registerEnum(tag, msg string, fn validator.Func) {
	_ = validate.RegisterValidation(tag, fn)
	_ = validate.RegisterTranslation(tag, trans, func(ut ut.Translator) error {
		return ut.Add(tag, msg, true)
	}, func(ut ut.Translator, fe validator.FieldError) string {
		t, _ := ut.T(tag, fe.Field())
		return t
	})
}

// translate turns validator errors into a single readable error.
func translate(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fe.Translate(trans))
	}
	return errors.New(strings.Join(msgs, "; "))
}
