package registry

import (
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/trezcool/masomo-availability/core"
	"github.com/trezcool/masomo-availability/core/catalog"
)

var (
	policyModeTag  = "policymode"
	policyModeText = "must be one of open, curated or closed"
)

// InitValidators registers the registry's custom validation tags.
func InitValidators(validate *validator.Validate, translator ut.Translator) {
	_ = validate.RegisterValidation(policyModeTag, policyModeValidation)
	core.RegisterCustomTranslation(validate, translator, policyModeTag, policyModeText)
}

func policyModeValidation(fl validator.FieldLevel) bool {
	_, err := catalog.ParsePolicyMode(fl.Field().String())
	return err == nil
}
