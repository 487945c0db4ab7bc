package middleware

import (
	"fmt"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	pkgvalidator "github.com/carouselio/broadcast-api/pkg/validator"
)

// RegisterValidations installs the domain tags on gin's binding validator so
// request structs can use them in binding tags.
func RegisterValidations() error {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return fmt.Errorf("unexpected binding validator engine %T", binding.Validator.Engine())
	}
	return pkgvalidator.Register(v)
}
