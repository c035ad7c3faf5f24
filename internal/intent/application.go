package intent

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode"

	"github.com/go-playground/validator/v10"

	"lead-agent/internal/domain"
)

// Field labels recognised at the start of a line, lower-cased.
var applicationFields = map[string]string{
	"имя":       "name",
	"name":      "name",
	"телефон":   "phone",
	"phone":     "phone",
	"email":     "email",
	"e-mail":    "email",
	"страна":    "country",
	"country":   "country",
	"время":     "call_time",
	"call time": "call_time",
}

// ParseApplication extracts the labelled fields from a reply. It returns
// false unless both name and phone are present.
func ParseApplication(reply string) (domain.Application, bool) {
	var app domain.Application
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(line)
		label, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		field, ok := applicationFields[strings.ToLower(strings.TrimSpace(label))]
		value = strings.TrimSpace(value)
		if !ok || value == "" {
			continue
		}
		switch field {
		case "name":
			app.Name = value
		case "phone":
			app.Phone = value
		case "email":
			app.Email = value
		case "country":
			app.Country = value
		case "call_time":
			app.CallTime = value
		}
	}
	if app.Name == "" || app.Phone == "" {
		return domain.Application{}, false
	}
	return app, true
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func applicationValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		_ = v.RegisterValidation("hasletter", func(fl validator.FieldLevel) bool {
			for _, r := range fl.Field().String() {
				if unicode.IsLetter(r) {
					return true
				}
			}
			return false
		})
		_ = v.RegisterValidation("phonedigits", func(fl validator.FieldLevel) bool {
			return countDigits(fl.Field().String()) >= 8
		})
		validate = v
	})
	return validate
}

func countDigits(s string) int {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}

// ErrInvalidApplication wraps every validation failure.
var ErrInvalidApplication = errors.New("intent: invalid application")

// ValidateApplication checks the captured contact data: a name of at least
// two characters containing a letter, a phone with at least eight digits,
// and a well-formed email when one is given.
func ValidateApplication(app domain.Application) error {
	err := applicationValidator().Struct(app)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidApplication, err)
	}
	reasons := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		reasons = append(reasons, fmt.Sprintf("%s (%s)", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrInvalidApplication, strings.Join(reasons, ", "))
}
