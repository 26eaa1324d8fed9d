package validation

import (
	"errors"
	"testing"
)

type contactForm struct {
	Name      string `json:"name" validate:"required,notblank"`
	Email     string `json:"email" validate:"required,email"`
	Phone     string `json:"phone" validate:"required,phone"`
	StartDate string `json:"start_date" validate:"required,isodate"`
	Plan      string `json:"plan" validate:"required,oneof=daily weekly monthly"`
}

func TestValidatorRules(test *testing.T) {
	test.Parallel()
	valid := contactForm{Name: "Hanako", Email: "hanako@example.com", Phone: "090-1234-5678", StartDate: "2024-01-01", Plan: "weekly"}
	testCases := []struct {
		name          string
		mutate        func(form *contactForm)
		expectedField string
		expectedRule  string
	}{
		{name: "valid form", mutate: func(form *contactForm) {}},
		{name: "blank name", mutate: func(form *contactForm) { form.Name = "   " }, expectedField: "name", expectedRule: "notblank"},
		{name: "bad email", mutate: func(form *contactForm) { form.Email = "hanako@" }, expectedField: "email", expectedRule: "email"},
		{name: "letters in phone", mutate: func(form *contactForm) { form.Phone = "090-abcd" }, expectedField: "phone", expectedRule: "phone"},
		{name: "hyphens only", mutate: func(form *contactForm) { form.Phone = "---" }, expectedField: "phone", expectedRule: "phone"},
		{name: "bad date", mutate: func(form *contactForm) { form.StartDate = "01/02/2024" }, expectedField: "start_date", expectedRule: "isodate"},
		{name: "unknown plan", mutate: func(form *contactForm) { form.Plan = "yearly" }, expectedField: "plan", expectedRule: "oneof"},
	}
	validate := New()
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			form := valid
			testCase.mutate(&form)
			fieldErrors := Describe(validate.Struct(form))
			if testCase.expectedField == "" {
				if len(fieldErrors) != 0 {
					test.Fatalf("expected no errors, got %+v", fieldErrors)
				}
				return
			}
			if len(fieldErrors) != 1 {
				test.Fatalf("expected one error, got %+v", fieldErrors)
			}
			if fieldErrors[0].Field != testCase.expectedField || fieldErrors[0].Rule != testCase.expectedRule {
				test.Fatalf("unexpected error %+v", fieldErrors[0])
			}
			if fieldErrors[0].Message == "" {
				test.Fatalf("expected a message")
			}
		})
	}
}

func TestDescribeIgnoresOtherErrors(test *testing.T) {
	test.Parallel()
	if Describe(nil) != nil {
		test.Fatalf("expected nil for nil error")
	}
}

func TestStructReturnsFieldErrors(test *testing.T) {
	test.Parallel()
	err := Struct(New(), contactForm{})
	var validationError Error
	if !errors.As(err, &validationError) {
		test.Fatalf("expected validation error, got %v", err)
	}
	if !errors.Is(err, ErrInvalid) {
		test.Fatalf("expected ErrInvalid, got %v", err)
	}
	if len(validationError.Fields) != 5 {
		test.Fatalf("expected every field to fail, got %+v", validationError.Fields)
	}
}
