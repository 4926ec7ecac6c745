package utils

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/vitwit/x402-agent-gateway/types"
)

var validate *validator.Validate

func init() {
	validate = validator.New()

	// Report json field names rather than Go field names.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
}

// ValidateStruct runs the struct-tag validator and converts failures into a
// caller-facing validation error listing the offending fields.
func ValidateStruct(v interface{}) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return types.NewError(types.KindValidation, types.ReasonMissingField, err.Error()).Wrap(err)
	}

	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field())
	}
	return types.NewError(
		types.KindValidation,
		types.ReasonMissingField,
		fmt.Sprintf("invalid or missing fields: %s", strings.Join(fields, ", ")),
	).WithData(map[string]interface{}{"fields": fields}).Wrap(err)
}

// DecodeJSONBody unmarshals a request body into dst and validates it.
func DecodeJSONBody(data []byte, dst interface{}) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return types.NewError(types.KindValidation, types.ReasonMissingField, "request body is required")
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return types.NewError(
			types.KindValidation,
			types.ReasonMissingField,
			fmt.Sprintf("invalid request JSON: %v", err),
		).Wrap(err)
	}
	return ValidateStruct(dst)
}

// IsJSONObject reports whether data holds a JSON object.
func IsJSONObject(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed)
}
