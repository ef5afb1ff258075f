package shared

import (
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"
)

// validate is shared by all handlers; validator instances cache parsed
// struct tags, so a single instance serves the whole API surface.
var validate = validator.New()

// DecodeJSON unmarshals the request body into dst.
func DecodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(r.Body).Decode(dst)
}

// ValidateRequest checks dst against its `validate` struct tags. Types that
// carry their own Validate method are checked with that instead, so domain
// rules take precedence over tag-level ones.
func ValidateRequest(dst any) error {
	if v, ok := dst.(interface{ Validate() error }); ok {
		return v.Validate()
	}
	return validate.Struct(dst)
}
