package identity

import (
	"embed"
	"fmt"
	"strings"
	"sync"

	"github.com/medrex/nuvora-ehr/pkg/types"
	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var (
	schemaOnce sync.Once
	schemaErr  error
	schemas    map[types.Role]*gojsonschema.Schema
)

func loadSchemas() error {
	schemaOnce.Do(func() {
		schemas = make(map[types.Role]*gojsonschema.Schema)
		for _, role := range RolePrecedence {
			raw, err := schemaFS.ReadFile("schemas/" + string(role) + ".json")
			if err != nil {
				schemaErr = fmt.Errorf("missing %s profile schema: %w", role, err)
				return
			}
			s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
			if err != nil {
				schemaErr = fmt.Errorf("invalid %s profile schema: %w", role, err)
				return
			}
			schemas[role] = s
		}
	})
	return schemaErr
}

// ValidateProfile checks a profile document against the schema of role
func ValidateProfile(role types.Role, doc []byte) error {
	if err := loadSchemas(); err != nil {
		return types.NewInternalError("ValidateProfile", "profile schemas unavailable", err)
	}
	schema, ok := schemas[role]
	if !ok {
		return types.NewValidationError("ValidateProfile", string(role), "no profile shape for role")
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return types.NewValidationError("ValidateProfile", string(role), "profile is not a JSON document")
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return types.NewValidationError("ValidateProfile", string(role), "profile failed schema validation: "+strings.Join(msgs, "; "))
	}
	return nil
}
