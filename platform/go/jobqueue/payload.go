package jobqueue

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	sqlassets "github.com/atriumhq/atrium-saas/database"
)

// Payload carries everything the provisioning worker needs to build a tenant
// database; it is persisted verbatim on the job row.
type Payload struct {
	TenantID          uuid.UUID `json:"tenantId"`
	Slug              string    `json:"slug"`
	DBName            string    `json:"dbName"`
	AdminEmail        string    `json:"adminEmail"`
	AdminPasswordHash string    `json:"adminPasswordHash"`
	AdminFirstName    *string   `json:"adminFirstName,omitempty"`
	AdminLastName     *string   `json:"adminLastName,omitempty"`
	CompanyName       string    `json:"companyName"`
}

const payloadSchemaName = "provisioning_payload.schema.json"

var payloadSchema = mustCompilePayloadSchema()

func mustCompilePayloadSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(payloadSchemaName, strings.NewReader(sqlassets.ProvisioningPayloadSchema)); err != nil {
		panic(fmt.Sprintf("register payload schema: %v", err))
	}
	return compiler.MustCompile(payloadSchemaName)
}

// ValidatePayload checks the payload against the embedded JSON Schema before it
// is persisted, so malformed jobs never reach a worker.
func ValidatePayload(p Payload) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	var document any
	if err := json.Unmarshal(raw, &document); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	if err := payloadSchema.Validate(document); err != nil {
		return fmt.Errorf("payload validation: %w", err)
	}
	return nil
}
