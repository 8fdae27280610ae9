package sqlassets

import _ "embed"

//go:embed schema/platform/tenants.sql
var TenantsSQL string

//go:embed schema/platform/provisioning_jobs.sql
var ProvisioningJobsSQL string

//go:embed schema/tenant_space/tenant_schema.sql
var TenantSchemaSQL string

//go:embed schema/provisioning_payload.schema.json
var ProvisioningPayloadSchema string
