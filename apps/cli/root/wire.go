package root

import (
	jobscmd "github.com/atriumhq/atrium-saas/apps/cli/cmd/jobs"
	tenantcmd "github.com/atriumhq/atrium-saas/apps/cli/cmd/tenant"
)

func init() {
	Root().AddCommand(tenantcmd.Command())
	Root().AddCommand(jobscmd.Command())
}
