package migrate

import (
	"github.com/spf13/cobra"

	"github.com/openkcm/auth-gateway/internal/business"
	"github.com/openkcm/auth-gateway/internal/cmdutils"
)

func Cmd(buildInfo string) *cobra.Command {
	return cmdutils.CobraCommand(
		"migrate",
		"Auth Gateway database migrations",
		"Applies the database migrations of the postgres session store.",
		buildInfo,
		cmdutils.RunAsJob,
		business.MigrateMain,
	)
}
