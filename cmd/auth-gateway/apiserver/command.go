package apiserver

import (
	"github.com/spf13/cobra"

	"github.com/openkcm/auth-gateway/internal/business"
	"github.com/openkcm/auth-gateway/internal/cmdutils"
)

func Cmd(buildInfo string) *cobra.Command {
	return cmdutils.CobraCommand(
		"api-server",
		"Auth Gateway API server",
		"Auth Gateway API server, serving the login endpoints, the authorization probe and the protected proxy.",
		buildInfo,
		cmdutils.RunAsService,
		business.Main,
	)
}
