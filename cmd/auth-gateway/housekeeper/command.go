package housekeeper

import (
	"github.com/spf13/cobra"

	"github.com/openkcm/auth-gateway/internal/business"
	"github.com/openkcm/auth-gateway/internal/cmdutils"
)

func Cmd(buildInfo string) *cobra.Command {
	return cmdutils.CobraCommand(
		"housekeeper",
		"Auth Gateway Housekeeping job",
		"Auth Gateway Housekeeping job removes idle and expired sessions and stale login states from a shared session store.",
		buildInfo,
		cmdutils.RunAsService,
		business.HousekeeperMain,
	)
}
