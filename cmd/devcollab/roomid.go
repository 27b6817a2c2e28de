package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newRoomIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "roomid",
		Short: "Generate a fresh room id",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), uuid.NewString())
			return err
		},
	}
}
