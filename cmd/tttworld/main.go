package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var ConfigFlag string

func main() {
	rootCmd := &cobra.Command{
		Use:   "tttworld",
		Short: "Tic-Tac-Toe World server and related tools",
		Run:   ServerCommand,
	}
	rootCmd.PersistentFlags().StringVarP(&ConfigFlag, "config", "c", ".", "Path to the directory containing config.yaml")

	accountCmd.AddCommand(accountAddCmd)
	accountCmd.AddCommand(accountDeleteCmd)
	accountCmd.AddCommand(accountBanCmd)
	accountCmd.AddCommand(accountUnbanCmd)
	accountCmd.AddCommand(accountPromoteCmd)
	accountCmd.AddCommand(accountDemoteCmd)
	accountAddCmd.Flags().BoolVar(&AdminFlag, "admin", false, "Create the account as an administrator")
	accountDeleteCmd.Flags().BoolVar(&PermanentFlag, "permanent", false, "Permanently delete the account (as opposed to a soft delete)")

	keygenCmd.Flags().BoolVarP(&ForceFlag, "force", "f", false, "Overwrite existing key files")

	playCmd.Flags().BoolVarP(&RegisterFlag, "register", "r", false, "Register a new account instead of logging in")
	playCmd.Flags().StringVar(&KnownHostsFlag, "known-hosts", "", "File in which trusted server keys are stored (default ~/.tttworld/known_hosts.yaml)")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(accountCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(playCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
