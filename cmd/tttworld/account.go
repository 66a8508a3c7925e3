package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/dcrodman/tttworld/internal/core"
	"github.com/dcrodman/tttworld/internal/core/auth"
	"github.com/dcrodman/tttworld/internal/core/data"
)

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Account management tools",
}

var accountAddCmd = &cobra.Command{
	Use:   "add [username] [password]",
	Short: "Registers new accounts in the database",
	Run:   AccountAddCommand,
}

var accountDeleteCmd = &cobra.Command{
	Use:   "delete [username]",
	Short: "Deletes accounts from the database",
	Run:   AccountDeleteCommand,
}

var accountBanCmd = &cobra.Command{
	Use:   "ban [username]",
	Short: "Prevents an account from logging in",
	Run:   accountFlagCommand("ban", (*auth.Manager).SetBanned, true),
}

var accountUnbanCmd = &cobra.Command{
	Use:   "unban [username]",
	Short: "Lifts a ban",
	Run:   accountFlagCommand("unban", (*auth.Manager).SetBanned, false),
}

var accountPromoteCmd = &cobra.Command{
	Use:   "promote [username]",
	Short: "Makes an account an administrator",
	Run:   accountFlagCommand("promote", (*auth.Manager).SetAdmin, true),
}

var accountDemoteCmd = &cobra.Command{
	Use:   "demote [username]",
	Short: "Removes administrator rights from an account",
	Run:   accountFlagCommand("demote", (*auth.Manager).SetAdmin, false),
}

var (
	AdminFlag     bool
	PermanentFlag bool
)

func initAccounts() (*auth.Manager, *gorm.DB) {
	cfg, err := core.LoadConfig(ConfigFlag)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	db, err := data.Open(cfg.Database.Engine, cfg.DataSource(), cfg.Debugging.DatabaseLoggingEnabled)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	return auth.NewManager(db, cfg.Accounts.MinPasswordLength, cfg.Accounts.CacheTTL), db
}

func AccountAddCommand(cmd *cobra.Command, args []string) {
	accounts, db := initAccounts()
	defer data.Close(db)

	username, args := popArg(args, "Username")
	password, _ := popArg(args, "Password")

	account, err := accounts.Create(username, password, AdminFlag)
	if err != nil {
		fmt.Println("error creating account:", err)
		return
	}
	fmt.Printf("created account for '%s' (ID: %d, admin: %v)\n", account.Username, account.ID, account.Admin)
}

func AccountDeleteCommand(cmd *cobra.Command, args []string) {
	accounts, db := initAccounts()
	defer data.Close(db)

	username, _ := popArg(args, "Username")
	if err := accounts.Delete(username, PermanentFlag); err != nil {
		fmt.Println("error deleting account:", err)
		return
	}
	fmt.Println("deleted account")
}

// accountFlagCommand builds a command that flips one of an account's flags.
func accountFlagCommand(verb string, set func(*auth.Manager, string, bool) (bool, error), value bool) func(*cobra.Command, []string) {
	return func(cmd *cobra.Command, args []string) {
		accounts, db := initAccounts()
		defer data.Close(db)

		username, _ := popArg(args, "Username")
		changed, err := set(accounts, username, value)
		switch {
		case err != nil:
			fmt.Printf("unable to %s %s: %v\n", verb, username, err)
		case !changed:
			fmt.Printf("nothing to do; %s is unchanged\n", username)
		default:
			fmt.Printf("%s: done\n", verb)
		}
	}
}

func popArg(args []string, prompt string) (string, []string) {
	if len(args) == 1 {
		return args[0], nil
	} else if len(args) > 1 {
		return args[0], args[1:]
	}

	fmt.Printf("%s: ", prompt)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Scan()
	return scanner.Text(), args
}
