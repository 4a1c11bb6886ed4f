package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/templeledger/templeledger/internal/ledger/remote"
	"github.com/templeledger/templeledger/internal/ui"
)

var authCmd = &cobra.Command{
	Use:     "auth",
	GroupID: "sync",
	Short:   "Manage the cloud account used for sync",
	Long: `Sign up, sign in or out of the cloud document service.

The session is saved in the local database, so a login survives restarts
and the sync daemon picks it up.`,
}

var authSignupCmd = &cobra.Command{
	Use:   "signup",
	Short: "Create an account and sign in",
	Run: func(cmd *cobra.Command, args []string) {
		email, _ := cmd.Flags().GetString("email")
		name, _ := cmd.Flags().GetString("name")
		password := readPassword()

		ctx := context.Background()
		store := openStore(ctx)
		defer store.Close()
		client := newClient(ctx, store)

		user, err := client.SignUp(ctx, remote.Credentials{Email: email, Password: password, DisplayName: name})
		if err != nil {
			failAuth(err)
		}
		fmt.Printf("%s Account created; signed in as %s\n", ui.RenderPass("✓"), ui.RenderAccent(user.Email))
	},
}

var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in",
	Run: func(cmd *cobra.Command, args []string) {
		email, _ := cmd.Flags().GetString("email")
		password := readPassword()

		ctx := context.Background()
		store := openStore(ctx)
		defer store.Close()
		client := newClient(ctx, store)

		user, err := client.SignIn(ctx, email, password)
		if err != nil {
			failAuth(err)
		}
		fmt.Printf("%s Signed in as %s\n", ui.RenderPass("✓"), ui.RenderAccent(user.Email))
	},
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and forget the saved session",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		store := openStore(ctx)
		defer store.Close()
		client := newClient(ctx, store)

		if client.CurrentUser() == nil {
			fmt.Println("Not signed in.")
			return
		}
		if err := client.SignOut(ctx); err != nil {
			fail("%v", err)
		}
		fmt.Printf("%s Signed out\n", ui.RenderPass("✓"))
	},
}

var authWhoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the signed in user",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		store := openStore(ctx)
		defer store.Close()
		client := newClient(ctx, store)

		user := client.CurrentUser()
		if jsonOutput {
			printJSON(user)
			return
		}
		if user == nil {
			fmt.Println(ui.RenderWarn("Not signed in"))
			os.Exit(1)
		}
		fmt.Printf("%s (%s)\n", ui.RenderAccent(user.Email), user.ID)
	},
}

// readPassword takes the password from TEMPLELEDGER_PASSWORD, else from
// an interactive prompt.
func readPassword() string {
	if pw := os.Getenv("TEMPLELEDGER_PASSWORD"); pw != "" {
		return pw
	}
	pw, err := promptPassword("Password")
	if errors.Is(err, errNoTerminal) {
		fail("no terminal for the password prompt; set TEMPLELEDGER_PASSWORD")
	}
	if err != nil {
		fail("%v", err)
	}
	return pw
}

func failAuth(err error) {
	var re *remote.RemoteError
	if errors.As(err, &re) && re.StatusCode == http.StatusUnauthorized {
		fail("invalid email or password")
	}
	fail("%v", err)
}

func init() {
	for _, c := range []*cobra.Command{authSignupCmd, authLoginCmd} {
		c.Flags().String("email", "", "account email (required)")
		_ = c.MarkFlagRequired("email")
	}
	authSignupCmd.Flags().String("name", "", "display name")

	authCmd.AddCommand(authSignupCmd, authLoginCmd, authLogoutCmd, authWhoamiCmd)
	rootCmd.AddCommand(authCmd)
}
