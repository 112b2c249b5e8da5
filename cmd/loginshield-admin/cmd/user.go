package cmd

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// User is a user as returned by the admin API
type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	IsAdmin     bool   `json:"is_admin"`
	HasPassword bool   `json:"has_password"`
	State       string `json:"loginshield_state"`
}

// UserListResponse represents the list users response
type UserListResponse struct {
	Users []User `json:"users"`
}

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage local accounts",
	Long:  `Commands for provisioning local accounts and resetting their LoginShield registration.`,
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := NewClient(adminURL, adminToken)
		data, err := client.Request("GET", "/admin/users", nil)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if output == "json" {
			return printJSON(out, data)
		}

		var resp UserListResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}

		if len(resp.Users) == 0 {
			fmt.Fprintln(out, "No users found.")
			return nil
		}

		headers := []string{"ID", "USERNAME", "EMAIL", "ADMIN", "LOGINSHIELD"}
		rows := make([][]string, len(resp.Users))
		for i, u := range resp.Users {
			rows[i] = []string{u.ID, u.Username, u.Email, strconv.FormatBool(u.IsAdmin), u.State}
		}
		printTable(out, headers, rows)
		return nil
	},
}

var (
	userCreateUsername    string
	userCreateEmail       string
	userCreateDisplayName string
	userCreatePassword    string
	userCreateAdmin       bool
)

var userCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a user",
	Long:  `Create a local account. Accounts without a password can only sign in with LoginShield.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if userCreateUsername == "" {
			return fmt.Errorf("--username is required")
		}

		client := NewClient(adminURL, adminToken)
		reqBody := map[string]interface{}{
			"username": userCreateUsername,
			"is_admin": userCreateAdmin,
		}
		if userCreateEmail != "" {
			reqBody["email"] = userCreateEmail
		}
		if userCreateDisplayName != "" {
			reqBody["display_name"] = userCreateDisplayName
		}
		if userCreatePassword != "" {
			reqBody["password"] = userCreatePassword
		}

		data, err := client.Request("POST", "/admin/users", reqBody)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if output == "json" {
			return printJSON(out, data)
		}

		var user User
		if err := json.Unmarshal(data, &user); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
		fmt.Fprintf(out, "User '%s' created with id %s.\n", user.Username, user.ID)
		return nil
	},
}

var userGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := NewClient(adminURL, adminToken)
		data, err := client.Request("GET", "/admin/users/"+args[0], nil)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if output == "json" {
			return printJSON(out, data)
		}

		var user User
		if err := json.Unmarshal(data, &user); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
		printTable(out, []string{"FIELD", "VALUE"}, [][]string{
			{"ID", user.ID},
			{"Username", user.Username},
			{"Email", user.Email},
			{"Display name", user.DisplayName},
			{"Admin", strconv.FormatBool(user.IsAdmin)},
			{"Password", strconv.FormatBool(user.HasPassword)},
			{"LoginShield", user.State},
		})
		return nil
	},
}

var userResetCmd = &cobra.Command{
	Use:   "reset <id>",
	Short: "Reset a user's LoginShield registration",
	Long: `Remove the user's realm-scoped user from the realm and clear the local
registration. The user can sign in with a password again afterwards.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := NewClient(adminURL, adminToken)
		data, err := client.Request("POST", "/admin/users/"+args[0]+"/reset", nil)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if output == "json" {
			return printJSON(out, data)
		}

		var resp struct {
			IsDeleted bool `json:"isDeleted"`
		}
		if err := json.Unmarshal(data, &resp); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
		fmt.Fprintf(out, "User '%s' reset.\n", args[0])
		if !resp.IsDeleted {
			fmt.Fprintln(out, "The realm-scoped user was not deleted from the realm.")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(userCmd)
	userCmd.AddCommand(userListCmd)
	userCmd.AddCommand(userCreateCmd)
	userCmd.AddCommand(userGetCmd)
	userCmd.AddCommand(userResetCmd)

	userCreateCmd.Flags().StringVar(&userCreateUsername, "username", "", "Username (required)")
	userCreateCmd.Flags().StringVar(&userCreateEmail, "email", "", "Email address")
	userCreateCmd.Flags().StringVar(&userCreateDisplayName, "display-name", "", "Display name reported to the realm")
	userCreateCmd.Flags().StringVar(&userCreatePassword, "password", "", "Password")
	userCreateCmd.Flags().BoolVar(&userCreateAdmin, "admin", false, "Grant site administration")
	_ = userCreateCmd.MarkFlagRequired("username")
}
