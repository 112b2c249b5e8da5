package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

// RealmInfoResponse is the realm status returned by the admin API
type RealmInfoResponse struct {
	Phase string `json:"phase"`
	Error string `json:"error,omitempty"`
	Realm *struct {
		Status  string `json:"status"`
		Error   string `json:"error"`
		Message string `json:"message"`
		RealmID string `json:"realmId"`
	} `json:"realm,omitempty"`
}

var realmCmd = &cobra.Command{
	Use:   "realm",
	Short: "Inspect and authorize realm access",
}

var realmStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the webauthz phase and realm status",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := NewClient(adminURL, adminToken)
		data, err := client.Request("GET", "/admin/realm", nil)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if output == "json" {
			return printJSON(out, data)
		}

		var resp RealmInfoResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}

		rows := [][]string{{"Phase", resp.Phase}}
		switch {
		case resp.Error != "":
			rows = append(rows, []string{"Error", resp.Error})
		case resp.Realm != nil && resp.Realm.Error != "":
			rows = append(rows, []string{"Error", resp.Realm.Error}, []string{"Message", resp.Realm.Message})
		case resp.Realm != nil:
			rows = append(rows, []string{"Realm", resp.Realm.RealmID}, []string{"Message", resp.Realm.Message})
		}
		printTable(out, []string{"FIELD", "VALUE"}, rows)
		return nil
	},
}

var realmAuthorizeCmd = &cobra.Command{
	Use:   "authorize",
	Short: "Start a webauthz access request",
	Long: `Start a webauthz access request for the realm. Open the printed URL in a
browser to grant access, then pass the URL the browser is sent back to to
"realm exchange". If access is already granted the realm is printed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := NewClient(adminURL, adminToken)
		data, err := client.Request("POST", "/admin/realm/authorize", nil)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if output == "json" {
			return printJSON(out, data)
		}

		var resp struct {
			Redirect string          `json:"redirect"`
			Realm    json.RawMessage `json:"realm"`
		}
		if err := json.Unmarshal(data, &resp); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
		if resp.Redirect != "" {
			fmt.Fprintln(out, "Open this URL to grant access:")
			fmt.Fprintln(out, resp.Redirect)
			return nil
		}
		fmt.Fprintln(out, "Access is already granted.")
		return printJSON(out, resp.Realm)
	},
}

var (
	exchangeClientID    string
	exchangeClientState string
	exchangeGrantToken  string
	exchangeRefresh     bool
)

var realmExchangeCmd = &cobra.Command{
	Use:   "exchange [grant-redirect-url]",
	Short: "Exchange a grant token for realm access",
	Long: `Complete an access request started with "realm authorize". Pass the URL the
authorization server redirected the browser to, or give its parameters as
flags. With --refresh the stored refresh token is exchanged instead.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := map[string]interface{}{
			"client_id":    exchangeClientID,
			"client_state": exchangeClientState,
			"grant_token":  exchangeGrantToken,
			"refresh":      exchangeRefresh,
		}
		if len(args) == 1 {
			u, err := url.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid grant redirect URL: %w", err)
			}
			q := u.Query()
			for _, key := range []string{"client_id", "client_state", "grant_token"} {
				if v := q.Get(key); v != "" {
					req[key] = v
				}
			}
		}
		if !exchangeRefresh && req["grant_token"] == "" {
			return errors.New("a grant token is required unless --refresh is set")
		}

		client := NewClient(adminURL, adminToken)
		data, err := client.Request("POST", "/admin/realm/exchange", req)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if output == "json" {
			return printJSON(out, data)
		}
		fmt.Fprintln(out, "Realm access granted.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(realmCmd)
	realmCmd.AddCommand(realmStatusCmd)
	realmCmd.AddCommand(realmAuthorizeCmd)
	realmCmd.AddCommand(realmExchangeCmd)

	realmExchangeCmd.Flags().StringVar(&exchangeClientID, "client-id", "", "Client id from the grant redirect")
	realmExchangeCmd.Flags().StringVar(&exchangeClientState, "client-state", "", "Client state from the grant redirect")
	realmExchangeCmd.Flags().StringVar(&exchangeGrantToken, "grant-token", "", "Grant token from the grant redirect")
	realmExchangeCmd.Flags().BoolVar(&exchangeRefresh, "refresh", false, "Refresh the access token with the stored refresh token")
}
