package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Bridge-Gate/Bridgegate/internal/domain/auth"
)

var hashSHA256 bool

var hashTokenCmd = &cobra.Command{
	Use:   "hash-token [token]",
	Short: "Hash a listener token for use in config",
	Long: `Hash a listener token so the config file never stores it in the clear.

By default the output is an Argon2id PHC string. With --sha256 the
output is "sha256:<hex>" instead. Either form can be used directly in
the listeners.ws.auth.token and listeners.tcp.auth.token fields;
clients keep presenting the plain token.

Example:
  bridge-gate hash-token "my-secret-token"
  # Output: $argon2id$v=19$m=65536,t=1,p=...

Security note: The token will appear in shell history.
Consider clearing history after use or using an environment variable:
  bridge-gate hash-token "$MY_TOKEN"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]
		if hashSHA256 {
			fmt.Println(auth.HashTokenSHA256(token))
			return nil
		}
		hash, err := auth.HashTokenArgon2id(token)
		if err != nil {
			return fmt.Errorf("failed to hash token: %w", err)
		}
		fmt.Println(hash)
		return nil
	},
}

func init() {
	hashTokenCmd.Flags().BoolVar(&hashSHA256, "sha256", false, "emit a sha256 digest instead of Argon2id")
	rootCmd.AddCommand(hashTokenCmd)
}
