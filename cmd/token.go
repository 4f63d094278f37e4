package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskboard/api"
	"taskboard/config"
)

var (
	tokenCount  int
	tokenPrefix string
	tokenStart  int
	tokenOutput string
	tokenTTL    time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token [user-id]",
	Short: "Sign development tokens with the local shared secret",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(viper.GetViper())
		if err != nil {
			return err
		}
		secret := cfg.HMACSecret()
		if secret == nil {
			return errors.New("token requires LOCAL_AUTH_MODE=hs256 or AUTH0_TEST_MODE=1")
		}
		if tokenCount < 1 || tokenStart < 1 {
			return errors.New("count and start must be at least 1")
		}
		if len(args) > 0 && tokenCount > 1 {
			return errors.New("explicit user ID cannot be provided when generating multiple tokens")
		}

		tokens := make([]string, tokenCount)
		for i := range tokens {
			tokens[i], err = api.IssueLocalToken(secret, tokenUser(args, i), cfg.Auth0Audience, tokenTTL)
			if err != nil {
				return err
			}
		}
		if tokenOutput != "" {
			if err := writeTokens(tokenOutput, tokens); err != nil {
				return fmt.Errorf("write tokens: %w", err)
			}
		}
		fmt.Fprintln(cmd.OutOrStdout(), tokens[0])
		return nil
	},
}

func init() {
	tokenCmd.Flags().IntVar(&tokenCount, "count", 1, "number of tokens to generate")
	tokenCmd.Flags().StringVar(&tokenPrefix, "prefix", "dev-user", "user ID, or prefix of generated IDs when count > 1")
	tokenCmd.Flags().IntVar(&tokenStart, "start", 1, "starting index of generated IDs when count > 1")
	tokenCmd.Flags().StringVar(&tokenOutput, "output", "", "file to write every token to as a JSON array")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")
	rootCmd.AddCommand(tokenCmd)
}

func tokenUser(args []string, i int) string {
	switch {
	case len(args) > 0:
		return args[0]
	case tokenCount == 1:
		return tokenPrefix
	}
	return fmt.Sprintf("%s-%d", tokenPrefix, tokenStart+i)
}

func writeTokens(path string, tokens []string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := sonic.Marshal(tokens)
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}
